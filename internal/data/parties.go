package data

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Party maps to the parties collection maintained by the party directory
// (players, clubs, agents, academies). This service only reads it, apart
// from Put which seeds development and test data.
type Party struct {
	ID          string    `bson:"_id"`
	DisplayName string    `bson:"display_name"`
	PartyType   string    `bson:"party_type"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// PartiesStore resolves party ids against the directory collection.
type PartiesStore struct {
	coll *mongo.Collection
}

// NewPartiesStore returns a PartiesStore using the given collection.
func NewPartiesStore(coll *mongo.Collection) *PartiesStore {
	return &PartiesStore{coll: coll}
}

// Resolve returns the display name and type of a party. typeHint is used
// when the directory record has no type.
func (p *PartiesStore) Resolve(ctx context.Context, id, typeHint string) (Participant, error) {
	var party Party
	if err := p.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&party); err != nil {
		return Participant{}, Classify(err)
	}
	out := Participant{ID: party.ID, Name: party.DisplayName, Type: party.PartyType}
	if out.Type == "" {
		out.Type = typeHint
	}
	return out, nil
}

// Put creates or replaces a directory record.
func (p *PartiesStore) Put(ctx context.Context, party Participant) error {
	doc := Party{ID: party.ID, DisplayName: party.Name, PartyType: party.Type, UpdatedAt: time.Now().UTC()}
	_, err := p.coll.ReplaceOne(ctx, bson.M{"_id": party.ID}, doc, options.Replace().SetUpsert(true))
	return Classify(err)
}
