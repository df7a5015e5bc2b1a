// Package data provides the conversation models, the error taxonomy and the
// stores behind them (MongoDB and in-memory).
package data

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/PaulBabatuyi/realtime-conversations/internal/normalize"
)

// ConversationsStore provides conversation database operations.
type ConversationsStore struct {
	// coll is the "conversations" collection; pair_key carries a unique index
	coll *mongo.Collection
	now  func() time.Time
}

// NewConversationsStore returns a ConversationsStore using the given collection.
func NewConversationsStore(coll *mongo.Collection) *ConversationsStore {
	return &ConversationsStore{coll: coll, now: time.Now}
}

// newConversation builds the document inserted for a fresh pair.
func newConversation(a, b Participant, now time.Time) *Conversation {
	now = now.UTC().Truncate(time.Millisecond)
	pair := normalize.SortedPair(a.ID, b.ID)
	c := &Conversation{
		ID:               uuid.Must(uuid.NewV7()).String(),
		PairKey:          normalize.PairKey(a.ID, b.ID),
		Participants:     pair[:],
		ParticipantNames: map[string]string{},
		ParticipantTypes: map[string]string{},
		UnreadCount:      map[string]int64{a.ID: 0, b.ID: 0},
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}
	for _, p := range []Participant{a, b} {
		c.ParticipantTypes[p.ID] = p.Type
		if !p.Placeholder {
			c.ParticipantNames[p.ID] = p.Name
		}
	}
	return c
}

// FindOrCreate returns the conversation of the unordered pair {a, b},
// creating it if needed. It is a single upsert keyed on the pair key, so
// concurrent callers converge on one document; a caller that loses the race
// gets ErrPreconditionFailed and should retry. The bool reports creation.
func (s *ConversationsStore) FindOrCreate(ctx context.Context, a, b Participant) (*Conversation, bool, error) {
	fresh := newConversation(a, b, s.now())

	// $setOnInsert only applies when the upsert inserts; an existing
	// conversation is returned untouched
	update := bson.M{"$setOnInsert": fresh}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var conv Conversation
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"pair_key": fresh.PairKey}, update, opts).Decode(&conv)
	if err != nil {
		return nil, false, Classify(err)
	}
	return &conv, conv.ID == fresh.ID, nil
}

// Get returns a conversation by id.
func (s *ConversationsStore) Get(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&conv); err != nil {
		return nil, Classify(err)
	}
	return &conv, nil
}

// ApplySendEffects records a committed message on its conversation: the
// last-message projection, +1 on the receiver's unread counter (a server-side
// $inc, never read-modify-write) and refreshed participant names.
// It must run in the same transaction as the message insert.
func (s *ConversationsStore) ApplySendEffects(ctx context.Context, id string, sender, receiver Participant, sum MessageSummary) error {
	set := bson.M{
		"last_message":      sum.Excerpt,
		"last_message_id":   sum.MessageID,
		"last_message_time": sum.At,
		"last_sender_id":    sender.ID,
	}
	for _, p := range []Participant{sender, receiver} {
		if p.Placeholder {
			continue
		}
		if p.Name != "" {
			set["participant_names."+p.ID] = p.Name
		}
		if p.Type != "" {
			set["participant_types."+p.ID] = p.Type
		}
	}

	filter := bson.M{
		"_id":          id,
		"participants": bson.M{"$all": bson.A{sender.ID, receiver.ID}},
	}
	update := bson.M{
		"$set": set,
		"$inc": bson.M{
			"unread_count." + receiver.ID: 1,
			"message_count":               1,
			"version":                     1,
		},
		// updated_at never moves backwards, whichever writer commits first
		"$max": bson.M{"updated_at": sum.At},
	}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return Classify(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRead resets partyID's unread counter. Calling it again is a no-op.
func (s *ConversationsStore) MarkRead(ctx context.Context, id, partyID string) error {
	filter := bson.M{
		"_id":                       id,
		"participants":              partyID,
		"unread_count." + partyID: bson.M{"$ne": 0},
	}
	update := bson.M{
		"$set": bson.M{"unread_count." + partyID: 0},
		"$max": bson.M{"updated_at": s.now().UTC()},
		"$inc": bson.M{"version": 1},
	}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return Classify(err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// nothing matched: already read, not a participant, or missing
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(partyID) {
		return ErrPermissionDenied
	}
	return nil
}

// Archive sets isActive=false.
func (s *ConversationsStore) Archive(ctx context.Context, id string) error {
	return s.setActive(ctx, id, false)
}

// Unarchive sets isActive=true.
func (s *ConversationsStore) Unarchive(ctx context.Context, id string) error {
	return s.setActive(ctx, id, true)
}

func (s *ConversationsStore) setActive(ctx context.Context, id string, active bool) error {
	update := bson.M{
		"$set": bson.M{"is_active": active},
		"$max": bson.M{"updated_at": s.now().UTC()},
		"$inc": bson.M{"version": 1},
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "is_active": !active}, update)
	if err != nil {
		return Classify(err)
	}
	if res.MatchedCount == 0 {
		// already in the requested state, or missing
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ForParty is the live query "active conversations containing partyID",
// newest first. A conversation that gets archived leaves the query.
func (s *ConversationsStore) ForParty(partyID string) Query[*Conversation] {
	return &mongoQuery[*Conversation]{
		coll:   s.coll,
		filter: bson.D{{Key: "participants", Value: partyID}, {Key: "is_active", Value: true}},
		sort:   bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}},
		match:  bson.D{{Key: "fullDocument.participants", Value: partyID}},
		keep:   func(c *Conversation) bool { return c.IsActive },
		decode: decodeInto[Conversation],
	}
}
