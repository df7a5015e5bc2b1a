package data

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoQuery is a Query backed by a find plus a change stream on one collection.
type mongoQuery[T Document] struct {
	coll   *mongo.Collection
	filter bson.D // snapshot filter
	sort   bson.D
	match  bson.D // change stream $match, on the post-image
	keep   func(T) bool
	decode func(bson.Raw) (T, error)
}

// Snapshot returns every document matching the query, in sort order.
func (q *mongoQuery[T]) Snapshot(ctx context.Context) ([]T, error) {
	cursor, err := q.coll.Find(ctx, q.filter, options.Find().SetSort(q.sort))
	if err != nil {
		return nil, Classify(err)
	}
	defer cursor.Close(ctx)

	var out []T
	for cursor.Next(ctx) {
		doc, err := q.decode(cursor.Current)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot document: %w", err)
		}
		out = append(out, doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

// Watch opens a change stream with post-image lookup.
func (q *mongoQuery[T]) Watch(ctx context.Context) (Feed[T], error) {
	f := &mongoFeed[T]{q: q}
	if err := f.open(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// mongoFeed wraps a change stream. After a transient failure the stream is
// reopened from the last resume token on the next call to Next.
type mongoFeed[T Document] struct {
	q     *mongoQuery[T]
	cs    *mongo.ChangeStream
	token bson.Raw
}

func (f *mongoFeed[T]) open(ctx context.Context) error {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if f.token != nil {
		opts.SetResumeAfter(f.token)
	}
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: f.q.match}}}
	cs, err := f.q.coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return Classify(err)
	}
	f.cs = cs
	return nil
}

// Next blocks until the next change, an error, or ctx is done.
func (f *mongoFeed[T]) Next(ctx context.Context) (Change[T], error) {
	if f.cs == nil {
		if err := f.open(ctx); err != nil {
			return Change[T]{}, err
		}
	}

	if f.cs.Next(ctx) {
		f.token = f.cs.ResumeToken()
		return f.decodeEvent(f.cs.Current)
	}

	err := f.cs.Err()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Change[T]{}, ctxErr
	}
	if err == nil {
		// the server closed the stream without an error
		err = fmt.Errorf("%w: change stream closed", ErrTransient)
	}
	err = Classify(err)
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrUnavailable) {
		_ = f.cs.Close(context.WithoutCancel(ctx))
		f.cs = nil
	}
	return Change[T]{}, err
}

func (f *mongoFeed[T]) decodeEvent(ev bson.Raw) (Change[T], error) {
	op, _ := ev.Lookup("operationType").StringValueOK()
	key, _ := ev.Lookup("documentKey", "_id").StringValueOK()

	switch op {
	case "invalidate", "drop", "dropDatabase", "rename":
		return Change[T]{}, fmt.Errorf("%w: change stream %s", ErrStale, op)
	case "delete":
		return Change[T]{Op: OpRemove, Key: key}, nil
	}

	raw, ok := ev.Lookup("fullDocument").DocumentOK()
	if !ok {
		// the document was gone by the time the post-image was looked up
		return Change[T]{Op: OpRemove, Key: key}, nil
	}
	doc, err := f.q.decode(raw)
	if err != nil {
		return Change[T]{}, fmt.Errorf("decode change event: %w", err)
	}
	if f.q.keep != nil && !f.q.keep(doc) {
		return Change[T]{Op: OpRemove, Key: key}, nil
	}
	return Change[T]{Op: OpUpsert, Key: key, Doc: doc}, nil
}

// Close releases the change stream.
func (f *mongoFeed[T]) Close(ctx context.Context) error {
	if f.cs == nil {
		return nil
	}
	err := f.cs.Close(ctx)
	f.cs = nil
	return err
}

func decodeInto[T any](raw bson.Raw) (*T, error) {
	var v T
	if err := bson.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
