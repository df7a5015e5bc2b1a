package data

import "context"

// Document is a keyed, versioned record that can be watched.
type Document interface {
	DocKey() string
	DocVersion() int64
}

// Op is the kind of a Change.
type Op int

const (
	// OpUpsert carries the current version of a document that matches the query.
	OpUpsert Op = iota
	// OpRemove means the document no longer matches the query.
	OpRemove
)

// Change is one entry of a change feed.
type Change[T Document] struct {
	Op  Op
	Key string
	Doc T
}

// Feed is an ordered stream of changes for one query.
//
// Next returns ErrTransient when the feed hiccuped but remains usable,
// ErrUnavailable when the store is unreachable, ErrStale when the feed cannot
// resume and must be rebuilt. Any other error is permanent.
type Feed[T Document] interface {
	Next(ctx context.Context) (Change[T], error)
	Close(ctx context.Context) error
}

// Query is a live query: a point-in-time snapshot plus a feed of later changes.
// Callers open the feed before taking the snapshot; documents carry versions so
// a change that overlaps the snapshot can be recognized.
type Query[T Document] interface {
	Snapshot(ctx context.Context) ([]T, error)
	Watch(ctx context.Context) (Feed[T], error)
}
