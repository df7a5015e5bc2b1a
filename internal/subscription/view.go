package subscription

import (
	"slices"

	"github.com/PaulBabatuyi/realtime-conversations/internal/data"
)

// view is the materialized result of one or more overlapping queries. A
// document stays in the view while at least one query still reports it.
type view[T data.Document] struct {
	docs    map[string]T
	members map[string]map[int]struct{}
	less    func(a, b T) bool
}

func newView[T data.Document](less func(a, b T) bool) *view[T] {
	v := &view[T]{less: less}
	v.reset()
	return v
}

func (v *view[T]) reset() {
	v.docs = map[string]T{}
	v.members = map[string]map[int]struct{}{}
}

func (v *view[T]) load(query int, docs []T) {
	for _, doc := range docs {
		v.upsert(query, doc)
	}
}

// apply folds a change reported by query into the view and reports whether
// the visible result changed.
func (v *view[T]) apply(query int, ch data.Change[T]) bool {
	if ch.Op == data.OpRemove {
		return v.remove(query, ch.Key)
	}
	return v.upsert(query, ch.Doc)
}

func (v *view[T]) upsert(query int, doc T) bool {
	key := doc.DocKey()
	set, ok := v.members[key]
	if !ok {
		set = map[int]struct{}{}
		v.members[key] = set
	}
	set[query] = struct{}{}

	cur, ok := v.docs[key]
	if ok && cur.DocVersion() >= doc.DocVersion() {
		// an older or duplicate event overlapping the snapshot
		return false
	}
	v.docs[key] = doc
	return true
}

func (v *view[T]) remove(query int, key string) bool {
	set, ok := v.members[key]
	if !ok {
		return false
	}
	delete(set, query)
	if len(set) > 0 {
		return false
	}
	delete(v.members, key)
	delete(v.docs, key)
	return true
}

func (v *view[T]) len() int { return len(v.docs) }

// sorted returns a fresh slice of the view in delivery order.
func (v *view[T]) sorted() []T {
	out := make([]T, 0, len(v.docs))
	for _, doc := range v.docs {
		out = append(out, doc)
	}
	slices.SortFunc(out, func(a, b T) int {
		switch {
		case v.less(a, b):
			return -1
		case v.less(b, a):
			return 1
		default:
			return 0
		}
	})
	return out
}
