package containers

import "fmt"

// RefCounted wraps a shared value with an explicit owner count. The count
// never goes below zero; callers destroy the value when Release reports 0.
type RefCounted[V any] struct {
	Value V
	refs  int
}

func NewRefCounted[V any](value V) *RefCounted[V] {
	return &RefCounted[V]{Value: value, refs: 1}
}

func (r *RefCounted[V]) Retain() int {
	r.refs++
	return r.refs
}

func (r *RefCounted[V]) Release() (int, error) {
	if r.refs == 0 {
		return 0, fmt.Errorf("release of an entry that has no owners")
	}
	r.refs--
	return r.refs, nil
}

func (r *RefCounted[V]) Refs() int {
	return r.refs
}
