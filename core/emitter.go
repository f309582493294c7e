package core

import (
	"sort"
	"sync"
)

// emitter dispatches events to subscribers in subscription order. An emit
// pass works on a snapshot of the handler list, so unsubscribing during
// dispatch never affects the pass already in progress.
type emitter[T any] struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(T)
}

func (e *emitter[T]) subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[int]func(T))
	}
	id := e.nextID
	e.nextID++
	e.handlers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

func (e *emitter[T]) emit(v T) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.handlers))
	for id := range e.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = e.handlers[id]
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
