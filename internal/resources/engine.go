package resources

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Engine lazily loads a process-wide handle for one resource kind. Concurrent
// first callers share a single load.
type Engine[H any] struct {
	kind   Kind
	reg    *Registry
	load   func(ctx context.Context) (H, error)
	unload func(H) error

	sf     singleflight.Group
	mu     sync.Mutex
	handle H
	loaded bool
}

// NewEngine creates an engine for kind and reports its loaded state to reg.
// unload may be nil.
func NewEngine[H any](reg *Registry, kind Kind, load func(ctx context.Context) (H, error), unload func(H) error) *Engine[H] {
	e := &Engine[H]{kind: kind, reg: reg, load: load, unload: unload}
	if reg != nil {
		reg.SetLoaded(kind, e.Loaded)
	}
	return e
}

// Get returns the cached handle, loading it on first use. The load runs with
// the context of the caller that triggered it.
func (e *Engine[H]) Get(ctx context.Context) (H, error) {
	e.mu.Lock()
	if e.loaded {
		h := e.handle
		e.mu.Unlock()
		return h, nil
	}
	e.mu.Unlock()

	v, err, _ := e.sf.Do(string(e.kind), func() (any, error) {
		e.mu.Lock()
		if e.loaded {
			h := e.handle
			e.mu.Unlock()
			return h, nil
		}
		e.mu.Unlock()

		h, err := e.load(ctx)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.handle = h
		e.loaded = true
		e.mu.Unlock()
		if e.reg != nil {
			e.reg.publish(e.kind)
		}
		return h, nil
	})
	if err != nil {
		var zero H
		return zero, fmt.Errorf("load %s: %w", e.kind, err)
	}
	return v.(H), nil
}

// Loaded reports whether a handle is cached.
func (e *Engine[H]) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Unload drops the cached handle. It takes the kind's slot for the duration
// of the unload, so it fails with ErrResourceBusy while a job holds the slot
// and no job can acquire it until the handle is gone.
func (e *Engine[H]) Unload() error {
	if e.reg == nil {
		return e.Close()
	}
	lease, err := e.reg.Acquire(e.kind, "unload")
	if err != nil {
		return fmt.Errorf("unload %s: %w", e.kind, err)
	}
	defer lease.Release()
	return e.Close()
}

// Close drops the cached handle unconditionally. Used at shutdown.
func (e *Engine[H]) Close() error {
	e.mu.Lock()
	h, ok := e.handle, e.loaded
	var zero H
	e.handle = zero
	e.loaded = false
	e.mu.Unlock()

	if !ok {
		return nil
	}
	if e.reg != nil {
		e.reg.publish(e.kind)
	}
	if e.unload != nil {
		return e.unload(h)
	}
	return nil
}
