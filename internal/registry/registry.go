// Package registry maps entity keys to single-writer execution queues.
//
// Each key owns exactly one entity instance and one worker goroutine fed by
// a mailbox channel. Calls against the same key execute one at a time to
// completion (turn-based), which makes every state transition linearizable
// without explicit locks inside the entity. Calls against different keys
// proceed fully in parallel.
//
// A turn that has started is never cancelled mid-mutation: the worker runs
// it under a context detached from the caller's cancellation, so an
// abandoned caller cannot leave an entity partially mutated.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// mailboxCapacity bounds how many turns may queue per entity before
// callers block on admission.
const mailboxCapacity = 16

// ErrClosed indicates the registry no longer admits turns.
var ErrClosed = errors.New("registry is closed")

// Registry routes calls to per-key entities with turn-based execution.
type Registry[E any] struct {
	factory func(key string) E

	mu      sync.Mutex
	entries map[string]*entry[E]
	closed  bool
	stop    chan struct{}
}

type entry[E any] struct {
	mailbox chan turn[E]
}

type turn[E any] struct {
	ctx  context.Context
	fn   func(ctx context.Context, entity E) (any, error)
	done chan outcome
}

type outcome struct {
	value any
	err   error
}

// New creates a registry that activates entities on first use via factory.
func New[E any](factory func(key string) E) *Registry[E] {
	return &Registry[E]{
		factory: factory,
		entries: make(map[string]*entry[E]),
		stop:    make(chan struct{}),
	}
}

// Keys returns a sorted snapshot of every activated entity key.
func (r *Registry[E]) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close stops all workers. Queued turns that have not started are dropped.
func (r *Registry[E]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.stop)
}

// lookup returns the mailbox for key, activating the entity if needed.
func (r *Registry[E]) lookup(key string) (*entry[E], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if e, ok := r.entries[key]; ok {
		return e, nil
	}

	e := &entry[E]{mailbox: make(chan turn[E], mailboxCapacity)}
	r.entries[key] = e
	go r.work(e, r.factory(key))
	return e, nil
}

// work drains one entity's mailbox, executing each turn to completion.
func (r *Registry[E]) work(e *entry[E], entity E) {
	for {
		select {
		case t := <-e.mailbox:
			t.done <- runTurn(t, entity)
		case <-r.stop:
			return
		}
	}
}

// runTurn executes one turn. A panicking turn becomes that turn's error;
// the worker must survive so later turns against the key still run.
func runTurn[E any](t turn[E], entity E) (out outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = outcome{err: fmt.Errorf("turn panicked: %v", rec)}
		}
	}()
	// Detach from the caller's cancellation: an admitted turn always
	// runs to completion.
	value, err := t.fn(context.WithoutCancel(t.ctx), entity)
	return outcome{value: value, err: err}
}

// Do executes fn as one turn against the entity addressed by key.
//
// The caller may abandon waiting (ctx cancellation) after admission; the
// turn still completes and its effects are applied.
func Do[E, T any](r *Registry[E], ctx context.Context, key string, fn func(ctx context.Context, entity E) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	e, err := r.lookup(key)
	if err != nil {
		return zero, err
	}

	t := turn[E]{
		ctx:  ctx,
		done: make(chan outcome, 1),
		fn: func(ctx context.Context, entity E) (any, error) {
			return fn(ctx, entity)
		},
	}

	select {
	case e.mailbox <- t:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.stop:
		return zero, ErrClosed
	}

	select {
	case out := <-t.done:
		if out.err != nil {
			return zero, out.err
		}
		value, _ := out.value.(T)
		return value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.stop:
		return zero, ErrClosed
	}
}
