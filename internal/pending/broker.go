// Package pending pairs a waiting caller with an external actor through a
// correlation id. The caller holds a Future; the actor resolves, rejects or
// cancels it by id.
package pending

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrCancelled is returned to the waiter after Cancel.
	ErrCancelled = errors.New("request cancelled")
	// ErrUnknown means the id was never opened or is already settled.
	ErrUnknown = errors.New("unknown or settled correlation id")
)

type outcome[T any] struct {
	val T
	err error
}

type Future[T any] struct {
	ID     string
	ch     chan outcome[T]
	broker *Broker[T]
}

// Wait blocks until the request is settled or ctx ends. When ctx ends first
// the request is withdrawn so a late resolution is refused.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case o := <-f.ch:
		return o.val, o.err
	case <-ctx.Done():
		f.broker.take(f.ID)
		// A resolution may have landed between Done and take.
		select {
		case o := <-f.ch:
			return o.val, o.err
		default:
		}
		var zero T
		return zero, ctx.Err()
	}
}

type Broker[T any] struct {
	mu      sync.Mutex
	waiters map[string]chan outcome[T]
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{waiters: map[string]chan outcome[T]{}}
}

// Open registers a request under a fresh uuid.
func (b *Broker[T]) Open() *Future[T] {
	f, _ := b.OpenID(uuid.NewString())
	return f
}

// OpenID registers a request under a caller-chosen id, for example one that
// was persisted before a restart.
func (b *Broker[T]) OpenID(id string) (*Future[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiters == nil {
		b.waiters = map[string]chan outcome[T]{}
	}
	if _, ok := b.waiters[id]; ok {
		return nil, errors.New("correlation id already open: " + id)
	}
	ch := make(chan outcome[T], 1)
	b.waiters[id] = ch
	return &Future[T]{ID: id, ch: ch, broker: b}, nil
}

func (b *Broker[T]) Resolve(id string, v T) error {
	return b.settle(id, outcome[T]{val: v})
}

func (b *Broker[T]) Reject(id string, err error) error {
	return b.settle(id, outcome[T]{err: err})
}

func (b *Broker[T]) Cancel(id string) error {
	return b.settle(id, outcome[T]{err: ErrCancelled})
}

// Pending reports whether id is still waiting.
func (b *Broker[T]) Pending(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.waiters[id]
	return ok
}

func (b *Broker[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

func (b *Broker[T]) settle(id string, o outcome[T]) error {
	ch := b.take(id)
	if ch == nil {
		return ErrUnknown
	}
	ch <- o
	return nil
}

func (b *Broker[T]) take(id string) chan outcome[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waiters[id]
	if !ok {
		return nil
	}
	delete(b.waiters, id)
	return ch
}
