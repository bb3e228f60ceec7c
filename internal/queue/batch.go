package queue

import (
	"context"
	"sync"
)

// Batch tracks the tasks of one Scatter call.
type Batch[T, R any] struct {
	Key string

	pool *Pool[T, R]
	done chan struct{}

	mu       sync.Mutex
	outcomes []Outcome[T, R]
	pending  int
	join     func([]Outcome[T, R])
	fired    bool
}

func newBatch[T, R any](p *Pool[T, R], key string, tasks []T) *Batch[T, R] {
	return &Batch[T, R]{
		Key:      key,
		pool:     p,
		done:     make(chan struct{}),
		outcomes: make([]Outcome[T, R], len(tasks)),
		pending:  len(tasks),
	}
}

func (b *Batch[T, R]) Size() int { return len(b.outcomes) }

// Pending reports tasks not yet settled.
func (b *Batch[T, R]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Done is closed after the join callback returns.
func (b *Batch[T, R]) Done() <-chan struct{} { return b.done }

func (b *Batch[T, R]) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
