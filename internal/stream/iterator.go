package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"harness/internal/event"
)

// Producer pushes events through emit until it returns. It must stop soon
// after ctx is cancelled.
type Producer func(ctx context.Context, emit func(event.Event)) error

// Iterator turns a pushing producer into a pulled sequence. The queue is
// unbounded: a producer that outruns its consumer grows memory rather than
// blocking. There is exactly one consumer.
type Iterator struct {
	mu     sync.Mutex
	queue  []event.Event
	done   bool
	err    error
	closed bool

	// notify holds at most one pending wake-up for the consumer.
	notify chan struct{}
	cancel context.CancelFunc

	closeOnce sync.Once
	onClose   func()
}

// Pull starts produce in its own goroutine and returns the consumer side.
func Pull(ctx context.Context, produce Producer) *Iterator {
	ctx, cancel := context.WithCancel(ctx)
	it := &Iterator{
		notify: make(chan struct{}, 1),
		cancel: cancel,
	}
	go func() {
		err := produce(ctx, it.push)
		it.finish(err)
	}()
	return it
}

func (it *Iterator) push(ev event.Event) {
	it.mu.Lock()
	if it.closed || it.done {
		it.mu.Unlock()
		return
	}
	it.queue = append(it.queue, ev)
	it.mu.Unlock()
	it.wake()
}

func (it *Iterator) finish(err error) {
	it.mu.Lock()
	it.done = true
	it.err = err
	it.mu.Unlock()
	it.wake()
}

func (it *Iterator) wake() {
	select {
	case it.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available. Buffered events are always
// drained before the end of the sequence is reported, as io.EOF or the
// producer's error. An error from ctx leaves the iterator usable.
func (it *Iterator) Next(ctx context.Context) (event.Event, error) {
	for {
		it.mu.Lock()
		if len(it.queue) > 0 {
			ev := it.queue[0]
			it.queue[0] = nil
			it.queue = it.queue[1:]
			it.mu.Unlock()
			return ev, nil
		}
		if it.closed {
			it.mu.Unlock()
			return nil, io.EOF
		}
		if it.done {
			err := it.err
			it.mu.Unlock()
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		it.mu.Unlock()

		select {
		case <-it.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops the producer and discards anything still queued. It is safe
// to call more than once.
func (it *Iterator) Close() error {
	it.closeOnce.Do(func() {
		it.mu.Lock()
		it.closed = true
		it.queue = nil
		it.mu.Unlock()
		it.cancel()
		if it.onClose != nil {
			it.onClose()
		}
		it.wake()
	})
	return nil
}

// All ranges over the remaining events. The iterator is closed when the
// loop ends, including on break. A non-EOF error is yielded once, last.
func (it *Iterator) All(ctx context.Context) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		defer it.Close()
		for {
			ev, err := it.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}
