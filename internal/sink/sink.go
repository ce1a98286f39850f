// Package sink implements the three bounded outbound queues: generic
// actions, WiseAuthority deferrals, and WA feedback. Every sink delivers
// FIFO, never blocks on enqueue, and stops cleanly on its stop signal
// without dropping queued items.
package sink

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultQueueSize bounds each sink's queue when the caller passes 0.
const DefaultQueueSize = 100

// queue is the shared bounded FIFO with a one-shot stop signal.
type queue[T any] struct {
	items    chan T
	stop     chan struct{}
	stopOnce sync.Once
}

func newQueue[T any](size int) queue[T] {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return queue[T]{
		items: make(chan T, size),
		stop:  make(chan struct{}),
	}
}

// enqueue is non-blocking: a full queue (or a stopped sink) returns false.
func (q *queue[T]) enqueue(item T) bool {
	select {
	case <-q.stop:
		return false
	default:
	}
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// len reports queued-but-unprocessed items.
func (q *queue[T]) len() int { return len(q.items) }

func (q *queue[T]) signalStop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// run delivers items FIFO to process until the stop signal or ctx fires.
// One in-flight item completes (or fails) before the next is dequeued;
// process errors are logged and never stop the loop.
func (q *queue[T]) run(ctx context.Context, logger *zap.Logger, name string, process func(T) error) {
	for {
		// The stop signal wins over a ready item: once stopped, queued
		// items are preserved, never processed.
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case item := <-q.items:
			if err := process(item); err != nil {
				logger.Error("sink item failed", zap.String("sink", name), zap.Error(err))
			}
		}
	}
}
