// Package unboundedchan provides a queue that is filled and drained through
// channels, so that a producer never waits on a slow consumer.
package unboundedchan

import "sync/atomic"

// UnboundedChannel queues values between In and Out. With a positive limit
// the oldest queued values are discarded once more than limit are waiting.
// Use pointers or small values for T; every queued value is held by copy.
type UnboundedChannel[T any] struct {
	in      chan T
	out     chan T
	queue   []T
	limit   int
	pending atomic.Int64
	dropped atomic.Int64
}

// NewUnboundedChannel creates a queue without a limit and starts its goroutine.
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	return NewLimitedChannel[T](0)
}

// NewLimitedChannel creates a queue that holds at most limit values (no limit if limit<=0).
func NewLimitedChannel[T any](limit int) *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:    make(chan T),
		out:   make(chan T),
		limit: limit,
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) push(val T) {
	uc.queue = append(uc.queue, val)
	uc.pending.Add(1)
	if uc.limit > 0 && len(uc.queue) > uc.limit {
		var zero T
		uc.queue[0] = zero
		uc.queue = uc.queue[1:]
		uc.pending.Add(-1)
		uc.dropped.Add(1)
	}
}

func (uc *UnboundedChannel[T]) pop() {
	var zero T
	uc.queue[0] = zero
	uc.queue = uc.queue[1:]
	uc.pending.Add(-1)
}

func (uc *UnboundedChannel[T]) run() {
	for {
		if len(uc.queue) == 0 {
			val, ok := <-uc.in
			if !ok {
				close(uc.out)
				return
			}
			uc.push(val)
			continue
		}
		select {
		case uc.out <- uc.queue[0]:
			uc.pop()
		case val, ok := <-uc.in:
			if !ok {
				// Drain what is queued, then close the output.
				for len(uc.queue) > 0 {
					uc.out <- uc.queue[0]
					uc.pop()
				}
				close(uc.out)
				return
			}
			uc.push(val)
		}
	}
}

// In returns the input channel. Close it to end the queue once drained.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel. It is closed after In is closed and all
// queued values were received.
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Pending returns the number of values waiting in the queue.
func (uc *UnboundedChannel[T]) Pending() int {
	return int(uc.pending.Load())
}

// Dropped returns how many values were discarded because of the limit.
func (uc *UnboundedChannel[T]) Dropped() int {
	return int(uc.dropped.Load())
}
