package unboundedchan

import "sync/atomic"

// UnboundedChannel is a queue entered and drained through channels. Sends on In
// never block for long, because items wait in a slice until Out is read.
// A positive limit bounds that slice: when it is reached, the oldest item is
// dropped to make room. Use pointers for large T.
type UnboundedChannel[T any] struct {
	in      chan T
	out     chan T
	limit   int
	dropped atomic.Int64
}

// NewUnboundedChannel creates an UnboundedChannel and starts its goroutine.
// A limit of 0 or less means the queue may grow without bound.
func NewUnboundedChannel[T any](limit int) *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:    make(chan T),
		out:   make(chan T),
		limit: limit,
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) run() {
	var queue []T
	in := uc.in
	for in != nil || len(queue) > 0 {
		// A nil channel is never ready, so the send case is off while the queue is empty.
		var out chan T
		var head T
		if len(queue) > 0 {
			out = uc.out
			head = queue[0]
		}
		select {
		case val, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if uc.limit > 0 && len(queue) >= uc.limit {
				queue = queue[1:]
				uc.dropped.Add(1)
			}
			queue = append(queue, val)
		case out <- head:
			var zero T
			queue[0] = zero
			queue = queue[1:]
		}
	}
	close(uc.out)
}

// In returns the input channel. Close it when done; items already queued are
// still delivered before Out is closed.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel.
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Dropped returns the number of items discarded because the queue was at its limit.
func (uc *UnboundedChannel[T]) Dropped() int64 {
	return uc.dropped.Load()
}
