package dastream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Consumer receives the blocks a session retains. The block's data are only
// valid during the call.
type Consumer interface {
	Consume(Block) error
}

// ConsumerFunc adapts an ordinary function to the Consumer interface.
type ConsumerFunc func(Block) error

// Consume calls f(b).
func (f ConsumerFunc) Consume(b Block) error {
	return f(b)
}

// ReadyConsumer is a Consumer that can refuse blocks for a while. When Ready
// returns false, Run leaves data in the ring buffer instead of reading it.
type ReadyConsumer interface {
	Consumer
	Ready() bool
}

// RunOptions hold the policies that live above the streaming core.
type RunOptions struct {
	// ReadsPerService bounds how many blocks are handed to the consumer after
	// each Service call. Values below 1 mean 2, enough to catch up.
	ReadsPerService int
	// TransferRetries is how many consecutive transfer failures are tolerated
	// before Run stops the session and returns the error.
	TransferRetries int
	// TriggerTimeout stops the run with ErrTriggerTimeout after this many blocks
	// are serviced without the trigger reaching Active. Zero waits forever.
	TriggerTimeout int
	// StatusInterval is how often OnStatus is called while running. Zero means
	// OnStatus is called only once, with the final status, just before the stop.
	StatusInterval time.Duration
	OnStatus       func(Status)
}

// Run drives the session until ctx is done, the session completes, the
// trigger times out, or an error occurs. The session is always stopped when Run
// returns. Blocks left in the buffer at completion are handed to the consumer first.
func Run(ctx context.Context, s *StreamSession, consumer Consumer, opts RunOptions) (err error) {
	defer func() {
		if opts.OnStatus != nil {
			opts.OnStatus(s.Status())
		}
		if stopErr := s.Stop(); err == nil {
			err = stopErr
		}
	}()
	readsPer := opts.ReadsPerService
	if readsPer < 1 {
		readsPer = 2
	}
	var statusC <-chan time.Time
	if opts.StatusInterval > 0 && opts.OnStatus != nil {
		ticker := time.NewTicker(opts.StatusInterval)
		defer ticker.Stop()
		statusC = ticker.C
	}

	failures := 0
	waitingBlocks := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-statusC:
			opts.OnStatus(s.Status())
		default:
		}

		if err := s.Service(); err != nil {
			if !errors.Is(err, ErrTransfer) {
				return err
			}
			failures++
			if failures > opts.TransferRetries {
				return fmt.Errorf("giving up after %d consecutive failures: %w", failures, err)
			}
			continue
		}
		failures = 0

		if err := drain(ctx, s, consumer, readsPer); err != nil {
			return err
		}

		if s.IsComplete() {
			UpdateLogger.Println("Stream reached its target sample count")
			return drain(ctx, s, consumer, -1)
		}
		if opts.TriggerTimeout > 0 {
			switch s.TriggerState() {
			case PreTrigger, Armed:
				waitingBlocks++
				if waitingBlocks >= opts.TriggerTimeout {
					return fmt.Errorf("%w: %d blocks serviced", ErrTriggerTimeout, waitingBlocks)
				}
			}
		}
	}
}

// drain hands up to limit blocks (all of them, if limit < 0) to the consumer.
// Waiting on a consumer that is not ready ends when ctx is done.
func drain(ctx context.Context, s *StreamSession, consumer Consumer, limit int) error {
	rc, canRefuse := consumer.(ReadyConsumer)
	for n := 0; limit < 0 || n < limit; n++ {
		if canRefuse && !rc.Ready() {
			if limit >= 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
			n--
			continue
		}
		block, ok := s.Read()
		if !ok {
			return nil
		}
		if err := consumer.Consume(block); err != nil {
			return fmt.Errorf("consumer failed on block at scan %d: %w", block.FirstScan, err)
		}
	}
	return nil
}
