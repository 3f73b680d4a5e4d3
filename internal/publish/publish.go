// Package publish sends JSON-encoded updates to clients on a separate goroutine,
// so that a slow or absent subscriber never stalls the acquisition loop.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/usnistgov/dastream/internal/unboundedchan"
)

// Update carries one message: a topic tag and its JSON body.
type Update struct {
	Tag  string
	Body []byte
}

// Sender delivers updates to subscribers, e.g. over a ZMQ PUB socket.
type Sender interface {
	Send(Update) error
	Close() error
}

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher is closed")

// Publisher queues updates and hands them to a Sender in order.
type Publisher struct {
	queue    *unboundedchan.UnboundedChannel[Update]
	sender   Sender
	logger   *log.Logger
	done     chan struct{}
	sent     atomic.Int64
	failures atomic.Int64
	closed   bool
	sync.Mutex
}

// New starts a Publisher that sends through sender. At most limit updates are
// queued (0 for no limit); beyond that the oldest are dropped. Send failures are
// counted and logged to logger, if it is not nil.
func New(sender Sender, limit int, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	p := &Publisher{
		queue:  unboundedchan.NewUnboundedChannel[Update](limit),
		sender: sender,
		logger: logger,
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer close(p.done)
	for update := range p.queue.Out() {
		if err := p.sender.Send(update); err != nil {
			if p.failures.Add(1) == 1 {
				p.logger.Printf("Could not publish %s message: %v", update.Tag, err)
			}
			continue
		}
		p.sent.Add(1)
	}
}

// Publish encodes v as JSON and queues it under tag.
func (p *Publisher) Publish(tag string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", tag, err)
	}
	p.Lock()
	defer p.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue.In() <- Update{Tag: tag, Body: body}
	return nil
}

// Close sends every queued update, then closes the Sender.
func (p *Publisher) Close() error {
	p.Lock()
	if p.closed {
		p.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue.In())
	p.Unlock()
	<-p.done
	return p.sender.Close()
}

// Sent returns how many updates the Sender accepted.
func (p *Publisher) Sent() int64 { return p.sent.Load() }

// Failures returns how many updates the Sender refused.
func (p *Publisher) Failures() int64 { return p.failures.Load() }

// Dropped returns how many updates were discarded because the queue was full.
func (p *Publisher) Dropped() int64 { return p.queue.Dropped() }
