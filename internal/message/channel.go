package message

import (
	"context"
	"iter"
	"sync"

	"github.com/rs/zerolog/log"
)

// Sink receives every message emitted on a channel, in emission order.
type Sink interface {
	Write(m Message) error
}

// Channel is the unbounded FIFO message queue owned by one command invocation.
//
// Emit never blocks. Messages are forwarded to the parent channel (when set)
// and to every sink. Status messages stay local: a parent terminates its own
// stream.
type Channel struct {
	mu     sync.Mutex
	queue  []Message
	closed bool
	notify chan struct{}

	parent *Channel
	sinks  []Sink
}

// NewChannel returns an open channel. parent may be nil.
func NewChannel(parent *Channel, sinks ...Sink) *Channel {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Channel{
		notify: make(chan struct{}, 1),
		parent: parent,
		sinks:  kept,
	}
}

// Emit appends m locally, forwards it up the parent chain, and writes it to sinks.
// Messages emitted after Close are dropped locally but still reach ancestors.
func (c *Channel) Emit(m Message) {
	c.mu.Lock()
	if !c.closed {
		c.queue = append(c.queue, m)
	}
	c.mu.Unlock()
	c.signal()

	for _, s := range c.sinks {
		if err := s.Write(m); err != nil {
			log.Warn().Err(err).Str("type", string(m.Type)).Msg("message_sink_failed")
		}
	}
	if c.parent != nil && !m.IsStatus() {
		c.parent.Emit(m)
	}
}

// Close marks the end of the stream. Queued messages remain readable.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.signal()
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Next blocks until a message is available, the channel is closed and drained
// (ok=false), or ctx is done.
func (c *Channel) Next(ctx context.Context) (Message, bool, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			m := c.queue[0]
			c.queue[0] = Message{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return m, true, nil
		}
		if c.closed {
			c.mu.Unlock()
			return Message{}, false, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, false, ctx.Err()
		case <-c.notify:
		}
	}
}

// Drain returns every message currently queued without blocking.
func (c *Channel) Drain() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

// Messages iterates until the stream ends or ctx is done.
func (c *Channel) Messages(ctx context.Context) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			m, ok, err := c.Next(ctx)
			if err != nil || !ok {
				return
			}
			if !yield(m) {
				return
			}
		}
	}
}

func (c *Channel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
