package dispatch

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType names an invocation lifecycle event.
type EventType string

const (
	EventStarted  EventType = "command_started"
	EventQueued   EventType = "command_queued"
	EventFinished EventType = "command_finished"
	EventStalled  EventType = "task_stalled"
	EventAborted  EventType = "command_aborted"
)

// Event carries the invocation record at the time it was published.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Record    Record
}

// Subscriber receives events on its own goroutine.
type Subscriber func(Event)

// Bus fans events out to subscribers through buffered channels. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("event_subscriber_panic")
					}
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

func (b *Bus) Publish(eventType EventType, r Record) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{Type: eventType, Timestamp: time.Now().UTC(), Record: r}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			log.Debug().Str("event", string(eventType)).Str("invocation", r.Key).Msg("event_dropped")
		}
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
