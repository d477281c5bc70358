// Package events implements a fire-and-forget observer bus that delivers
// mutation notifications without re-entering the cache that published
// them. Delivery runs through a buffered channel per subscriber, so the
// cache's own mutex is never held while a (potentially slow) consumer
// runs.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Kind identifies the kind of mutation that produced an Event.
type Kind int

const (
	Added Kind = iota
	Updated
	Removed
	Evicted
	Expired
	Cleared
	ErrorKind
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Evicted:
		return "evicted"
	case Expired:
		return "expired"
	case Cleared:
		return "cleared"
	case ErrorKind:
		return "error"
	default:
		return "unknown"
	}
}

// EvictReason qualifies an Evicted event.
type EvictReason string

const (
	ReasonCapacity   EvictReason = "capacity"
	ReasonByteLimit  EvictReason = "byte-limit"
	ReasonIntegrity  EvictReason = "integrity"
	ReasonPercentage EvictReason = "percentage"
)

// Event is delivered to every subscriber of a Bus.
type Event struct {
	Kind   Kind
	Key    string
	Reason EvictReason // only meaningful when Kind == Evicted
}

// Token identifies a subscription for later Unsubscribe calls.
type Token uuid.UUID

func (t Token) String() string { return uuid.UUID(t).String() }

// queueDepth bounds how many undelivered events a Bus buffers per
// subscriber before it starts dropping the oldest pending one. A full
// queue never blocks Publish: a blocked publisher is how an observer
// calling back into its own cache would deadlock it.
const queueDepth = 256

type subscriber struct {
	token Token
	ch    chan Event
	done  chan struct{}
}

// Bus is a simple fan-out publisher. It is safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[Token]*subscriber
	logger interface{ Printf(string, ...interface{}) }
}

// New returns a ready-to-use Bus. logger may be nil.
func New(logger interface {
	Printf(string, ...interface{})
}) *Bus {
	return &Bus{subs: make(map[Token]*subscriber), logger: logger}
}

// Subscribe registers fn to receive every future Publish call and returns a
// Token that Unsubscribe accepts. fn is invoked from a dedicated goroutine
// per subscriber, never from the publisher's goroutine, so a subscriber
// that calls back into the originating cache cannot deadlock Publish.
func (b *Bus) Subscribe(fn func(Event)) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	token := Token(uuid.New())
	s := &subscriber{
		token: token,
		ch:    make(chan Event, queueDepth),
		done:  make(chan struct{}),
	}
	b.subs[token] = s

	go func() {
		for {
			select {
			case ev := <-s.ch:
				fn(ev)
			case <-s.done:
				return
			}
		}
	}()

	return token
}

// Unsubscribe stops delivery to the subscriber identified by token.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[token]
	if !ok {
		return
	}
	delete(b.subs, token)
	close(s.done)
}

// Publish delivers ev to every current subscriber without blocking. If a
// subscriber's queue is full, the oldest pending event for that subscriber
// is dropped to make room, and the drop is logged once.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
			if b.logger != nil {
				b.logger.Printf("events: dropped event for subscriber %s due to full queue", s.token)
			}
		}
	}
}
