// Package events is the in-process bus that carries telemetry and status out of the core.
package events

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
)

// Kind names an event stream.
type Kind string

// Event kinds published by the base and the pickup behaviour.
const (
	KindOdometry     Kind = "odometry"
	KindIMU          Kind = "imu"
	KindVoltage      Kind = "voltage"
	KindInfo         Kind = "info"
	KindError        Kind = "error"
	KindPickupState  Kind = "pickup_state"
	KindPickupMode   Kind = "pickup_mode"
	KindBallTracking Kind = "ball_tracking"
	KindBallCentered Kind = "ball_centered"
	KindNoBall       Kind = "no_ball"
	KindDetection    Kind = "detection"
	KindSystemStats  Kind = "system_stats"
)

// Event is one published message. Data is a JSON-serializable payload owned by the publisher.
type Event struct {
	Kind Kind        `json:"kind"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// Message is the payload of info and error events.
type Message struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(kind Kind, data interface{})
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Kind, interface{}) {}

// Or returns pub, or Discard when pub is nil.
func Or(pub Publisher) Publisher {
	if pub == nil {
		return Discard
	}
	return pub
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose buffer is
// full misses the event and its drop counter goes up.
type Bus struct {
	clock clock.Clock

	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// Subscription is a stream of events from a Bus.
type Subscription struct {
	C <-chan Event

	id      int
	ch      chan Event
	kinds   map[Kind]bool
	dropped atomic.Uint64
}

// Dropped returns how many events did not fit in the subscription's buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// NewBus returns a Bus stamping events with clk, or the wall clock when nil.
func NewBus(clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.New()
	}
	return &Bus{clock: clk, subs: map[int]*Subscription{}}
}

// Publish sends an event to every interested subscriber.
func (b *Bus) Publish(kind Kind, data interface{}) {
	ev := Event{Kind: kind, Time: b.clock.Now(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if len(sub.kinds) > 0 && !sub.kinds[kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Inc()
		}
	}
}

// Subscribe returns a subscription with the given buffer size. With no kinds, every event is
// delivered.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok || b.subs[sub.id] != sub {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Close closes every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
