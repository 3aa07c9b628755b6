// Package events carries status notifications from the share manager, the
// proxy, and the tunnel supervisor to whoever drives the UI.
package events

import (
	"sync"
	"time"

	"github.com/pocketfileshare/pocketshare/internal/domain"
)

// Kind names an event.
type Kind string

// Event kinds.
const (
	Started       Kind = "started"
	Stopped       Kind = "stopped"
	Error         Kind = "error"
	ShareCreated  Kind = "share-created"
	ShareStarted  Kind = "share-started"
	ShareStopped  Kind = "share-stopped"
	ShareDeleted  Kind = "share-deleted"
	TunnelStarted Kind = "tunnel-started"
	TunnelStopped Kind = "tunnel-stopped"
	TunnelError   Kind = "tunnel-error"
	ProxyStarted  Kind = "proxy-started"
	ProxyStopped  Kind = "proxy-stopped"
	RouteAdded    Kind = "route-added"
	RouteRemoved  Kind = "route-removed"
	RouteUpdated  Kind = "route-updated"
	RoutesCleared Kind = "routes-cleared"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind    Kind
	At      time.Time
	ShareID string
	Share   *domain.Share
	Route   *domain.Route
	Tunnel  *domain.TunnelStatus
	Port    int
	Err     string
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to [Publisher].
type PublisherFunc func(Event)

// Publish calls f(ev).
func (f PublisherFunc) Publish(ev Event) {
	f(ev)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	dropped uint64
}

type subscriber struct {
	ch        chan Event
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new subscriber with the given buffer size. The
// returned cancel function unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.close()
	}
}

// Publish delivers ev to every subscriber that has room for it.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close unregisters and closes every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*subscriber]struct{})
	b.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}
