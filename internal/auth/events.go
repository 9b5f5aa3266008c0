package auth

import (
	"slices"
	"sync"

	"github.com/ashureev/fitcoach/internal/domain"
)

// EventType names an auth state change.
type EventType string

const (
	EventSignedIn       EventType = "SIGNED_IN"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventSignedOut      EventType = "SIGNED_OUT"
)

// Event is emitted on every auth state change of a device.
type Event struct {
	Type     EventType
	DeviceID string
	UserID   string
	Session  *domain.Session
}

// Bus fans auth events out to subscribers. Publish delivers synchronously,
// one event at a time, so every subscriber observes events in emission
// order. Subscribers must not publish from their callback.
type Bus struct {
	publishMu sync.Mutex

	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns the function that releases it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to all current subscribers in subscription order.
func (b *Bus) Publish(ev Event) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	fns := make(map[int]func(Event), len(b.subs))
	for id, fn := range b.subs {
		ids = append(ids, id)
		fns[id] = fn
	}
	b.mu.RUnlock()

	slices.Sort(ids)
	for _, id := range ids {
		fns[id](ev)
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
