// Package bus is a small in-process pub/sub used to push state changes
// (session updates, account status, autochecker state) to SSE subscribers.
package bus

import (
	"sync"
	"time"
)

// Notification types emitted by the core.
const (
	TypeSessionUpdated     = "session-updated"
	TypeSessionFinalized   = "session-finalized"
	TypeAccountStatus      = "account-status-changed"
	TypeAutoCheckerStatus  = "autochecker-status-changed"
	TypeMonitoringStatus   = "monitoring-status-changed"
)

// Notification is a single push event.
type Notification struct {
	Type    string    `json:"type"`
	Account string    `json:"account,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Bus fans notifications out to subscribers. Slow subscribers drop events
// rather than block publishers; the SSE feed is best-effort.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Notification]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[chan Notification]struct{})}
}

// Subscribe registers a new subscriber channel. Call the returned func to
// unsubscribe; the channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers n to all current subscribers without blocking.
func (b *Bus) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
