// Package platform defines the push-connection capability used to watch a
// live-streaming account: a read-only liveness probe and a connect call that
// yields a single owned event-stream connection. The wire protocol is handled
// by an external signer gateway; this package only speaks to that gateway.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrNotLive is the benign negative probe/connect result: the account exists
// but is not currently broadcasting.
var ErrNotLive = errors.New("account is not currently live")

// RoomMetadata describes one broadcast instance as reported by the platform.
type RoomMetadata struct {
	RoomID string
	// CreateTime is the platform-reported broadcast start. Zero when the
	// platform did not report one.
	CreateTime time.Time
	Title      string
	Viewers    int
}

// EventKind discriminates inbound push events.
type EventKind int

const (
	EventViewerCount EventKind = iota
	EventGift
	EventDisconnect
)

// Gift is a value-bearing event. Streak gifts repeat rapidly before a
// terminal signal; consumers must ignore in-progress repeats.
type Gift struct {
	ID          string // unique event id; empty means undeduplicatable
	Contributor string
	Item        string
	UnitValue   int
	RepeatCount int
	Streak      bool // gift type that combos
	StreakEnd   bool // terminal signal for a streak
	Timestamp   time.Time
}

// Event is one inbound push event from a live connection.
type Event struct {
	Kind        EventKind
	ViewerCount int
	Gift        *Gift
}

// Conn is one live push-connection instance to a single account. At most one
// Conn may exist per account; the owner must Close it before creating a
// replacement. The Events channel is closed when the connection ends, after a
// final EventDisconnect is delivered.
type Conn interface {
	Events() <-chan Event
	Room() RoomMetadata
	Close() error
}

// Quota is the remaining-call budget reported by the gateway, used for
// adaptive rate limiting. Negative fields mean "unreported".
type Quota struct {
	MinuteRemaining int
	HourRemaining   int
}

// Connector is the external connect capability. Probe is read-only and must
// not establish a push connection. Both calls honor ctx deadlines.
type Connector interface {
	Probe(ctx context.Context, account string) (RoomMetadata, error)
	Connect(ctx context.Context, account string) (Conn, error)
}

// QuotaReporter is implemented by connectors that can report remaining quota.
type QuotaReporter interface {
	Quota(ctx context.Context) (Quota, error)
}
