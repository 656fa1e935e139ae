// Package testutil provides mock platform connectors, an in-memory store,
// and database helpers shared by tests.
package testutil

import (
	"context"
	"sync"

	"github.com/onnwee/livetrack/platform"
	"github.com/onnwee/livetrack/session"
)

// MockConn is a scriptable push connection. Tests feed events through Emit
// and end the stream with Disconnect.
type MockConn struct {
	Meta platform.RoomMetadata

	mu     sync.Mutex
	events chan platform.Event
	closed bool
}

// NewMockConn builds an open mock connection reporting the given metadata.
func NewMockConn(meta platform.RoomMetadata) *MockConn {
	return &MockConn{Meta: meta, events: make(chan platform.Event, 64)}
}

func (c *MockConn) Events() <-chan platform.Event { return c.events }
func (c *MockConn) Room() platform.RoomMetadata   { return c.Meta }

// Close ends the stream like a transport drop: one terminal disconnect event,
// then channel close.
func (c *MockConn) Close() error {
	c.Disconnect()
	return nil
}

// Emit delivers one event to the listener. No-op after disconnect.
func (c *MockConn) Emit(ev platform.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// EmitViewer delivers a viewer-count event.
func (c *MockConn) EmitViewer(count int) {
	c.Emit(platform.Event{Kind: platform.EventViewerCount, ViewerCount: count})
}

// EmitGift delivers a gift event.
func (c *MockConn) EmitGift(g platform.Gift) {
	c.Emit(platform.Event{Kind: platform.EventGift, Gift: &g})
}

// Disconnect delivers the terminal disconnect signal and closes the stream.
// Idempotent.
func (c *MockConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.events <- platform.Event{Kind: platform.EventDisconnect}
	close(c.events)
}

// MockConnector is a scriptable platform connector. ProbeFunc and ConnectFunc
// default to not-live / error when unset.
type MockConnector struct {
	mu          sync.Mutex
	ProbeFunc   func(ctx context.Context, account string) (platform.RoomMetadata, error)
	ConnectFunc func(ctx context.Context, account string) (platform.Conn, error)
	Probes      []string
	Connects    []string
}

func (m *MockConnector) Probe(ctx context.Context, account string) (platform.RoomMetadata, error) {
	m.mu.Lock()
	m.Probes = append(m.Probes, account)
	fn := m.ProbeFunc
	m.mu.Unlock()
	if fn == nil {
		return platform.RoomMetadata{}, platform.ErrNotLive
	}
	return fn(ctx, account)
}

func (m *MockConnector) Connect(ctx context.Context, account string) (platform.Conn, error) {
	m.mu.Lock()
	m.Connects = append(m.Connects, account)
	fn := m.ConnectFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, platform.ErrNotLive
	}
	return fn(ctx, account)
}

// SetProbe swaps the probe script mid-test.
func (m *MockConnector) SetProbe(fn func(ctx context.Context, account string) (platform.RoomMetadata, error)) {
	m.mu.Lock()
	m.ProbeFunc = fn
	m.mu.Unlock()
}

// SetConnect swaps the connect script mid-test.
func (m *MockConnector) SetConnect(fn func(ctx context.Context, account string) (platform.Conn, error)) {
	m.mu.Lock()
	m.ConnectFunc = fn
	m.mu.Unlock()
}

// ProbeCount returns how many probes were issued.
func (m *MockConnector) ProbeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Probes)
}

// ConnectCount returns how many connects were issued.
func (m *MockConnector) ConnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Connects)
}

// MemoryStore is an in-memory session.Store plus flag store for tests.
type MemoryStore struct {
	mu       sync.Mutex
	Sessions map[string]*session.Session
	Flags    map[string]string
	FailNext error
	Upserts  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{Sessions: make(map[string]*session.Session), Flags: make(map[string]string)}
}

func (s *MemoryStore) UpsertSession(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Upserts++
	if s.FailNext != nil {
		return s.FailNext
	}
	s.Sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *MemoryStore) LoadAllSessions(ctx context.Context) (map[string][]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]*session.Session)
	for _, sess := range s.Sessions {
		out[sess.Account] = append(out[sess.Account], sess.Clone())
	}
	return out, nil
}

func (s *MemoryStore) SetFlag(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Flags[key] = value
	return nil
}

func (s *MemoryStore) GetFlag(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Flags[key], nil
}

func (s *MemoryStore) DeleteFlag(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Flags, key)
	return nil
}

// Fail makes every subsequent UpsertSession return err; pass nil to heal.
func (s *MemoryStore) Fail(err error) {
	s.mu.Lock()
	s.FailNext = err
	s.mu.Unlock()
}

// Stored returns a snapshot of one stored session, or nil.
func (s *MemoryStore) Stored(id string) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.Sessions[id]; ok {
		return sess.Clone()
	}
	return nil
}
