// Package connmgr pins one storage connection to each calling task and
// transparently replaces handles that were closed underneath it.
package connmgr

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Conn is the subset of *sql.Conn the store relies on.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PingContext(ctx context.Context) error
	Close() error
}

// Opener produces a fresh connection.
type Opener func(ctx context.Context) (Conn, error)

// DBOpener pins connections out of db.
func DBOpener(db *sql.DB) Opener {
	return func(ctx context.Context) (Conn, error) {
		c, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// State is the lifecycle state of a caller's connection.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateLive
	StateStale
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateLive:
		return "live"
	case StateStale:
		return "stale"
	default:
		return "closed"
	}
}

type callerKey struct{}

// DefaultCaller is used when the context carries no caller key.
const DefaultCaller = "default"

// WithCaller binds a caller identity to ctx. Every distinct caller gets its
// own pinned connection.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller bound to ctx.
func CallerFrom(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey{}).(string); ok && v != "" {
		return v
	}
	return DefaultCaller
}

type slot struct {
	mu      sync.Mutex
	conn    Conn
	state   State
	retired bool
}

// Manager maps caller keys to connections.
type Manager struct {
	open   Opener
	logger *zap.Logger

	mu    sync.Mutex
	slots map[string]*slot

	opens   atomic.Int64
	reopens atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New returns a Manager that opens connections with open.
func New(open Opener, opts ...Option) *Manager {
	m := &Manager{
		open:   open,
		logger: zap.NewNop(),
		slots:  make(map[string]*slot),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// acquire returns the caller's slot locked.
func (m *Manager) acquire(caller string) *slot {
	for {
		m.mu.Lock()
		s, ok := m.slots[caller]
		if !ok {
			s = &slot{}
			m.slots[caller] = s
		}
		m.mu.Unlock()

		s.mu.Lock()
		if !s.retired {
			return s
		}
		s.mu.Unlock()
	}
}

// Get returns the caller's connection, opening it if needed. An existing
// connection is probed first; a closed handle is reopened once, any other
// probe failure is returned as a fatal ConnectionError.
func (m *Manager) Get(ctx context.Context) (Conn, error) {
	caller := CallerFrom(ctx)
	s := m.acquire(caller)
	defer s.mu.Unlock()

	if s.conn == nil {
		return m.openInto(ctx, s, "open")
	}

	err := s.conn.PingContext(ctx)
	if err == nil {
		s.state = StateLive
		return s.conn, nil
	}

	cerr := Classify("probe", err)
	if cerr.Kind != KindClosed {
		s.state = StateStale
		return nil, cerr
	}

	m.logger.Debug("reopening closed connection", zap.String("caller", caller), zap.Error(err))
	s.state = StateStale
	_ = s.conn.Close()
	s.conn = nil
	m.reopens.Add(1)
	return m.openInto(ctx, s, "reopen")
}

func (m *Manager) openInto(ctx context.Context, s *slot, op string) (Conn, error) {
	conn, err := m.open(ctx)
	if err != nil {
		s.state = StateClosed
		return nil, Classify(op, err)
	}
	m.opens.Add(1)
	s.conn = conn
	s.state = StateOpen
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		s.conn = nil
		s.state = StateClosed
		return nil, Classify(op, err)
	}
	s.state = StateLive
	return conn, nil
}

// Close releases the caller's connection. Closing twice is a no-op.
func (m *Manager) Close(ctx context.Context) error {
	return m.release(CallerFrom(ctx))
}

func (m *Manager) release(caller string) error {
	m.mu.Lock()
	s, ok := m.slots[caller]
	if ok {
		delete(m.slots, caller)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = true
	s.state = StateClosed
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil && !IsClosedHandle(err) {
		return Classify("close", err)
	}
	return nil
}

// CloseAll releases every caller's connection.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	callers := make([]string, 0, len(m.slots))
	for c := range m.slots {
		callers = append(callers, c)
	}
	m.mu.Unlock()

	var first error
	for _, c := range callers {
		if err := m.release(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// State reports the caller's connection state without probing it.
func (m *Manager) State(ctx context.Context) State {
	m.mu.Lock()
	s, ok := m.slots[CallerFrom(ctx)]
	m.mu.Unlock()
	if !ok {
		return StateClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Opens returns how many connections have been opened.
func (m *Manager) Opens() int64 { return m.opens.Load() }

// Reopens returns how many closed handles were transparently replaced.
func (m *Manager) Reopens() int64 { return m.reopens.Load() }

// Callers returns the number of callers currently holding a connection.
func (m *Manager) Callers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
