package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vocalink/internal/observe"
)

// Info holds metadata about an active session.
type Info struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	StartedAt time.Time `json:"started_at"`
	Speaking  bool      `json:"speaking"`
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithMaxSessions limits concurrent sessions. Zero means unlimited.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) { m.maxSessions = n }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

type entry struct {
	s     *Session
	start time.Time
}

// Manager is the registry of live sessions, keyed by device id. A device
// that reconnects replaces its previous session. A device admitted but not yet
// registered holds a reservation, so it counts against the session limit.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	deps        Deps
	cfg         atomic.Pointer[Config]
	maxSessions int
	log         *slog.Logger

	mu       sync.Mutex
	sessions map[string]entry
	reserved map[string]int
	wg       sync.WaitGroup
}

// NewManager creates a Manager. cfg applies to every session started until
// the next [Manager.SetConfig].
func NewManager(deps Deps, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		deps:     deps,
		log:      slog.Default(),
		sessions: make(map[string]entry),
		reserved: make(map[string]int),
	}
	for _, o := range opts {
		o(m)
	}
	if m.deps.Metrics == nil {
		m.deps.Metrics = observe.DefaultMetrics()
	}
	m.cfg.Store(&cfg)
	return m
}

// SetConfig replaces the configuration for new sessions. Running sessions
// keep the configuration they started with.
func (m *Manager) SetConfig(cfg Config) {
	m.cfg.Store(&cfg)
}

// Config returns the configuration new sessions start with.
func (m *Manager) Config() Config {
	return *m.cfg.Load()
}

// Serve runs a session for deviceID on conn and blocks until it ends.
func (m *Manager) Serve(ctx context.Context, deviceID string, conn Conn) error {
	m.wg.Add(1)
	defer m.wg.Done()

	if !m.admit(deviceID) {
		conn.Close("too many sessions")
		return fmt.Errorf("session: serve %s: %w", deviceID, ErrTooManySessions)
	}

	s, err := New(ctx, deviceID, conn, m.Config(), m.deps)
	if err != nil {
		m.release(deviceID)
		conn.Close("internal error")
		return fmt.Errorf("session: serve %s: %w", deviceID, err)
	}

	if prev := m.insert(s); prev != nil {
		m.log.Info("device reconnected, replacing session",
			"device_id", deviceID, "old_session_id", prev.ID(), "session_id", s.ID())
		prev.Close()
	}
	m.deps.Metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		m.remove(s)
		m.deps.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}()

	return s.Run(ctx)
}

// admit reserves a slot for deviceID and reports whether it may start. A
// device that already has or is opening a session is always admitted since
// it replaces it.
func (m *Manager) admit(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxSessions > 0 && !m.holds(deviceID) && m.occupied() >= m.maxSessions {
		return false
	}
	m.reserved[deviceID]++
	return true
}

// holds reports whether deviceID has a session or reservation. m.mu must be
// held.
func (m *Manager) holds(deviceID string) bool {
	_, live := m.sessions[deviceID]
	return live || m.reserved[deviceID] > 0
}

// occupied counts devices with a session or reservation. m.mu must be held.
func (m *Manager) occupied() int {
	n := len(m.sessions)
	for d := range m.reserved {
		if _, live := m.sessions[d]; !live {
			n++
		}
	}
	return n
}

// release drops one reservation of deviceID. m.mu must not be held.
func (m *Manager) release(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreserve(deviceID)
}

func (m *Manager) unreserve(deviceID string) {
	if m.reserved[deviceID]--; m.reserved[deviceID] <= 0 {
		delete(m.reserved, deviceID)
	}
}

// insert registers s in place of its reservation and returns the session it
// replaces.
func (m *Manager) insert(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreserve(s.DeviceID())
	prev, ok := m.sessions[s.DeviceID()]
	m.sessions[s.DeviceID()] = entry{s: s, start: time.Now()}
	if ok {
		return prev.s
	}
	return nil
}

// remove deletes s unless it was already replaced.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[s.DeviceID()]; ok && e.s == s {
		delete(m.sessions, s.DeviceID())
	}
}

// Get returns the live session of deviceID.
func (m *Manager) Get(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[deviceID]
	return e.s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns metadata for every live session, sorted by device id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, Info{
			SessionID: e.s.ID(),
			DeviceID:  e.s.DeviceID(),
			StartedAt: e.start,
			Speaking:  e.s.Speaking(),
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Shutdown closes every session and waits for them to end or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, e := range m.sessions {
		e.s.Close()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}
