// Package session tracks the time-bounded sessions that sensitive commands
// run under.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/pkg/protocol"
)

type State string

const (
	StateActive  State = "Active"
	StateEnded   State = "Ended"
	StateExpired State = "Expired"
)

// Record is a copy of a session's state; mutating it has no effect.
type Record struct {
	ID              string
	DeviceID        string
	State           State
	CreatedAt       time.Time
	LastHeartbeatAt time.Time
	ExpiresAt       time.Time
	// endedAt is when the session became terminal.
	endedAt time.Time
}

type Config struct {
	// TTL is how long a session stays active without a heartbeat.
	TTL time.Duration
	// Tombstone is how long an ended or expired session is remembered so
	// callers get SESSION_EXPIRED rather than SESSION_NOT_FOUND.
	Tombstone time.Duration
}

func DefaultConfig() Config {
	return Config{TTL: 15 * time.Minute, Tombstone: time.Hour}
}

type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Record
	cfg      Config
	now      func() time.Time
	newID    func() string
}

func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Tombstone <= 0 {
		cfg.Tombstone = def.Tombstone
	}
	return &Manager{
		sessions: make(map[string]*Record),
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// lookup returns the session for deviceID, expiring it if its TTL elapsed.
// Callers hold m.mu.
func (m *Manager) lookup(deviceID, id string, now time.Time) (*Record, error) {
	s, ok := m.sessions[id]
	if !ok || s.DeviceID != deviceID {
		return nil, protocol.Errorf(protocol.CodeSessionNotFound, "session not found")
	}
	if s.State == StateActive && !now.Before(s.ExpiresAt) {
		s.State = StateExpired
		s.endedAt = s.ExpiresAt
	}
	if s.State != StateActive {
		return nil, protocol.Errorf(protocol.CodeSessionExpired, "session is %s", s.State)
	}
	return s, nil
}

// Begin creates an active session for deviceID.
func (m *Manager) Begin(deviceID string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s := &Record{
		ID:              m.newID(),
		DeviceID:        deviceID,
		State:           StateActive,
		CreatedAt:       now,
		LastHeartbeatAt: now,
		ExpiresAt:       now.Add(m.cfg.TTL),
	}
	m.sessions[s.ID] = s
	return *s
}

// Heartbeat extends an active session's TTL.
func (m *Manager) Heartbeat(deviceID, id string) (Record, error) {
	return m.Touch(deviceID, id)
}

// Touch refreshes an active session; a successful session-bearing command
// calls it.
func (m *Manager) Touch(deviceID, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s, err := m.lookup(deviceID, id, now)
	if err != nil {
		return Record{}, err
	}
	s.LastHeartbeatAt = now
	s.ExpiresAt = now.Add(m.cfg.TTL)
	return *s, nil
}

// End moves an active session to Ended.
func (m *Manager) End(deviceID, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s, err := m.lookup(deviceID, id, now)
	if err != nil {
		return Record{}, err
	}
	s.State = StateEnded
	s.endedAt = now
	return *s, nil
}

// Require checks that a command may run under id.
func (m *Manager) Require(deviceID, id string) (Record, error) {
	if id == "" {
		return Record{}, protocol.Errorf(protocol.CodeSessionRequired, "command requires a session")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(deviceID, id, m.now())
	if err != nil {
		return Record{}, err
	}
	return *s, nil
}

// Sweep expires sessions past their TTL and forgets terminal sessions whose
// tombstone elapsed. It returns the number forgotten.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if s.State == StateActive && !now.Before(s.ExpiresAt) {
			s.State = StateExpired
			s.endedAt = s.ExpiresAt
		}
		if s.State != StateActive && now.Sub(s.endedAt) >= m.cfg.Tombstone {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Active counts active sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, s := range m.sessions {
		if s.State == StateActive && now.Before(s.ExpiresAt) {
			n++
		}
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (m *Manager) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
