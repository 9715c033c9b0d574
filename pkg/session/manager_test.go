package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/warden/pkg/protocol"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager() (*Manager, *clock) {
	c := &clock{t: time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)}
	m := NewManager(Config{TTL: time.Minute, Tombstone: 10 * time.Minute})
	m.SetClock(c.now)
	return m, c
}

func TestLifecycle(t *testing.T) {
	m, c := newTestManager()

	s := m.Begin("host-1")
	require.Equal(t, StateActive, s.State)
	require.NotEmpty(t, s.ID)
	require.Equal(t, c.t.Add(time.Minute), s.ExpiresAt)

	c.advance(50 * time.Second)
	hb, err := m.Heartbeat("host-1", s.ID)
	require.NoError(t, err)
	require.Equal(t, c.t.Add(time.Minute), hb.ExpiresAt)

	c.advance(50 * time.Second)
	_, err = m.Require("host-1", s.ID)
	require.NoError(t, err)

	ended, err := m.End("host-1", s.ID)
	require.NoError(t, err)
	require.Equal(t, StateEnded, ended.State)

	_, err = m.Require("host-1", s.ID)
	require.Equal(t, protocol.CodeSessionExpired, protocol.CodeOf(err))
	_, err = m.Heartbeat("host-1", s.ID)
	require.Equal(t, protocol.CodeSessionExpired, protocol.CodeOf(err))
}

func TestExpiry(t *testing.T) {
	m, c := newTestManager()
	s := m.Begin("host-1")

	c.advance(time.Minute)
	_, err := m.Require("host-1", s.ID)
	require.Equal(t, protocol.CodeSessionExpired, protocol.CodeOf(err))
	_, err = m.End("host-1", s.ID)
	require.Equal(t, protocol.CodeSessionExpired, protocol.CodeOf(err))
}

func TestRequireErrors(t *testing.T) {
	m, _ := newTestManager()
	s := m.Begin("host-1")

	_, err := m.Require("host-1", "")
	require.Equal(t, protocol.CodeSessionRequired, protocol.CodeOf(err))

	_, err = m.Require("host-1", "nope")
	require.Equal(t, protocol.CodeSessionNotFound, protocol.CodeOf(err))

	_, err = m.Require("host-2", s.ID)
	require.Equal(t, protocol.CodeSessionNotFound, protocol.CodeOf(err))
}

func TestSweepForgetsAfterTombstone(t *testing.T) {
	m, c := newTestManager()
	expired := m.Begin("host-1")
	active := m.Begin("host-1")

	c.advance(50 * time.Second)
	_, err := m.Touch("host-1", active.ID)
	require.NoError(t, err)

	c.advance(20 * time.Second)
	require.Equal(t, 0, m.Sweep())
	require.Equal(t, 1, m.Active())

	_, err = m.Require("host-1", expired.ID)
	require.Equal(t, protocol.CodeSessionExpired, protocol.CodeOf(err))

	c.advance(11 * time.Minute)
	require.Equal(t, 2, m.Sweep())
	_, err = m.Require("host-1", expired.ID)
	require.Equal(t, protocol.CodeSessionNotFound, protocol.CodeOf(err))
}
