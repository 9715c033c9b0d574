package policy

import (
	"sync/atomic"

	"github.com/haasonsaas/warden/pkg/auth"
	"github.com/haasonsaas/warden/pkg/protocol"
)

type storeState struct {
	snap *Snapshot
	err  error
}

// Store holds the active policy. Readers get whole snapshots; a new version
// is published with a single pointer swap.
type Store struct {
	state atomic.Pointer[storeState]
}

func NewStore() *Store {
	s := &Store{}
	s.state.Store(&storeState{err: protocol.Errorf(protocol.CodePolicyNotFound, "no policy is installed")})
	return s
}

// Current returns the active snapshot, or the reason there is none.
func (s *Store) Current() (*Snapshot, error) {
	st := s.state.Load()
	if st.snap == nil {
		return nil, st.err
	}
	return st.snap, nil
}

// Publish makes snap the active policy.
func (s *Store) Publish(snap *Snapshot) {
	s.state.Store(&storeState{snap: snap})
}

// Reload replaces the active policy with the contents of path. On failure the
// store is left without a policy and remembers why.
func (s *Store) Reload(path string, reg *auth.Registry) (*Snapshot, error) {
	snap, err := LoadFile(path, reg)
	if err != nil {
		s.state.Store(&storeState{err: err})
		return nil, err
	}
	s.Publish(snap)
	return snap, nil
}
