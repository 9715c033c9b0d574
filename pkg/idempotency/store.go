// Package idempotency guarantees that a commandId is executed at most once
// and that retries observe the first result.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/warden/pkg/protocol"
)

// Record is a completed command. Response holds the JSON encoded response
// returned the first time.
type Record struct {
	CommandID   string    `gorm:"primaryKey;size:128"`
	PayloadHash string    `gorm:"size:64"`
	Response    []byte    `gorm:"type:blob"`
	FirstSeenAt time.Time `gorm:"index"`
}

func (Record) TableName() string { return "idempotency_records" }

// Repository persists records. Get returns nil, nil for an unknown id.
type Repository interface {
	Get(ctx context.Context, commandID string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store fronts a Repository with an in-process cache and one lease per
// in-flight commandId. Cached records are kept for the life of the process.
type Store struct {
	repo Repository
	now  func() time.Time

	mu       sync.Mutex
	cache    map[string]*Record
	inflight map[string]*Lease
}

func NewStore(repo Repository) *Store {
	return &Store{
		repo:     repo,
		now:      time.Now,
		cache:    make(map[string]*Record),
		inflight: make(map[string]*Lease),
	}
}

// Lease is exclusive ownership of a fresh commandId. Exactly one of Commit or
// Release takes effect; later calls are ignored.
type Lease struct {
	store     *Store
	commandID string
	hash      string
	done      chan struct{}
	once      sync.Once
}

func conflict(commandID string) error {
	return protocol.Errorf(protocol.CodeCommandIDConflict, "commandId %q was used for a different operation", commandID)
}

// BeginOrReplay returns the stored record when commandID already completed,
// or a lease when the caller should execute it. A request arriving while the
// same id is in flight waits for that attempt to finish and then re-checks.
// A different payload hash for a known or in-flight id is a conflict.
func (s *Store) BeginOrReplay(ctx context.Context, commandID, hash string) (*Record, *Lease, error) {
	for {
		s.mu.Lock()
		if rec, ok := s.cache[commandID]; ok {
			s.mu.Unlock()
			if rec.PayloadHash != hash {
				return nil, nil, conflict(commandID)
			}
			return rec, nil, nil
		}
		if l, ok := s.inflight[commandID]; ok {
			s.mu.Unlock()
			if l.hash != hash {
				return nil, nil, conflict(commandID)
			}
			select {
			case <-l.done:
				continue
			case <-ctx.Done():
				return nil, nil, protocol.Wrap(protocol.CodeInternalError, ctx.Err(), "gave up waiting for in-flight command")
			}
		}

		lease := &Lease{store: s, commandID: commandID, hash: hash, done: make(chan struct{})}
		s.inflight[commandID] = lease
		s.mu.Unlock()

		rec, err := s.repo.Get(ctx, commandID)
		if err != nil {
			lease.Release()
			return nil, nil, protocol.Wrap(protocol.CodeInternalError, err, "could not read idempotency record")
		}
		if rec == nil {
			return nil, lease, nil
		}

		s.mu.Lock()
		s.cache[commandID] = rec
		s.mu.Unlock()
		lease.Release()
		if rec.PayloadHash != hash {
			return nil, nil, conflict(commandID)
		}
		return rec, nil, nil
	}
}

// Commit stores the response and releases waiters, who will replay it. The
// record is cached even if persisting it fails, so this process never runs the
// command twice.
func (l *Lease) Commit(ctx context.Context, response []byte) error {
	var err error
	l.once.Do(func() {
		rec := &Record{
			CommandID:   l.commandID,
			PayloadHash: l.hash,
			Response:    append([]byte(nil), response...),
			FirstSeenAt: l.store.now().UTC(),
		}
		err = l.store.repo.Put(ctx, rec)

		l.store.mu.Lock()
		l.store.cache[l.commandID] = rec
		delete(l.store.inflight, l.commandID)
		l.store.mu.Unlock()
		close(l.done)
	})
	return err
}

// Release abandons the lease without a result. The next request for the id
// executes it afresh.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.store.mu.Lock()
		delete(l.store.inflight, l.commandID)
		l.store.mu.Unlock()
		close(l.done)
	})
}

// PruneBefore removes persisted records first seen before cutoff. It is meant
// for startup, before any lease exists.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.PruneBefore(ctx, cutoff)
}
