package replay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// NonceRecord tracks an admitted nonce until its request can no longer be
// replayed.
type NonceRecord struct {
	ID        uint      `gorm:"primaryKey"`
	DeviceID  string    `gorm:"uniqueIndex:device_nonce;size:128"`
	Nonce     string    `gorm:"uniqueIndex:device_nonce;size:128"`
	SeenAt    time.Time
	ExpiresAt time.Time `gorm:"index"`
}

// GormNonceStore persists nonces so a restart does not reopen the replay
// window. The unique index makes the insert the atomic check.
type GormNonceStore struct {
	db *gorm.DB
}

func NewGormNonceStore(db *gorm.DB) *GormNonceStore {
	return &GormNonceStore{db: db}
}

func (s *GormNonceStore) CheckAndStore(ctx context.Context, deviceID, nonce string, seenAt, expiresAt time.Time) error {
	if deviceID == "" || nonce == "" {
		return errors.New("missing device or nonce")
	}
	record := NonceRecord{DeviceID: deviceID, Nonce: nonce, SeenAt: seenAt.UTC(), ExpiresAt: expiresAt.UTC()}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isDuplicate(err) {
			return ErrNonceSeen
		}
		return err
	}
	return nil
}

func (s *GormNonceStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", cutoff.UTC()).Delete(&NonceRecord{})
	return res.RowsAffected, res.Error
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// Older sqlite drivers do not translate constraint errors.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type memKey struct{ device, nonce string }

// MemoryNonceStore keeps nonces in process memory.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[memKey]time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[memKey]time.Time)}
}

func (s *MemoryNonceStore) CheckAndStore(_ context.Context, deviceID, nonce string, _, expiresAt time.Time) error {
	if deviceID == "" || nonce == "" {
		return errors.New("missing device or nonce")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{deviceID, nonce}
	if _, ok := s.nonces[k]; ok {
		return ErrNonceSeen
	}
	s.nonces[k] = expiresAt
	return nil
}

func (s *MemoryNonceStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, exp := range s.nonces {
		if exp.Before(cutoff) {
			delete(s.nonces, k)
			n++
		}
	}
	return n, nil
}
