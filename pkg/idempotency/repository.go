package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// GormRepository stores records in the state database.
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Get(ctx context.Context, commandID string) (*Record, error) {
	var rec Record
	err := r.db.WithContext(ctx).Where("command_id = ?", commandID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *GormRepository) Put(ctx context.Context, rec *Record) error {
	err := r.db.WithContext(ctx).Create(rec).Error
	if err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")) {
		return nil
	}
	return err
}

func (r *GormRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("first_seen_at < ?", cutoff.UTC()).Delete(&Record{})
	return res.RowsAffected, res.Error
}

// MemoryRepository keeps records in memory.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record)}
}

func (r *MemoryRepository) Get(_ context.Context, commandID string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[commandID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *MemoryRepository) Put(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.CommandID]; !ok {
		r.records[rec.CommandID] = *rec
	}
	return nil
}

func (r *MemoryRepository) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.records {
		if rec.FirstSeenAt.Before(cutoff) {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}
