package idempotency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/haasonsaas/warden/pkg/protocol"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Record{}))
	return db
}

func repos(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"gorm":   NewGormRepository(openTestDB(t)),
	}
}

func TestFreshThenReplay(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(repo)
			ctx := context.Background()

			rec, lease, err := s.BeginOrReplay(ctx, "cmd-1", "hash-a")
			require.NoError(t, err)
			require.Nil(t, rec)
			require.NotNil(t, lease)
			require.NoError(t, lease.Commit(ctx, []byte(`{"ok":true}`)))

			rec, lease, err = s.BeginOrReplay(ctx, "cmd-1", "hash-a")
			require.NoError(t, err)
			require.Nil(t, lease)
			require.Equal(t, `{"ok":true}`, string(rec.Response))

			_, _, err = s.BeginOrReplay(ctx, "cmd-1", "hash-b")
			require.Equal(t, protocol.CodeCommandIDConflict, protocol.CodeOf(err))
		})
	}
}

func TestReplaySurvivesRestart(t *testing.T) {
	repo := NewGormRepository(openTestDB(t))
	ctx := context.Background()

	_, lease, err := NewStore(repo).BeginOrReplay(ctx, "cmd-1", "hash-a")
	require.NoError(t, err)
	require.NoError(t, lease.Commit(ctx, []byte(`{"n":1}`)))

	restarted := NewStore(repo)
	rec, lease, err := restarted.BeginOrReplay(ctx, "cmd-1", "hash-a")
	require.NoError(t, err)
	require.Nil(t, lease)
	require.Equal(t, `{"n":1}`, string(rec.Response))

	_, _, err = restarted.BeginOrReplay(ctx, "cmd-1", "hash-z")
	require.Equal(t, protocol.CodeCommandIDConflict, protocol.CodeOf(err))
}

func TestReleaseAllowsRetry(t *testing.T) {
	s := NewStore(NewMemoryRepository())
	ctx := context.Background()

	_, lease, err := s.BeginOrReplay(ctx, "cmd-1", "h")
	require.NoError(t, err)
	lease.Release()
	lease.Release()

	rec, lease, err := s.BeginOrReplay(ctx, "cmd-1", "h")
	require.NoError(t, err)
	require.Nil(t, rec)
	require.NotNil(t, lease)
}

func TestInFlightConflictIsImmediate(t *testing.T) {
	s := NewStore(NewMemoryRepository())
	ctx := context.Background()

	_, lease, err := s.BeginOrReplay(ctx, "cmd-1", "h1")
	require.NoError(t, err)
	defer lease.Release()

	_, _, err = s.BeginOrReplay(ctx, "cmd-1", "h2")
	require.Equal(t, protocol.CodeCommandIDConflict, protocol.CodeOf(err))
}

func TestWaiterGivesUpOnContext(t *testing.T) {
	s := NewStore(NewMemoryRepository())
	_, lease, err := s.BeginOrReplay(context.Background(), "cmd-1", "h")
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = s.BeginOrReplay(ctx, "cmd-1", "h")
	require.Equal(t, protocol.CodeInternalError, protocol.CodeOf(err))
}

func TestConcurrentSameIDExecutesOnce(t *testing.T) {
	s := NewStore(NewMemoryRepository())
	var executions, replays int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, lease, err := s.BeginOrReplay(context.Background(), "cmd-1", "h")
			if err != nil {
				t.Error(err)
				return
			}
			if lease != nil {
				atomic.AddInt32(&executions, 1)
				time.Sleep(5 * time.Millisecond)
				_ = lease.Commit(context.Background(), []byte("done"))
				return
			}
			if string(rec.Response) == "done" {
				atomic.AddInt32(&replays, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), executions)
	require.Equal(t, int32(31), replays)
}

func TestPruneBefore(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(repo)
			ctx := context.Background()
			s.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
			_, lease, err := s.BeginOrReplay(ctx, "old", "h")
			require.NoError(t, err)
			require.NoError(t, lease.Commit(ctx, []byte("x")))

			s.now = func() time.Time { return time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC) }
			_, lease, err = s.BeginOrReplay(ctx, "new", "h")
			require.NoError(t, err)
			require.NoError(t, lease.Commit(ctx, []byte("y")))

			n, err := s.PruneBefore(ctx, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
			require.NoError(t, err)
			require.Equal(t, int64(1), n)

			rec, err := repo.Get(ctx, "old")
			require.NoError(t, err)
			require.Nil(t, rec)
		})
	}
}
