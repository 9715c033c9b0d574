package replay

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
	require.NoError(t, db.AutoMigrate(&NonceRecord{}))
	return db
}

func stores(t *testing.T) map[string]NonceStore {
	return map[string]NonceStore{
		"memory": NewMemoryNonceStore(),
		"gorm":   NewGormNonceStore(openTestDB(t)),
	}
}

var base = time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)

func req(nonce string) Request {
	return Request{DeviceID: "host-1", Nonce: nonce, IssuedAt: base, ExpiresAt: base.Add(time.Minute)}
}

func TestAdmitWindowAndDevice(t *testing.T) {
	g := NewGuard(NewMemoryNonceStore(), DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name   string
		device string
		r      Request
		now    time.Time
		code   protocol.Code
	}{
		{"ok", "host-1", req("a"), base.Add(10 * time.Second), protocol.CodeOK},
		{"expired", "host-1", req("b"), base.Add(2 * time.Minute), protocol.CodeRequestExpired},
		{"not yet valid", "host-1", req("c"), base.Add(-time.Minute), protocol.CodeRequestNotYetValid},
		{"within skew", "host-1", req("d"), base.Add(-20 * time.Second), protocol.CodeOK},
		{"lifetime too long", "host-1", Request{DeviceID: "host-1", Nonce: "e", IssuedAt: base, ExpiresAt: base.Add(time.Hour)}, base, protocol.CodeRequestExpired},
		{"device mismatch", "host-2", req("f"), base, protocol.CodeDeviceIDMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Admit(ctx, tt.device, tt.r, tt.now)
			require.Equal(t, tt.code, protocol.CodeOf(err))
		})
	}
}

func TestAdmitRejectsReplay(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(s, DefaultConfig())
			ctx := context.Background()

			require.NoError(t, g.Admit(ctx, "host-1", req("n-1"), base))
			err := g.Admit(ctx, "host-1", req("n-1"), base.Add(time.Second))
			require.Equal(t, protocol.CodeNonceReplay, protocol.CodeOf(err))

			other := req("n-1")
			other.DeviceID = "host-2"
			require.NoError(t, g.Admit(ctx, "", other, base))
		})
	}
}

func TestAdmitConcurrentDuplicates(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(s, DefaultConfig())
			var ok int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if g.Admit(context.Background(), "host-1", req("race"), base) == nil {
						atomic.AddInt32(&ok, 1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), ok)
		})
	}
}

func TestPruneDropsOnlyExpired(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(s, DefaultConfig())
			ctx := context.Background()
			require.NoError(t, g.Admit(ctx, "host-1", req("old"), base))
			later := Request{DeviceID: "host-1", Nonce: "new", IssuedAt: base.Add(5 * time.Minute), ExpiresAt: base.Add(6 * time.Minute)}
			require.NoError(t, g.Admit(ctx, "host-1", later, base.Add(5*time.Minute)))

			n, err := g.Prune(ctx, base.Add(2*time.Minute))
			require.NoError(t, err)
			require.Equal(t, int64(1), n)

			err = g.Admit(ctx, "host-1", later, base.Add(5*time.Minute))
			require.Equal(t, protocol.CodeNonceReplay, protocol.CodeOf(err))
		})
	}
}
