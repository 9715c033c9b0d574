// Package replay rejects requests that are outside their validity window or
// reuse a nonce already admitted for the same device.
package replay

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/warden/pkg/protocol"
)

// ErrNonceSeen is returned by a NonceStore when the pair was already recorded.
var ErrNonceSeen = errors.New("nonce already admitted")

// NonceStore records admitted (deviceID, nonce) pairs. CheckAndStore must be
// atomic: of two concurrent calls for the same pair exactly one succeeds.
type NonceStore interface {
	CheckAndStore(ctx context.Context, deviceID, nonce string, seenAt, expiresAt time.Time) error
	// Prune deletes records whose expiry is before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Request is the freshness-relevant part of a command payload.
type Request struct {
	DeviceID  string
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type Config struct {
	// MaxClockSkew is how far in the future issuedAt may be.
	MaxClockSkew time.Duration
	// MaxLifetime bounds expiresAt - issuedAt so nonce records can be pruned.
	MaxLifetime time.Duration
}

func DefaultConfig() Config {
	return Config{MaxClockSkew: 30 * time.Second, MaxLifetime: 5 * time.Minute}
}

type Guard struct {
	store NonceStore
	cfg   Config
}

func NewGuard(store NonceStore, cfg Config) *Guard {
	if cfg.MaxClockSkew < 0 {
		cfg.MaxClockSkew = 0
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultConfig().MaxLifetime
	}
	return &Guard{store: store, cfg: cfg}
}

// Admit checks the window and device binding, then durably records the nonce.
// A nil return means the caller may proceed to side effects.
func (g *Guard) Admit(ctx context.Context, expectedDeviceID string, r Request, now time.Time) error {
	if now.After(r.ExpiresAt) {
		return protocol.Errorf(protocol.CodeRequestExpired, "request expired at %s", r.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if r.ExpiresAt.Sub(r.IssuedAt) > g.cfg.MaxLifetime {
		return protocol.Errorf(protocol.CodeRequestExpired, "request lifetime exceeds %s", g.cfg.MaxLifetime)
	}
	if now.Add(g.cfg.MaxClockSkew).Before(r.IssuedAt) {
		return protocol.Errorf(protocol.CodeRequestNotYetValid, "request is not valid until %s", r.IssuedAt.UTC().Format(time.RFC3339))
	}
	if expectedDeviceID != "" && r.DeviceID != expectedDeviceID {
		return protocol.Errorf(protocol.CodeDeviceIDMismatch, "request is for device %q", r.DeviceID)
	}

	if err := g.store.CheckAndStore(ctx, r.DeviceID, r.Nonce, now, r.ExpiresAt); err != nil {
		if errors.Is(err, ErrNonceSeen) {
			return protocol.Errorf(protocol.CodeNonceReplay, "nonce has already been used")
		}
		return protocol.Wrap(protocol.CodeInternalError, err, "could not record nonce")
	}
	return nil
}

// Prune drops nonces that can no longer pass the window check.
func (g *Guard) Prune(ctx context.Context, now time.Time) (int64, error) {
	return g.store.Prune(ctx, now.Add(-g.cfg.MaxClockSkew))
}

// RunPruner prunes on every tick until ctx is done.
func (g *Guard) RunPruner(ctx context.Context, every time.Duration, onErr func(error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := g.Prune(ctx, now); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
