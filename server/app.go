package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/haasonsaas/warden/pkg/audit"
	"github.com/haasonsaas/warden/pkg/auth"
	"github.com/haasonsaas/warden/pkg/backend"
	"github.com/haasonsaas/warden/pkg/config"
	"github.com/haasonsaas/warden/pkg/dispatch"
	"github.com/haasonsaas/warden/pkg/executor"
	"github.com/haasonsaas/warden/pkg/health"
	"github.com/haasonsaas/warden/pkg/idempotency"
	"github.com/haasonsaas/warden/pkg/policy"
	"github.com/haasonsaas/warden/pkg/replay"
	"github.com/haasonsaas/warden/pkg/session"
	"github.com/haasonsaas/warden/pkg/store"
)

// app owns everything the daemon runs between startup and shutdown.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	policies *policy.Store
	guard    *replay.Guard
	sessions *session.Manager
	sink     *audit.FileSink
	exec     *executor.Executor
	checker  *health.Checker
	server   *Server
	log      zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.db, err = store.Open(cfg.State.DBPath)
	if err != nil {
		return nil, err
	}

	verifier := auth.DefaultRegistry()
	bootstrap, err := bootstrapKeys(verifier, cfg.Policy.BootstrapPublicKeys)
	if err != nil {
		return nil, err
	}

	a.policies = policy.NewStore()
	updater := policy.NewUpdater(policy.UpdaterConfig{
		Path:          cfg.Policy.Path,
		Store:         a.policies,
		Registry:      verifier,
		BootstrapKeys: bootstrap,
		Logger:        logger,
	})
	if _, err := updater.Recover(); err != nil {
		return nil, fmt.Errorf("recover policy files: %w", err)
	}
	if snap, err := a.policies.Reload(cfg.Policy.Path, verifier); err != nil {
		logger.Warn().Err(err).Str("path", cfg.Policy.Path).Msg("no usable policy; commands are refused until one is installed")
	} else {
		logger.Info().Int64("version", snap.Version()).Strs("commands", snap.CommandNames()).Msg("policy loaded")
	}

	a.guard = replay.NewGuard(replay.NewGormNonceStore(a.db), replay.Config{
		MaxClockSkew: cfg.Replay.MaxClockSkew,
		MaxLifetime:  cfg.Replay.MaxRequestLifetime,
	})
	if n, err := a.guard.Prune(ctx, time.Now()); err != nil {
		logger.Warn().Err(err).Msg("nonce prune failed")
	} else if n > 0 {
		logger.Debug().Int64("removed", n).Msg("expired nonces pruned")
	}

	idem := idempotency.NewStore(idempotency.NewGormRepository(a.db))
	if cfg.Idempotency.Retention > 0 {
		n, err := idem.PruneBefore(ctx, time.Now().Add(-cfg.Idempotency.Retention))
		if err != nil {
			return nil, fmt.Errorf("prune idempotency records: %w", err)
		}
		logger.Info().Int64("removed", n).Dur("retention", cfg.Idempotency.Retention).Msg("old command results pruned")
	}

	a.sessions = session.NewManager(session.Config{TTL: cfg.Session.TTL, Tombstone: cfg.Session.Tombstone})

	backends := dispatch.NewRegistry()
	if err := backend.RegisterAll(backends, backend.Config{
		VHDRoot:    cfg.Backends.VHDRoot,
		VHDHelper:  cfg.Backends.VHDHelper,
		LogSources: cfg.Backends.LogSources,
		BundleDir:  cfg.Backends.BundleDir,
		Timeout:    cfg.Backends.Timeout,
	}, nil); err != nil {
		return nil, err
	}

	a.sink, err = audit.OpenFileSink(cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	salt, err := audit.LoadOrCreateSalt(cfg.Audit.SaltFile)
	if err != nil {
		return nil, fmt.Errorf("load audit salt: %w", err)
	}

	a.exec, err = executor.New(executor.Options{
		Policies:    a.policies,
		Updater:     updater,
		Verifier:    verifier,
		Guard:       a.guard,
		Idempotency: idem,
		Sessions:    a.sessions,
		Backends:    backends,
		Audit:       audit.NewLogger(a.sink, audit.NewHasher(salt), logger),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	a.checker = health.NewChecker(2 * time.Second)
	a.checker.Register("policy", func(context.Context) error {
		_, err := a.policies.Current()
		return err
	})
	a.checker.Register("dispatch", func(context.Context) error {
		if a.exec.Halted() {
			return errors.New(executor.HaltedMessage)
		}
		return nil
	})
	a.checker.Register("state_db", func(ctx context.Context) error {
		return store.Ping(ctx, a.db)
	})
	a.checker.Register("audit_log", a.sink.Check)

	a.server = &Server{
		exec:     a.exec,
		checker:  a.checker,
		limiter:  NewRateLimiter(cfg.Listen.RateLimitPerMinute, time.Minute),
		deviceID: cfg.DeviceID,
		log:      logger,
	}
	return a, nil
}

func bootstrapKeys(reg *auth.Registry, keys map[string]config.KeyConfig) (auth.KeySet, error) {
	set := make(auth.KeySet, len(keys))
	for id, k := range keys {
		pub, err := reg.ParseKey(id, k.Algorithm, k.Key)
		if err != nil {
			return nil, fmt.Errorf("bootstrap key: %w", err)
		}
		set[id] = pub
	}
	return set, nil
}

// start runs the background maintenance loops until ctx is done.
func (a *app) start(ctx context.Context) {
	go a.guard.RunPruner(ctx, a.cfg.Replay.PruneInterval, func(err error) {
		a.log.Warn().Err(err).Msg("nonce prune failed")
	})
	go a.sessions.Run(ctx, a.cfg.Session.SweepInterval)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.server.limiter.Prune()
			}
		}
	}()
}

func (a *app) Close() error {
	var errs []error
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
