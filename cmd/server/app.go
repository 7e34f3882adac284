package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/ledgersync/internal/config"
	"github.com/and161185/ledgersync/internal/crypto"
	"github.com/and161185/ledgersync/internal/limiter"
	"github.com/and161185/ledgersync/internal/lock"
	"github.com/and161185/ledgersync/internal/qbo"
	"github.com/and161185/ledgersync/internal/repository/postgres"
	"github.com/and161185/ledgersync/internal/service"
)

const sweepEvery = 10 * time.Minute

// app holds the wired dependency graph shared by serve and sync.
type app struct {
	db       *postgres.DB
	rdb      *redis.Client
	lim      *limiter.PG
	tokens   *service.TokenServiceImpl
	accounts *service.AccountServiceImpl
	window   time.Duration
	log      *zap.Logger
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	db, err := postgres.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a := &app{db: db, window: cfg.ForceSyncWindow, log: log}

	sealer, err := crypto.NewSealer(crypto.DeriveKey(cfg.TokenKey))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("token sealer: %w", err)
	}

	lockOpts := []lock.Option{}
	if cfg.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		lockOpts = append(lockOpts, lock.WithRedis(a.rdb))
	}
	locker := lock.New(log.Named("lock"), lockOpts...)

	var lim limiter.Limiter = limiter.Unlimited{}
	if cfg.ForceSyncLimit > 0 {
		a.lim = limiter.NewPG(db.Pool, cfg.ForceSyncWindow, cfg.ForceSyncLimit)
		lim = a.lim
	}

	hc := &http.Client{Timeout: cfg.HTTPClientTimeout}

	a.tokens = service.NewTokenService(
		postgres.NewTokenRepo(db, sealer),
		service.OAuthConfig{
			ClientID:      cfg.ClientID,
			ClientSecret:  cfg.ClientSecret,
			RedirectURI:   cfg.RedirectURI,
			AuthURL:       cfg.AuthURL,
			TokenURL:      cfg.TokenURL,
			StateKey:      []byte(cfg.StateKey),
			RefreshMargin: cfg.TokenRefreshMargin,
		},
		hc, locker, log.Named("tokens"),
	)

	remote := qbo.NewClient(qbo.Config{
		APIBase:      cfg.APIBase,
		MinorVersion: cfg.QBOMinorVersion,
		PageSize:     cfg.QBOPageSize,
		RetryMax:     uint64(cfg.RetryMax),
	}, a.tokens, hc, log.Named("qbo"))

	a.accounts = service.NewAccountService(
		postgres.NewAccountRepo(db),
		postgres.NewCheckpointRepo(db),
		remote, locker, lim,
		service.SyncConfig{MaxAge: cfg.SyncMaxAge},
		log.Named("sync"),
	)

	log.Info("dependencies ready",
		zap.Bool("distributed_lock", locker.Distributed()),
		zap.Bool("force_sync_limited", a.lim != nil),
	)
	return a, nil
}

// sweepLimiter drops expired force-sync windows until ctx ends.
func (a *app) sweepLimiter(ctx context.Context) {
	if a.lim == nil {
		return
	}
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.lim.Sweep(ctx, a.window)
			if err != nil {
				a.log.Warn("limiter sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.log.Debug("limiter sweep", zap.Int64("deleted", n))
			}
		}
	}
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.db.Close()
}
