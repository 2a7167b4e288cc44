package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"popovka-vpn/internal/config"
	"popovka-vpn/internal/database"
	"popovka-vpn/internal/lock"
	"popovka-vpn/internal/notify"
	"popovka-vpn/internal/panel"
	"popovka-vpn/internal/renewal"
	"popovka-vpn/internal/subscription"
	"popovka-vpn/internal/worker"
)

// app holds the wired dependencies shared by all commands.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	rdb      *redis.Client
	store    *subscription.GormStore
	registry *panel.Registry
	locker   lock.Locker
	engine   *subscription.Engine
}

// newApp connects to Postgres and, when withRedis is set or the lock backend
// needs it, to Redis.
func newApp(ctx context.Context, cfg *config.Config, withRedis bool) (*app, error) {
	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		db:       db,
		store:    subscription.NewGormStore(db),
		registry: panel.NewRegistry(db, cfg.PanelHTTPTimeout),
	}

	if withRedis || cfg.LockBackend == "redis" {
		a.rdb, err = database.ConnectRedis(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("could not connect to redis: %w", err)
		}
	}

	switch cfg.LockBackend {
	case "redis":
		a.locker = lock.NewRedis(a.rdb, cfg.LockTTL)
	case "local", "":
		a.locker = lock.NewLocal()
	default:
		a.Close()
		return nil, fmt.Errorf("unknown LOCK_BACKEND %q", cfg.LockBackend)
	}

	a.engine = subscription.NewEngine(a.store, a.registry, a.locker, subscription.Options{
		DefaultQuotaBytes:    cfg.PanelDefaultQuotaGB << 30,
		DefaultExpiryDays:    cfg.PanelDefaultExpiryDays,
		FreezeExtendsEndDate: cfg.FreezeExtendsEndDate,
	})
	return a, nil
}

func (a *app) notifier() notify.Notifier {
	if a.cfg.BotToken == "" {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set, notifications disabled")
		return notify.Nop{}
	}
	tg, err := notify.NewTelegram(a.cfg.BotToken)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create Telegram bot, notifications disabled")
		return notify.Nop{}
	}
	return tg
}

func (a *app) sweeper() *worker.Sweeper {
	var marker notify.Marker
	if a.rdb != nil {
		marker = notify.NewRedisMarker(a.rdb)
	}
	return worker.NewSweeper(a.store, a.engine, a.registry, renewal.NewBalanceRenewer(a.db), a.notifier(), marker, a.cfg.SweepInterval)
}

func (a *app) reconciler() *worker.Reconciler {
	return worker.NewReconciler(a.store, a.registry, a.locker, a.cfg.ReconcileConcurrency, a.cfg.ReconcileInterval)
}

// ping reports whether the database is reachable.
func (a *app) ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (a *app) Close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
