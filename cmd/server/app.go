package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/elibrary/circulation/internal/audit"
	"github.com/elibrary/circulation/internal/clock"
	"github.com/elibrary/circulation/internal/config"
	"github.com/elibrary/circulation/internal/database"
	"github.com/elibrary/circulation/internal/handlers"
	mW "github.com/elibrary/circulation/internal/middleware"
	"github.com/elibrary/circulation/internal/notification"
	"github.com/elibrary/circulation/internal/services"
	"github.com/elibrary/circulation/internal/store"
	"github.com/elibrary/circulation/internal/workers"
)

// app is the fully wired process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  store.Store
	redis  *redis.Client

	ledger    *services.LedgerService
	borrows   *services.BorrowService
	fines     *services.FineService
	overdue   *services.OverdueService
	reminders *services.ReminderService
	reviews   *services.ReviewService

	scan       *workers.Cycle[services.ScanResult]
	send       *workers.Cycle[services.ReminderResult]
	scanLoop   *workers.Periodic
	remindLoop *workers.Periodic
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = st

	needRedis := cfg.Notifications.Driver == "redis" || cfg.Overdue.UseLock || cfg.Reminders.UseLock
	if needRedis {
		rdb, err := database.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			if cfg.Notifications.Driver == "redis" {
				a.Close()
				return nil, err
			}
			logger.Warn("Redis connection failed, loops run without a shared lock", zap.Error(err))
		} else {
			a.redis = rdb
			logger.Info("Redis connection established", zap.String("addr", cfg.Redis.Addr()))
		}
	}

	sender, err := a.sender()
	if err != nil {
		a.Close()
		return nil, err
	}

	rates := services.FineRates{
		Tier1Rate:    cfg.Fines.Tier1Rate,
		Tier2Rate:    cfg.Fines.Tier2Rate,
		Tier3Rate:    cfg.Fines.Tier3Rate,
		Tier1MaxDays: cfg.Fines.Tier1MaxDays,
		Tier2MaxDays: cfg.Fines.Tier2MaxDays,
		FlatRate:     cfg.Fines.FlatRate,
		MaxFine:      cfg.Fines.MaxFine,
	}
	returnPolicy, err := services.NewFinePolicy(cfg.Fines.ReturnPolicy, rates)
	if err != nil {
		a.Close()
		return nil, err
	}
	overduePolicy, err := services.NewFinePolicy(cfg.Fines.OverduePolicy, rates)
	if err != nil {
		a.Close()
		return nil, err
	}

	calendar, err := clock.NewCalendar(cfg.Reminders.Timezone)
	if err != nil {
		logger.Warn("unknown reminder timezone, using UTC", zap.String("timezone", cfg.Reminders.Timezone), zap.Error(err))
	}

	clk := clock.System{}
	auditLogger := audit.NewLogger(logger, clk)
	charges := services.ChargeConfig{
		PaymentDueDays: cfg.Fines.PaymentDueDays,
		LostFee:        cfg.Fines.LostFee,
		DamagedFee:     cfg.Fines.DamagedFee,
	}

	a.ledger = services.NewLedgerService(st, clk, services.LedgerConfig{
		DefaultBorrowLimit:  cfg.Loans.DefaultBorrowLimit,
		HardBlockThreshold:  cfg.Fines.HardBlockThreshold,
		SoftBorrowThreshold: cfg.Fines.SoftBorrowThreshold,
	}, auditLogger, logger)
	a.borrows = services.NewBorrowService(st, clk, a.ledger, returnPolicy, services.LoanConfig{
		DefaultPeriod:   cfg.Loans.DefaultPeriod,
		ExtensionPeriod: cfg.Loans.ExtensionPeriod,
		MaxExtensions:   cfg.Loans.MaxExtensions,
	}, charges, auditLogger, logger)
	a.fines = services.NewFineService(st, clk, a.ledger, charges, auditLogger, logger)
	a.overdue = services.NewOverdueService(st, clk, a.ledger, overduePolicy, charges, auditLogger, logger)
	a.reminders = services.NewReminderService(st, clk, calendar, sender, services.ReminderConfig{
		Thresholds:    cfg.Reminders.Thresholds,
		MaxExtensions: cfg.Loans.MaxExtensions,
	}, logger)
	a.reviews = services.NewReviewService(st, clk, logger)

	a.scan = workers.NewCycle(a.overdue.ProcessOverdue)
	a.send = workers.NewCycle(a.reminders.SendDueReminders)
	a.scanLoop = workers.NewPeriodic("overdue-scan", a.scan.Job, a.loopOptions("overdue-scan", cfg.Overdue), logger)
	a.remindLoop = workers.NewPeriodic("due-reminders", a.send.Job, a.loopOptions("due-reminders", cfg.Reminders.LoopConfig), logger)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using the in-memory store, data is lost on exit")
		return store.NewMemory(), nil
	default:
		db, err := database.OpenPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		logger.Info("Database connection established",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Name))
		return store.NewPostgres(db), nil
	}
}

func (a *app) sender() (notification.Sender, error) {
	n := a.cfg.Notifications
	switch n.Driver {
	case "smtp":
		return notification.NewSMTPSender(notification.SMTPConfig{
			Host:     n.SMTP.Host,
			Port:     n.SMTP.Port,
			User:     n.SMTP.User,
			Password: n.SMTP.Password,
			From:     n.From,
			FromName: n.FromName,
		}), nil
	case "redis":
		if a.redis == nil {
			return nil, fmt.Errorf("redis notification driver needs a Redis connection")
		}
		return notification.NewRedisOutbox(a.redis, n.OutboxKey), nil
	default:
		return notification.NewLogSender(a.logger), nil
	}
}

func (a *app) loopOptions(name string, lc config.LoopConfig) workers.Options {
	opts := workers.Options{
		Interval:     lc.Interval,
		InitialDelay: lc.InitialDelay,
		CycleTimeout: lc.CycleTimeout,
	}
	if lc.UseLock && a.redis != nil {
		// the lease outlives a cycle that hits its timeout
		opts.Lock = workers.NewRedisLock(a.redis, "circulation:lock:"+name, lc.CycleTimeout+30*time.Second)
	}
	return opts
}

func (a *app) router() handlers.RouterConfig {
	return handlers.RouterConfig{
		Auth:    mW.NewAuthenticator(a.cfg.JWT.SecretKey),
		Borrows: handlers.NewBorrowHandler(a.borrows, a.reminders),
		Users:   handlers.NewUserHandler(a.ledger, a.borrows, a.fines),
		Fines:   handlers.NewFineHandler(a.fines),
		Reviews: handlers.NewReviewHandler(a.reviews),
		Admin:   handlers.NewAdminHandler(a.scanLoop, a.remindLoop, a.scan.Last, a.send.Last),
		Logger:  a.logger,
	}
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("closing redis", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing store", zap.Error(err))
		}
	}
}
