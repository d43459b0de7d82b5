package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"medliq-cloud/internal/audit"
	"medliq-cloud/internal/config"
	fundsadapter "medliq-cloud/internal/deductions/adapters/settlement"
	deductionapp "medliq-cloud/internal/deductions/application"
	deductions "medliq-cloud/internal/deductions/domain"
	deductionmemory "medliq-cloud/internal/deductions/infrastructure/memory"
	deductionpostgres "medliq-cloud/internal/deductions/infrastructure/postgres"
	"medliq-cloud/internal/events"
	eventpostgres "medliq-cloud/internal/events/postgres"
	"medliq-cloud/internal/observability/metrics"
	settlementapp "medliq-cloud/internal/settlement/application"
	settlement "medliq-cloud/internal/settlement/domain"
	settlementmemory "medliq-cloud/internal/settlement/infrastructure/memory"
	settlementpostgres "medliq-cloud/internal/settlement/infrastructure/postgres"
)

// app holds the wired services shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sql.DB

	settlementStore settlement.Store
	deductionStore  deductions.Store
	publisher       events.Publisher
	relay           *events.Relay
	auditLogger     audit.Store

	settlements *settlementapp.Service
	ledger      *settlementapp.AdjustmentLedger
	charges     *deductionapp.ChargeGenerator
	allocator   *deductionapp.Allocator
	queries     *deductionapp.Queries
	catalog     *deductionapp.Catalog

	closers []func() error
}

// newApp wires stores, publishers and services. inMemory swaps both stores
// for the in-process implementations and skips the database entirely.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, inMemory bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if inMemory {
		sst := settlementmemory.NewStore()
		funds, err := fundsadapter.NewMemoryFunds(sst)
		if err != nil {
			return nil, err
		}
		dst, err := deductionmemory.NewStore(funds)
		if err != nil {
			return nil, err
		}
		a.settlementStore, a.deductionStore = sst, dst
		a.auditLogger = &audit.Recorder{}
		if cfg.Metrics.Enabled {
			metrics.Init(nil, logger)
		}
	} else {
		db, err := openDB(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		if cfg.Metrics.Enabled {
			metrics.Init(db, logger)
		}
		sst, err := settlementpostgres.NewStore(db)
		if err != nil {
			a.Close()
			return nil, err
		}
		dst, err := deductionpostgres.NewStore(db)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.settlementStore, a.deductionStore = sst, dst
		repo, err := audit.NewRepository(db)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.auditLogger = repo
	}

	a.publisher = a.buildPublisher()
	if err := a.buildServices(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// buildPublisher always logs events. Redis and Kafka sinks are added when
// configured, either directly or behind the PostgreSQL outbox and its relay.
func (a *app) buildPublisher() events.Publisher {
	external := a.externalSinks()
	local := events.NewFanout(events.NewLoggingPublisher(a.logger))
	if len(external) == 0 {
		if a.cfg.Events.Outbox.Enabled {
			a.logger.Warn("event outbox enabled without redis or kafka sinks; nothing to relay")
		}
		return local
	}
	downstream := events.NewFanout(external...)

	if a.cfg.Events.Outbox.Enabled && a.db != nil {
		store, err := eventpostgres.NewOutboxStore(a.db)
		if err == nil {
			var pub *events.OutboxPublisher
			if pub, err = events.NewOutboxPublisher(store); err == nil {
				a.relay, err = events.NewRelay(store, downstream,
					events.WithMaxAttempts(a.cfg.Events.Outbox.MaxAttempts),
					events.WithRelayLogger(a.logger))
				if err == nil {
					local.Add(pub)
					a.logger.Info("event outbox enabled", zap.Duration("interval", a.cfg.Events.Outbox.Interval))
					return local
				}
			}
		}
		a.logger.Warn("event outbox disabled", zap.Error(err))
	}
	for _, sink := range external {
		local.Add(sink)
	}
	return local
}

func (a *app) externalSinks() []events.Publisher {
	var sinks []events.Publisher
	if addr := a.cfg.Events.Redis.Addr; addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		pub, err := events.NewRedisPublisher(rdb, a.cfg.Events.Redis.Channel)
		if err != nil {
			a.logger.Warn("redis publisher disabled", zap.Error(err))
		} else {
			sinks = append(sinks, pub)
			a.closers = append(a.closers, rdb.Close)
			a.logger.Info("redis publisher enabled", zap.String("addr", addr), zap.String("channel", a.cfg.Events.Redis.Channel))
		}
	}
	if brokers := a.cfg.Events.Kafka.Brokers; len(brokers) > 0 {
		writer := events.NewKafkaWriter(brokers, a.cfg.Events.Kafka.Topic)
		pub, err := events.NewKafkaPublisher(writer)
		if err != nil {
			a.logger.Warn("kafka publisher disabled", zap.Error(err))
		} else {
			sinks = append(sinks, pub)
			a.closers = append(a.closers, writer.Close)
			a.logger.Info("kafka publisher enabled", zap.Strings("brokers", brokers), zap.String("topic", a.cfg.Events.Kafka.Topic))
		}
	}
	return sinks
}

func (a *app) buildServices() error {
	decomposer, err := settlement.NewDecomposer(a.cfg.DecomposerPolicy())
	if err != nil {
		return err
	}
	sopts := []settlementapp.Option{settlementapp.WithPublisher(a.publisher), settlementapp.WithLogger(a.logger)}
	if a.settlements, err = settlementapp.NewService(a.settlementStore, decomposer, sopts...); err != nil {
		return err
	}
	if a.ledger, err = settlementapp.NewAdjustmentLedger(a.settlementStore, sopts...); err != nil {
		return err
	}

	dopts := []deductionapp.Option{deductionapp.WithPublisher(a.publisher), deductionapp.WithLogger(a.logger)}
	if a.charges, err = deductionapp.NewChargeGenerator(a.deductionStore, dopts...); err != nil {
		return err
	}
	if a.allocator, err = deductionapp.NewAllocator(a.deductionStore, dopts...); err != nil {
		return err
	}
	if a.queries, err = deductionapp.NewQueries(a.deductionStore); err != nil {
		return err
	}
	if a.catalog, err = deductionapp.NewCatalog(a.deductionStore); err != nil {
		return err
	}
	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
