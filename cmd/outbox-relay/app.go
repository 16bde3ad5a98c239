package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/3rs4lg4d0/gtbx-relay/config"
	gtbxkfk "github.com/3rs4lg4d0/gtbx-relay/emitter/kafka"
	gtbxps "github.com/3rs4lg4d0/gtbx-relay/emitter/pubsub"
	gtbxamqp "github.com/3rs4lg4d0/gtbx-relay/emitter/rabbitmq"
	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	gtbxzrlg "github.com/3rs4lg4d0/gtbx-relay/logger/zerolog"
	gtbxtally "github.com/3rs4lg4d0/gtbx-relay/metrics/tally"
	gtbxgorm "github.com/3rs4lg4d0/gtbx-relay/repository/gorm"
	"github.com/3rs4lg4d0/gtbx-relay/repository/pgxv5"
	gtbxsql "github.com/3rs4lg4d0/gtbx-relay/repository/sql"
	"github.com/3rs4lg4d0/gtbx-relay/snowflake"
	"github.com/3rs4lg4d0/gtbx-relay/telemetry"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	tally "github.com/uber-go/tally/v4"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// txKey is the context key of the business transaction. The relay itself
// never writes records, but the repositories need one.
type txKey struct{}

type app struct {
	cfg     *config.Settings
	logger  *gtbxzrlg.Logger
	scope   tally.Scope
	outbox  *gtbx.Goutbox
	closers []func() error
}

// newApp wires the relay from the configuration. On error, what was already
// opened is closed.
func newApp(ctx context.Context, cfg *config.Settings) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.logger, err = gtbxzrlg.New(os.Stdout, cfg.Log.Level, cfg.Log.Format == "console")
	if err != nil {
		return nil, err
	}

	tracer, shutdownTracing, err := telemetry.Init(ctx, cfg.Observability.ServiceName, cfg.Observability.TracingURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(ctx)
	})

	scope, scopeCloser := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "relay",
		Tags:     map[string]string{"service": cfg.Observability.ServiceName},
		Reporter: gtbxtally.NewLogReporter(a.logger),
	}, cfg.Observability.MetricsInterval)
	a.scope = scope
	a.closers = append(a.closers, scopeCloser.Close)
	counters := gtbxtally.NewCounters(scope)

	ids, err := snowflake.New(cfg.SnowflakeConfig())
	if err != nil {
		return nil, fmt.Errorf("invalid snowflake configuration: %w", err)
	}

	repository, err := a.newRepository(ctx)
	if err != nil {
		return nil, err
	}

	var emitter gtbx.Emitter
	if cfg.Dispatcher.Enabled {
		if emitter, err = a.newEmitter(ctx); err != nil {
			return nil, err
		}
	}

	a.outbox = gtbx.New(cfg.OutboxSettings(), repository, emitter, ids,
		gtbx.WithLogger(a.logger),
		gtbx.WithTracer(tracer),
		gtbx.WithCounters(counters.Sent, counters.Failed),
		gtbx.WithDeadLetterCounter(counters.DeadLettered),
		gtbx.WithTopics(cfg.OutboxTopics()),
	)
	return a, nil
}

func (a *app) newRepository(ctx context.Context) (gtbx.Repository, error) {
	dsn := a.cfg.Database.DSN
	switch a.cfg.Database.Driver {
	case "pgx":
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("unable to create connection pool: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		return pgxv5.New(txKey{}, pool), nil
	case "sql":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("unable to open the database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		return gtbxsql.New(txKey{}, db), nil
	case "gorm":
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			SkipDefaultTransaction: true,
			Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("unable to open the database: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		return gtbxgorm.New(txKey{}, db), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", a.cfg.Database.Driver)
	}
}

func (a *app) newEmitter(ctx context.Context) (gtbx.Emitter, error) {
	b := a.cfg.Broker
	switch b.Type {
	case "kafka":
		p, err := kafka.NewProducer(&kafka.ConfigMap{
			"bootstrap.servers":  b.Brokers,
			"client.id":          b.ClientId,
			"linger.ms":          5,
			"compression.type":   "lz4",
			"acks":               -1,
			"enable.idempotence": true,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to create the kafka producer: %w", err)
		}
		go a.logProducerEvents(p)
		a.closers = append(a.closers, func() error {
			p.Flush(5000)
			p.Close()
			return nil
		})
		return gtbxkfk.New(p), nil
	case "rabbitmq":
		conn, ch, err := gtbxamqp.Dial(b.URL, b.Exchange)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		e, err := gtbxamqp.New(ch, b.Exchange)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "pubsub":
		client, err := gtbxps.NewClient(ctx, b.ProjectId)
		if err != nil {
			return nil, err
		}
		e := gtbxps.New(client)
		a.closers = append(a.closers, e.Close)
		return e, nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", b.Type)
	}
}

// logProducerEvents drains the producer events that are not delivery reports
// (client level errors, statistics).
func (a *app) logProducerEvents(p *kafka.Producer) {
	for ev := range p.Events() {
		switch e := ev.(type) {
		case kafka.Error:
			a.logger.Error("kafka producer error", e)
		default:
			a.logger.Debug(fmt.Sprintf("kafka producer event: %s", e))
		}
	}
}

// close releases the resources in reverse opening order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Error("when releasing a resource", err)
		}
	}
	a.closers = nil
}
