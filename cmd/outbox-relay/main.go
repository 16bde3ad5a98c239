package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/3rs4lg4d0/gtbx-relay/config"
	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	gtbxtally "github.com/3rs4lg4d0/gtbx-relay/metrics/tally"
)

const (
	usage = `usage: outbox-relay <command> [flags]

commands:
  run           dispatch the outbox until SIGINT/SIGTERM
  purge         delete SENT records older than the configured retention
  dead-letters  print the records that exhausted their retries (JSON lines)
  stats         print the number of records per status
`
	shutdownTimeout = 30 * time.Second
)

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "outbox-relay: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	command := args[0]

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "configuration file or directory (outbox-relay.yaml)")
	limit := fs.Int("limit", 100, "maximum number of dead letters to print")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	switch command {
	case "run", "purge", "dead-letters", "stats":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if command != "run" {
		// maintenance commands never dispatch
		cfg.Dispatcher.Enabled = false
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	switch command {
	case "run":
		return runDispatcher(ctx, a)
	case "purge":
		n, err := a.outbox.PurgeSent(ctx, cfg.Dispatcher.Retention, cfg.Dispatcher.PurgeBatchSize)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%d sent records purged\n", n)
		return nil
	case "dead-letters":
		records, err := a.outbox.DeadLetters(ctx, *limit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		for _, o := range records {
			if err := enc.Encode(newDeadLetter(o)); err != nil {
				return err
			}
		}
		return nil
	default:
		counts, err := a.outbox.Stats(ctx)
		if err != nil {
			return err
		}
		return json.NewEncoder(stdout).Encode(counts)
	}
}

// deadLetter is the printed form of a dead letter, with the payload kept as
// JSON.
type deadLetter struct {
	Id           string          `json:"id"`
	EventType    string          `json:"eventType"`
	AggregateId  string          `json:"aggregateId"`
	Topic        string          `json:"topic"`
	RetryCount   int             `json:"retryCount"`
	ErrorMessage string          `json:"errorMessage"`
	CreatedAt    time.Time       `json:"createdAt"`
	Payload      json.RawMessage `json:"payload"`
}

func newDeadLetter(o *gtbx.OutboxRecord) deadLetter {
	return deadLetter{
		Id:           strconv.FormatUint(o.Id, 10),
		EventType:    o.EventType,
		AggregateId:  o.AggregateId,
		Topic:        o.Topic,
		RetryCount:   o.RetryCount,
		ErrorMessage: o.ErrorMessage,
		CreatedAt:    o.CreatedAt,
		Payload:      o.Payload,
	}
}

// runDispatcher blocks until ctx is done, then drains the in-flight cycle.
func runDispatcher(ctx context.Context, a *app) error {
	if err := a.outbox.Start(ctx); err != nil {
		return err
	}
	go gtbxtally.ReportBacklog(ctx, a.scope, a.cfg.Observability.MetricsInterval, a.outbox.Stats, a.logger)

	<-ctx.Done()
	a.logger.Info("shutdown signal received, stopping the dispatcher")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.outbox.Shutdown(shutdownCtx)
}
