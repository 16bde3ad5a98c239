package gtbx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DispatchReport summarizes one dispatch cycle.
type DispatchReport struct {
	Processed         int  // records handed to the emitter
	Sent              int  // records moved to SENT
	Failed            int  // records moved to FAILED (dead letters included)
	DeadLettered      int  // records that exhausted their retries in this cycle
	StateUpdateFailed int  // records whose status update could not be stored
	Skipped           bool // the cycle did not run because another one was in progress
}

type dispatcher struct {
	id            uuid.UUID
	settings      Settings
	logger        Logger
	tracer        trace.Tracer
	emitter       Emitter
	repository    Repository
	now           func() time.Time
	successCtr    Counter
	errorCtr      Counter
	deadLetterCtr Counter

	busy atomic.Bool

	mu      sync.Mutex
	current *run // nil when no loop is running (a stopping loop still counts)
	ended   *run // a loop that stopped on its own, not collected by shutdown yet
}

// run is one execution of the dispatcher loop.
type run struct {
	stop     chan struct{}
	done     chan struct{}
	stopping bool  // shutdown was requested, guarded by dispatcher.mu
	err      error // outcome of the claim release, set before done is closed
}

// start launches the dispatcher loop in its own goroutine.
func (d *dispatcher) start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		return ErrDispatcherRunning
	}
	r := &run{stop: make(chan struct{}), done: make(chan struct{})}
	d.current, d.ended = r, nil
	go d.executeDispatcherLoop(ctx, r)
	d.logger.Info(fmt.Sprintf("dispatcher '%s' started (polling every %s, batches of %d)", d.id, d.settings.PollingInterval, d.settings.BatchSize))
	return nil
}

// shutdown stops the loop and waits for the in-flight cycle and the release of
// the leases still held by this dispatcher. A loop that already stopped because
// its context ended is collected the same way.
func (d *dispatcher) shutdown(ctx context.Context) error {
	d.mu.Lock()
	r := d.current
	switch {
	case r != nil && !r.stopping:
		r.stopping = true
		close(r.stop)
	case r == nil && d.ended != nil:
		r, d.ended = d.ended, nil
	default:
		d.mu.Unlock()
		return ErrDispatcherNotRunning
	}
	d.mu.Unlock()

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return fmt.Errorf("waiting for the in-flight dispatch cycle: %w", ctx.Err())
	}
}

// executeDispatcherLoop implements the main dispatcher loop. A cycle that runs
// past the next tick makes the loop skip that tick. Whatever stops the loop, the
// leases are released before done is closed.
func (d *dispatcher) executeDispatcherLoop(ctx context.Context, r *run) {
	defer close(r.done)
	ticker := time.NewTicker(d.settings.PollingInterval)
	defer ticker.Stop()

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-cycleCtx.Done():
		}
	}()

	for {
		d.processOutbox(cycleCtx)
		select {
		case <-cycleCtx.Done():
			r.err = d.releaseClaims(ctx)
			d.mu.Lock()
			if d.current == r {
				d.current = nil
				if !r.stopping {
					// the parent context ended, a later shutdown collects the outcome
					d.ended = r
				}
			}
			d.mu.Unlock()
			return
		case <-ticker.C:
		}
	}
}

func (d *dispatcher) releaseClaims(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.settings.SendTimeout)
	defer cancel()
	if err := d.repository.ReleaseClaims(ctx, d.id); err != nil {
		d.logger.Error(fmt.Sprintf("releasing the claims of dispatcher '%s'", d.id), err)
		return err
	}
	d.logger.Info(fmt.Sprintf("dispatcher '%s' stopped", d.id))
	return nil
}

// processOutbox claims a batch of dispatchable records and delivers them one by
// one. A failing record never aborts the rest of the batch, and a cancelled
// context only stops the cycle between two records.
func (d *dispatcher) processOutbox(ctx context.Context) (report DispatchReport) {
	if !d.busy.CompareAndSwap(false, true) {
		d.logger.Warn("a dispatch cycle is still in progress, skipping")
		report.Skipped = true
		return report
	}
	defer d.busy.Store(false)

	ctx, span := d.tracer.Start(ctx, "outbox.dispatch", trace.WithAttributes(
		attribute.String("outbox.dispatcher_id", d.id.String()),
		attribute.Int("outbox.batch_size", d.settings.BatchSize),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			d.logger.Error("dispatch cycle aborted", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
		}
	}()

	if ctx.Err() != nil {
		return report
	}

	now := d.now()
	records, err := d.repository.Claim(ctx, ClaimParams{
		DispatcherId: d.id,
		MaxRetries:   d.settings.MaxRetries,
		Limit:        d.settings.BatchSize,
		Now:          now,
		LeaseUntil:   now.Add(d.settings.ClaimTTL),
	})
	if err != nil {
		d.logger.Error("when trying to claim outbox records", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim")
		return report
	}
	if len(records) == 0 {
		return report
	}

	d.logger.Debug(fmt.Sprintf("dispatcher '%s' claimed %d outbox records", d.id, len(records)))
	for _, o := range records {
		if ctx.Err() != nil {
			d.logger.Info(fmt.Sprintf("dispatch cycle interrupted, %d claimed records left for later", len(records)-report.Processed))
			break
		}
		d.dispatch(ctx, o, &report)
	}

	span.SetAttributes(
		attribute.Int("outbox.sent", report.Sent),
		attribute.Int("outbox.failed", report.Failed),
	)
	d.logger.Info(fmt.Sprintf("%d messages were successfully delivered (with %d failed, %d dead lettered) from a total of %d processed from outbox",
		report.Sent, report.Failed, report.DeadLettered, report.Processed))
	return report
}

// dispatch delivers a single record and stores the outcome. The send and the
// status update survive the cancellation of ctx but are bounded by SendTimeout.
func (d *dispatcher) dispatch(ctx context.Context, o *OutboxRecord, report *DispatchReport) {
	ctx, span := d.tracer.Start(ctx, "outbox.send", trace.WithAttributes(
		attribute.String("outbox.id", fmt.Sprint(o.Id)),
		attribute.String("outbox.event_type", o.EventType),
		attribute.String("outbox.topic", o.Topic),
		attribute.Int("outbox.retry_count", o.RetryCount),
	))
	defer span.End()

	report.Processed++
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.settings.SendTimeout)
	err := d.safeEmit(sendCtx, o)
	cancel()

	updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.settings.SendTimeout)
	defer cancel()

	if err == nil {
		if uerr := d.repository.MarkSent(updCtx, o.Id, d.id, d.now().UTC()); uerr != nil {
			// The bus has the message: it will be delivered again once the
			// lease expires, and consumers dedupe on the id.
			report.StateUpdateFailed++
			d.logger.Error(fmt.Sprintf("record %d was sent but could not be marked as such, it will be delivered again", o.Id), uerr)
			span.RecordError(uerr)
			return
		}
		report.Sent++
		d.successCtr.Inc(1)
		d.logger.Debug(fmt.Sprintf("record %d (%s) delivered to topic '%s'", o.Id, o.EventType, o.Topic))
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("send timed out after %s: %w", d.settings.SendTimeout, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "send")
	d.errorCtr.Inc(1)

	retries, uerr := d.repository.MarkFailed(updCtx, o.Id, d.id, TruncateErrorMessage(err.Error()))
	if uerr != nil {
		report.StateUpdateFailed++
		d.logger.Error(fmt.Sprintf("record %d could not be marked as failed", o.Id), uerr)
		return
	}
	report.Failed++
	if retries >= d.settings.MaxRetries {
		report.DeadLettered++
		d.deadLetterCtr.Inc(1)
		d.logger.Warn(fmt.Sprintf("record %d (%s) exhausted its %d retries and is now a dead letter: %s", o.Id, o.EventType, d.settings.MaxRetries, err))
		return
	}
	d.logger.Error(fmt.Sprintf("delivery problem with record %d (attempt %d of %d)", o.Id, retries, d.settings.MaxRetries), err)
}

// safeEmit turns an emitter panic into a send failure.
func (d *dispatcher) safeEmit(ctx context.Context, o *OutboxRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("emitter panic: %v", r)
		}
	}()
	return d.emitter.Emit(ctx, o)
}
