package gtbx

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// IdGenerator mints the outbox record identifiers (see package snowflake).
type IdGenerator interface {
	NextId() (uint64, error)
}

// Goutbox implements the Goutbox module.
type Goutbox struct {
	settings      Settings
	logger        Logger
	tracer        trace.Tracer
	emitter       Emitter
	repository    Repository
	ids           IdGenerator
	topics        Topics
	now           func() time.Time
	successCtr    Counter
	errorCtr      Counter
	deadLetterCtr Counter
	dispatcher    *dispatcher
}

// opt allows optional configuration.
type opt func(o *Goutbox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) opt {
	return func(o *Goutbox) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for
// observability: delivered records and failed delivery attempts.
func WithCounters(success Counter, error Counter) opt {
	return func(o *Goutbox) {
		if success != nil {
			o.successCtr = success
		}
		if error != nil {
			o.errorCtr = error
		}
	}
}

// WithDeadLetterCounter allows clients to count records that exhausted their
// retries.
func WithDeadLetterCounter(co Counter) opt {
	return func(o *Goutbox) {
		if co != nil {
			o.deadLetterCtr = co
		}
	}
}

// WithTracer allows clients to trace dispatch cycles.
func WithTracer(t trace.Tracer) opt {
	return func(o *Goutbox) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithTopics replaces the default event type to topic mapping.
func WithTopics(t Topics) opt {
	return func(o *Goutbox) {
		if t != nil {
			o.topics = t.normalized()
		}
	}
}

// WithClock replaces the wall clock used for record timestamps and leases.
func WithClock(now func() time.Time) opt {
	return func(o *Goutbox) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an instance of Goutbox using the provided settings, options,
// Repository, Emitter and IdGenerator implementations. The emitter can be nil
// only when the dispatcher is disabled (writer only services).
func New(s Settings, r Repository, e Emitter, ids IdGenerator, options ...opt) *Goutbox {
	if isNil(r) || isNil(ids) {
		panic("you must provide a repository and an id generator")
	}
	if s.EnableDispatcher && isNil(e) {
		panic("you must provide an emitter when the dispatcher is enabled")
	}

	validateSettings(&s)

	g := &Goutbox{
		settings:      s,
		logger:        &NopLogger{},
		tracer:        noop.NewTracerProvider().Tracer("gtbx"),
		emitter:       e,
		repository:    r,
		ids:           ids,
		topics:        DefaultTopics(),
		now:           time.Now,
		successCtr:    &NopCounter{},
		errorCtr:      &NopCounter{},
		deadLetterCtr: &NopCounter{},
	}

	for _, o := range options {
		o(g)
	}

	for _, a := range []any{e, r} {
		if l, ok := a.(Loggable); ok {
			l.SetLogger(g.logger)
		}
	}

	if s.EnableDispatcher {
		g.logger.Debug("the polling publisher dispatcher is enabled")
		g.dispatcher = &dispatcher{
			id:            uuid.New(),
			settings:      g.settings,
			logger:        g.logger,
			tracer:        g.tracer,
			emitter:       g.emitter,
			repository:    g.repository,
			now:           g.now,
			successCtr:    g.successCtr,
			errorCtr:      g.errorCtr,
			deadLetterCtr: g.deadLetterCtr,
		}
	}

	return g
}

// Publish appends a domain event to the outbox within the business transaction
// carried by the context, utilizing the polling publisher variant of the
// Transactional Outbox pattern. It never opens a transaction: the record
// becomes visible to the dispatcher when the caller commits, and disappears
// with the business changes if the caller rolls back.
func (gb *Goutbox) Publish(ctx context.Context, e *Event) (uint64, error) {
	if e == nil {
		return 0, ErrEventRequired
	}
	if e.BizId == "" {
		return 0, ErrBizIdRequired
	}
	if _, ok := e.Data[metadataKey]; ok {
		return 0, fmt.Errorf("%w: %q (use Event.Metadata)", ErrReservedDataKey, metadataKey)
	}
	eventType, route, err := gb.topics.Resolve(e.EventType)
	if err != nil {
		return 0, err
	}

	id, err := gb.ids.NextId()
	if err != nil {
		return 0, fmt.Errorf("could not generate the event id: %w", err)
	}

	now := gb.now().UTC()
	payload, err := json.Marshal(newEnvelope(id, eventType, e, now))
	if err != nil {
		return 0, fmt.Errorf("could not serialize the event envelope: %w", err)
	}

	err = gb.repository.Save(ctx, &OutboxRecord{
		Id:            id,
		AggregateType: route.AggregateType,
		AggregateId:   e.BizId,
		EventType:     eventType,
		Topic:         route.Topic,
		Payload:       payload,
		Status:        StatusPending,
		RetryCount:    0,
		CreatedAt:     now,
	})
	if err != nil {
		return 0, err
	}

	gb.logger.Debug(fmt.Sprintf("event %d (%s) appended to the outbox for topic '%s'", id, eventType, route.Topic))
	return id, nil
}

// Start launches the dispatcher loop. It runs until ctx is done or Shutdown
// is called.
func (gb *Goutbox) Start(ctx context.Context) error {
	if gb.dispatcher == nil {
		return ErrDispatcherDisabled
	}
	return gb.dispatcher.start(ctx)
}

// Shutdown stops the dispatcher loop, waits for the in-flight cycle (its
// current emission finishes or times out) and releases the remaining leases.
func (gb *Goutbox) Shutdown(ctx context.Context) error {
	if gb.dispatcher == nil {
		return ErrDispatcherDisabled
	}
	return gb.dispatcher.shutdown(ctx)
}

// DispatchOnce runs a single dispatch cycle. It is mostly useful for tests and
// tools, the dispatcher loop calls the same code on every tick.
func (gb *Goutbox) DispatchOnce(ctx context.Context) (DispatchReport, error) {
	if gb.dispatcher == nil {
		return DispatchReport{}, ErrDispatcherDisabled
	}
	return gb.dispatcher.processOutbox(ctx), nil
}

// DeadLetters returns up to limit records that exhausted their retries.
func (gb *Goutbox) DeadLetters(ctx context.Context, limit int) ([]*OutboxRecord, error) {
	return gb.repository.FindDeadLetters(ctx, gb.settings.MaxRetries, limit)
}

// PurgeSent deletes SENT records delivered more than retention ago.
func (gb *Goutbox) PurgeSent(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	before := gb.now().Add(-retention)
	n, err := gb.repository.PurgeSent(ctx, before, batchSize)
	if err != nil {
		return n, fmt.Errorf("purging sent records: %w", err)
	}
	gb.logger.Info(fmt.Sprintf("%d sent records delivered before %s were purged", n, before.UTC().Format(time.RFC3339)))
	return n, nil
}

// Stats returns the number of records per status.
func (gb *Goutbox) Stats(ctx context.Context) (map[Status]int64, error) {
	return gb.repository.CountByStatus(ctx)
}

// isNil also detects interfaces holding a nil pointer.
func isNil(i any) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}
