package gtbx_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	"github.com/3rs4lg4d0/gtbx-relay/repository/memory"
	"github.com/3rs4lg4d0/gtbx-relay/snowflake"
	"github.com/3rs4lg4d0/gtbx-relay/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRetriesUntilSent(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, settings(), gtbx.EmitterFunc(func(context.Context, *gtbx.OutboxRecord) error {
		if calls.Add(1) <= 2 {
			return errors.New("broker unavailable")
		}
		return nil
	}), nil)
	ids := f.publish(t, "USER_CREATED")

	for i, want := range []gtbx.DispatchReport{
		{Processed: 1, Failed: 1},
		{Processed: 1, Failed: 1},
		{Processed: 1, Sent: 1},
		{},
	} {
		report, err := f.outbox.DispatchOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, report, "cycle %d", i+1)
	}

	o, ok := f.repo.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, gtbx.StatusSent, o.Status)
	assert.Equal(t, 2, o.RetryCount)
	assert.NotNil(t, o.SentAt)
	assert.Empty(t, o.ErrorMessage)
	assert.Equal(t, int64(1), f.success.Value())
	assert.Equal(t, int64(2), f.failure.Value())
}

func TestDispatchDeadLetter(t *testing.T) {
	f := newFixture(t, settings(), gtbx.EmitterFunc(func(context.Context, *gtbx.OutboxRecord) error {
		return errors.New("topic does not exist")
	}), nil)
	ids := f.publish(t, "PASSWORD_CHANGED")

	for i := 1; i <= 3; i++ {
		report, err := f.outbox.DispatchOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
		assert.Equal(t, i == 3, report.DeadLettered == 1, "cycle %d", i)
	}

	report, err := f.outbox.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Processed, "dead letters are never claimed again")

	dead, err := f.outbox.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ids[0], dead[0].Id)
	assert.Equal(t, 3, dead[0].RetryCount)
	assert.Equal(t, "topic does not exist", dead[0].ErrorMessage)
	assert.Equal(t, int64(1), f.dead.Value())
	assert.True(t, f.logger.Contains("is now a dead letter"))
}

func TestDispatchIsolatesFailures(t *testing.T) {
	var mu sync.Mutex
	var emitted []uint64
	var failing uint64
	f := newFixture(t, settings(), gtbx.EmitterFunc(func(_ context.Context, o *gtbx.OutboxRecord) error {
		mu.Lock()
		defer mu.Unlock()
		emitted = append(emitted, o.Id)
		if o.Id == failing {
			return errors.New("message too large")
		}
		return nil
	}), nil)
	ids := f.publish(t, "USER_CREATED", "USER_LOGIN", "USER_LOGOUT", "ROLE_ASSIGNED", "SESSION_CREATED")
	failing = ids[2]

	report, err := f.outbox.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gtbx.DispatchReport{Processed: 5, Sent: 4, Failed: 1}, report)
	assert.Equal(t, ids, emitted, "records are emitted in creation order")

	stats, err := f.outbox.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[gtbx.Status]int64{gtbx.StatusSent: 4, gtbx.StatusFailed: 1}, stats)
	assert.True(t, f.logger.Contains("4 messages were successfully delivered (with 1 failed, 0 dead lettered) from a total of 5 processed from outbox"))
}

func TestDispatchRedeliversWithTheSameEnvelope(t *testing.T) {
	var mu sync.Mutex
	var envelopes []*gtbx.Envelope
	f := newFixture(t, settings(), gtbx.EmitterFunc(func(_ context.Context, o *gtbx.OutboxRecord) error {
		e, err := gtbx.DecodeEnvelope(o.Payload)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		envelopes = append(envelopes, e)
		return nil
	}), func(r gtbx.Repository) gtbx.Repository {
		return &flakyRepository{Repository: r, markSentFailures: 1}
	})
	ids := f.publish(t, "USER_CREATED")

	report, err := f.outbox.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gtbx.DispatchReport{Processed: 1, StateUpdateFailed: 1}, report)

	o, _ := f.repo.Get(ids[0])
	assert.Equal(t, gtbx.StatusPending, o.Status)

	report, _ = f.outbox.DispatchOnce(context.Background())
	assert.Zero(t, report.Processed, "the record stays leased")

	f.clock.Advance(time.Hour)
	report, _ = f.outbox.DispatchOnce(context.Background())
	assert.Equal(t, gtbx.DispatchReport{Processed: 1, Sent: 1}, report)

	require.Len(t, envelopes, 2)
	assert.Equal(t, ids[0], envelopes[0].Id)
	assert.Equal(t, envelopes[0], envelopes[1])
	assert.True(t, f.logger.Contains("it will be delivered again"))
}

func TestPublishFollowsTheBusinessTransaction(t *testing.T) {
	f := newFixture(t, settings(), gtbx.EmitterFunc(func(context.Context, *gtbx.OutboxRecord) error {
		t.Fatal("nothing should be emitted")
		return nil
	}), nil)

	tx := f.repo.Begin()
	ctx := context.WithValue(context.Background(), test.DefaultCtxKey, tx)
	_, err := f.outbox.Publish(ctx, &gtbx.Event{EventType: "USER_CREATED", BizId: "1"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, err = f.outbox.Publish(context.Background(), &gtbx.Event{EventType: "USER_CREATED", BizId: "1"})
	assert.ErrorIs(t, err, gtbx.ErrTxRequired)

	tx = f.repo.Begin()
	ctx = context.WithValue(context.Background(), test.DefaultCtxKey, tx)
	_, err = f.outbox.Publish(ctx, &gtbx.Event{EventType: "ORDER_PLACED", BizId: "1"})
	assert.ErrorIs(t, err, gtbx.ErrUnmappedEventType)
	require.NoError(t, tx.Commit())

	assert.Zero(t, f.repo.Len())
	report, err := f.outbox.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
}

func TestDispatchIsNotReentrant(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := newFixture(t, settings(), gtbx.EmitterFunc(func(context.Context, *gtbx.OutboxRecord) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}), nil)
	f.publish(t, "USER_CREATED", "USER_LOGIN")

	done := make(chan gtbx.DispatchReport)
	go func() {
		report, _ := f.outbox.DispatchOnce(context.Background())
		done <- report
	}()
	<-entered

	report, err := f.outbox.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gtbx.DispatchReport{Skipped: true}, report)

	close(release)
	assert.Equal(t, gtbx.DispatchReport{Processed: 2, Sent: 2}, <-done)
}

func TestDispatchRecoversFromEmitterPanics(t *testing.T) {
	var failing uint64
	f := newFixture(t, settings(), gtbx.EmitterFunc(func(_ context.Context, o *gtbx.OutboxRecord) error {
		if o.Id == failing {
			panic("nil producer")
		}
		return nil
	}), nil)
	ids := f.publish(t, "USER_CREATED", "USER_LOGIN", "USER_LOGOUT")
	failing = ids[0]

	report, err := f.outbox.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gtbx.DispatchReport{Processed: 3, Sent: 2, Failed: 1}, report)

	o, _ := f.repo.Get(failing)
	assert.Equal(t, gtbx.StatusFailed, o.Status)
	assert.Equal(t, "emitter panic: nil producer", o.ErrorMessage)
}

func TestDispatchSendTimeout(t *testing.T) {
	s := settings()
	s.SendTimeout = 20 * time.Millisecond
	f := newFixture(t, s, gtbx.EmitterFunc(func(ctx context.Context, _ *gtbx.OutboxRecord) error {
		<-ctx.Done()
		return ctx.Err()
	}), nil)
	ids := f.publish(t, "SESSION_EXPIRED")

	report, err := f.outbox.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	o, _ := f.repo.Get(ids[0])
	assert.Equal(t, gtbx.StatusFailed, o.Status)
	assert.Equal(t, 1, o.RetryCount)
	assert.Contains(t, o.ErrorMessage, "send timed out after 20ms")
}

func TestStartAndShutdown(t *testing.T) {
	f := newFixture(t, settings(), gtbx.EmitterFunc(func(context.Context, *gtbx.OutboxRecord) error {
		return nil
	}), nil)
	f.publish(t, "USER_CREATED", "ACCOUNT_LOCKED", "ACCOUNT_UNLOCKED")

	ctx := context.Background()
	require.NoError(t, f.outbox.Start(ctx))
	assert.ErrorIs(t, f.outbox.Start(ctx), gtbx.ErrDispatcherRunning)

	assert.Eventually(t, func() bool { return f.success.Value() == 3 }, time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.outbox.Shutdown(shutdownCtx))
	assert.ErrorIs(t, f.outbox.Shutdown(shutdownCtx), gtbx.ErrDispatcherNotRunning)
}

func TestStartAfterTheContextEnded(t *testing.T) {
	f := newFixture(t, settings(), gtbx.EmitterFunc(func(context.Context, *gtbx.OutboxRecord) error {
		return nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.outbox.Start(ctx))
	cancel()

	// the loop stops on its own and the dispatcher can be started again
	assert.Eventually(t, func() bool {
		err := f.outbox.Start(context.Background())
		return err == nil
	}, time.Second, 5*time.Millisecond)

	f.publish(t, "USER_CREATED")
	assert.Eventually(t, func() bool { return f.success.Value() == 1 }, time.Second, 5*time.Millisecond)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second)
	defer cancelShutdown()
	require.NoError(t, f.outbox.Shutdown(shutdownCtx))
	assert.ErrorIs(t, f.outbox.Shutdown(shutdownCtx), gtbx.ErrDispatcherNotRunning)
}

func TestShutdownAfterTheContextEnded(t *testing.T) {
	f := newFixture(t, settings(), gtbx.EmitterFunc(func(context.Context, *gtbx.OutboxRecord) error {
		return nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.outbox.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return f.logger.Contains("stopped") }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.outbox.Shutdown(context.Background()))
	assert.ErrorIs(t, f.outbox.Shutdown(context.Background()), gtbx.ErrDispatcherNotRunning)
}

func TestShutdownReleasesClaims(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := newFixture(t, settings(), gtbx.EmitterFunc(func(context.Context, *gtbx.OutboxRecord) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}), nil)
	ids := f.publish(t, "USER_CREATED", "USER_LOGIN", "USER_LOGOUT")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.outbox.Start(ctx))
	<-entered
	// the in-flight emission completes, the rest of the batch is left
	cancel()
	close(release)
	require.NoError(t, f.outbox.Shutdown(context.Background()))

	o, _ := f.repo.Get(ids[0])
	assert.Equal(t, gtbx.StatusSent, o.Status)

	// another dispatcher takes over right away, without waiting for the lease
	other := gtbx.New(settings(), f.repo, gtbx.EmitterFunc(func(context.Context, *gtbx.OutboxRecord) error {
		return nil
	}), &fixedIds{}, gtbx.WithClock(f.clock.Now))
	report, err := other.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gtbx.DispatchReport{Processed: 2, Sent: 2}, report)
}

type fixture struct {
	outbox  *gtbx.Goutbox
	repo    *memory.Repository
	clock   *clock
	logger  *test.TestLogger
	success *test.TestCounter
	failure *test.TestCounter
	dead    *test.TestCounter
}

func settings() gtbx.Settings {
	return gtbx.Settings{
		EnableDispatcher: true,
		PollingInterval:  10 * time.Millisecond,
		BatchSize:        10,
		MaxRetries:       3,
		SendTimeout:      time.Second,
	}
}

// newFixture wires a Goutbox on top of an in-memory repository, optionally
// wrapped to inject failures.
func newFixture(t *testing.T, s gtbx.Settings, e gtbx.Emitter, wrap func(gtbx.Repository) gtbx.Repository) *fixture {
	t.Helper()
	ids, err := snowflake.New(snowflake.Config{Epoch: snowflake.DefaultEpoch, DatacenterId: 1, WorkerId: 1})
	require.NoError(t, err)

	f := &fixture{
		repo:    memory.New(test.DefaultCtxKey),
		clock:   &clock{t: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)},
		logger:  &test.TestLogger{},
		success: &test.TestCounter{},
		failure: &test.TestCounter{},
		dead:    &test.TestCounter{},
	}
	var r gtbx.Repository = f.repo
	if wrap != nil {
		r = wrap(r)
	}
	f.outbox = gtbx.New(s, r, e, ids,
		gtbx.WithLogger(f.logger),
		gtbx.WithCounters(f.success, f.failure),
		gtbx.WithDeadLetterCounter(f.dead),
		gtbx.WithClock(f.clock.Now),
	)
	return f
}

// publish appends one event per type in a single committed transaction.
func (f *fixture) publish(t *testing.T, eventTypes ...string) []uint64 {
	t.Helper()
	tx := f.repo.Begin()
	ctx := context.WithValue(context.Background(), test.DefaultCtxKey, tx)
	var ids []uint64
	for i, et := range eventTypes {
		id, err := f.outbox.Publish(ctx, &gtbx.Event{EventType: et, BizId: uuid.NewString(), Data: map[string]any{"n": i}})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, tx.Commit())
	return ids
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// flakyRepository fails the first markSentFailures calls to MarkSent.
type flakyRepository struct {
	gtbx.Repository
	markSentFailures int32
}

func (r *flakyRepository) MarkSent(ctx context.Context, id uint64, dispatcherId uuid.UUID, sentAt time.Time) error {
	if atomic.AddInt32(&r.markSentFailures, -1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return r.Repository.MarkSent(ctx, id, dispatcherId, sentAt)
}

type fixedIds struct{}

func (*fixedIds) NextId() (uint64, error) { return 1, nil }
