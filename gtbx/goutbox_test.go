package gtbx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/gtbx-relay/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nopLogger *NopLogger = &NopLogger{}
var nopCounter *NopCounter = &NopCounter{}
var testLogger *test.TestLogger = &test.TestLogger{}
var testCounter *test.TestCounter = &test.TestCounter{}

var fixedNow = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

func TestWithLogger(t *testing.T) {
	type args struct {
		l Logger
	}
	testcases := []struct {
		name       string
		args       args
		wantLogger Logger
	}{
		{
			name: "with nil logger",
			args: args{
				l: nil,
			},
			wantLogger: nopLogger,
		},
		{
			name: "with a logger instance",
			args: args{
				l: testLogger,
			},
			wantLogger: testLogger,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			g := &Goutbox{
				logger:     nopLogger,
				successCtr: nopCounter,
				errorCtr:   nopCounter,
			}
			opt := WithLogger(tc.args.l)
			opt(g)
			assert.Equal(t, tc.wantLogger, g.logger)
		})
	}
}

func TestWithCounters(t *testing.T) {
	type args struct {
		success Counter
		error   Counter
	}
	testcases := []struct {
		name           string
		args           args
		wantSuccessCtr Counter
		wantErrorCtr   Counter
	}{
		{
			name: "both counters to nil",
			args: args{
				success: nil,
				error:   nil,
			},
			wantSuccessCtr: nopCounter,
			wantErrorCtr:   nopCounter,
		},
		{
			name: "error counter to nil",
			args: args{
				success: testCounter,
				error:   nil,
			},
			wantSuccessCtr: testCounter,
			wantErrorCtr:   nopCounter,
		},
		{
			name: "success counter to nil",
			args: args{
				success: nil,
				error:   testCounter,
			},
			wantSuccessCtr: nopCounter,
			wantErrorCtr:   testCounter,
		},
		{
			name: "both counters to valid instances",
			args: args{
				success: testCounter,
				error:   testCounter,
			},
			wantSuccessCtr: testCounter,
			wantErrorCtr:   testCounter,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			g := &Goutbox{
				logger:     nopLogger,
				successCtr: nopCounter,
				errorCtr:   nopCounter,
			}
			opt := WithCounters(tc.args.success, tc.args.error)
			opt(g)
			assert.Equal(t, tc.wantSuccessCtr, g.successCtr)
			assert.Equal(t, tc.wantErrorCtr, g.errorCtr)
		})
	}
}

func TestWithTopics(t *testing.T) {
	g := &Goutbox{topics: DefaultTopics()}

	WithTopics(nil)(g)
	assert.Equal(t, DefaultTopics(), g.topics)

	WithTopics(Topics{" order_placed": {Topic: "shop.order.placed.v1", AggregateType: "order"}})(g)
	assert.Equal(t, Topics{"ORDER_PLACED": {Topic: "shop.order.placed.v1", AggregateType: "order"}}, g.topics)
}

func TestNew(t *testing.T) {
	type args struct {
		s   Settings
		r   Repository
		e   Emitter
		ids IdGenerator
	}
	testcases := []struct {
		name           string
		args           args
		wantPanic      string
		wantDispatcher bool
	}{
		{
			name:      "without repository",
			args:      args{s: Settings{}, r: nil, e: nopEmitter(), ids: &sequence{}},
			wantPanic: "you must provide a repository and an id generator",
		},
		{
			name:      "with a nil pointer as repository",
			args:      args{s: Settings{}, r: (*fakeRepository)(nil), e: nopEmitter(), ids: &sequence{}},
			wantPanic: "you must provide a repository and an id generator",
		},
		{
			name:      "without id generator",
			args:      args{s: Settings{}, r: &fakeRepository{}, e: nopEmitter(), ids: nil},
			wantPanic: "you must provide a repository and an id generator",
		},
		{
			name:      "dispatcher enabled without emitter",
			args:      args{s: Settings{EnableDispatcher: true}, r: &fakeRepository{}, e: nil, ids: &sequence{}},
			wantPanic: "you must provide an emitter when the dispatcher is enabled",
		},
		{
			name: "writer only",
			args: args{s: Settings{}, r: &fakeRepository{}, e: nil, ids: &sequence{}},
		},
		{
			name:           "with dispatcher",
			args:           args{s: Settings{EnableDispatcher: true}, r: &fakeRepository{}, e: nopEmitter(), ids: &sequence{}},
			wantDispatcher: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic != "" {
				assert.PanicsWithValue(t, tc.wantPanic, func() {
					New(tc.args.s, tc.args.r, tc.args.e, tc.args.ids)
				})
				return
			}
			g := New(tc.args.s, tc.args.r, tc.args.e, tc.args.ids, WithLogger(testLogger))
			assert.Equal(t, tc.wantDispatcher, g.dispatcher != nil)
			assert.Equal(t, testLogger, tc.args.r.(*fakeRepository).logger, "the logger is pushed to loggable collaborators")
		})
	}
}

func TestDispatcherDisabled(t *testing.T) {
	g := New(Settings{}, &fakeRepository{}, nil, &sequence{})
	ctx := context.Background()

	assert.ErrorIs(t, g.Start(ctx), ErrDispatcherDisabled)
	assert.ErrorIs(t, g.Shutdown(ctx), ErrDispatcherDisabled)
	_, err := g.DispatchOnce(ctx)
	assert.ErrorIs(t, err, ErrDispatcherDisabled)
}

func TestPublish(t *testing.T) {
	type args struct {
		e *Event
	}
	testcases := []struct {
		name       string
		args       args
		idErr      error
		saveErr    error
		wantErr    error
		wantErrMsg string
		wantRecord *OutboxRecord
	}{
		{
			name:    "nil event",
			args:    args{e: nil},
			wantErr: ErrEventRequired,
		},
		{
			name:    "missing business id",
			args:    args{e: &Event{EventType: "USER_CREATED"}},
			wantErr: ErrBizIdRequired,
		},
		{
			name:       "unmapped event type",
			args:       args{e: &Event{EventType: "UNKNOWN_EVENT", BizId: "1"}},
			wantErr:    ErrUnmappedEventType,
			wantErrMsg: `unmapped event type: "UNKNOWN_EVENT"`,
		},
		{
			name:       "metadata key in the event data",
			args:       args{e: &Event{EventType: "USER_CREATED", BizId: "1", Data: map[string]any{"metadata": "x"}}},
			wantErr:    ErrReservedDataKey,
			wantErrMsg: `reserved event data key: "metadata" (use Event.Metadata)`,
		},
		{
			name:       "id generator failure",
			args:       args{e: &Event{EventType: "USER_CREATED", BizId: "1"}},
			idErr:      errors.New("clock moved backwards"),
			wantErrMsg: "could not generate the event id: clock moved backwards",
		},
		{
			name:    "no transaction in the context",
			args:    args{e: &Event{EventType: "USER_CREATED", BizId: "1"}},
			saveErr: ErrTxRequired,
			wantErr: ErrTxRequired,
		},
		{
			name: "appended with a normalized event type",
			args: args{e: &Event{EventType: "userCreated", BizId: "42", Data: map[string]any{"email": "a@b.c"}}},
			wantRecord: &OutboxRecord{
				Id:            7,
				AggregateType: "user",
				AggregateId:   "42",
				EventType:     "USER_CREATED",
				Topic:         "auth.user.created.v1",
				Status:        StatusPending,
				CreatedAt:     fixedNow,
			},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			r := &fakeRepository{saveErr: tc.saveErr}
			g := New(Settings{}, r, nil, &sequence{next: 7, err: tc.idErr}, WithClock(func() time.Time { return fixedNow }))

			id, err := g.Publish(context.Background(), tc.args.e)
			if tc.wantErr != nil || tc.wantErrMsg != "" {
				if tc.wantErr != nil {
					assert.ErrorIs(t, err, tc.wantErr)
				}
				if tc.wantErrMsg != "" {
					assert.EqualError(t, err, tc.wantErrMsg)
				}
				assert.Zero(t, id)
				assert.Empty(t, r.saved)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.wantRecord.Id, id)
			require.Len(t, r.saved, 1)
			got := r.saved[0]
			payload := got.Payload
			got.Payload = nil
			assert.Equal(t, tc.wantRecord, got)
			assert.JSONEq(t, `{"id":"7","eventType":"USER_CREATED","bizId":"42","occurredAt":"2024-03-01T10:30:00Z",`+
				`"payload":{"email":"a@b.c","metadata":{}}}`, string(payload))
		})
	}
}

func TestPublishKeepsTheRegisteredEventType(t *testing.T) {
	r := &fakeRepository{}
	g := New(Settings{}, r, nil, &sequence{next: 9},
		WithClock(func() time.Time { return fixedNow }),
		WithTopics(Topics{"OAUTH2_LINKED": {Topic: "auth.user.oauth_linked.v1", AggregateType: "user"}}))

	_, err := g.Publish(context.Background(), &Event{EventType: "OAUTH2_LINKED", BizId: "42"})
	require.NoError(t, err)
	require.Len(t, r.saved, 1)
	assert.Equal(t, "OAUTH2_LINKED", r.saved[0].EventType)
	assert.JSONEq(t, `{"id":"9","eventType":"OAUTH2_LINKED","bizId":"42","occurredAt":"2024-03-01T10:30:00Z",`+
		`"payload":{"metadata":{}}}`, string(r.saved[0].Payload))

	msg, err := BuildMessage(r.saved[0])
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"eventType":"OAUTH2_LINKED"`)
}

func TestPurgeSent(t *testing.T) {
	r := &fakeRepository{purged: 12}
	g := New(Settings{}, r, nil, &sequence{}, WithClock(func() time.Time { return fixedNow }))

	n, err := g.PurgeSent(context.Background(), 24*time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.Equal(t, fixedNow.Add(-24*time.Hour), r.purgeBefore)
	assert.Equal(t, defaultBatchSize, r.purgeBatch)

	r.purgeErr = errors.New("connection refused")
	_, err = g.PurgeSent(context.Background(), time.Hour, 10)
	assert.EqualError(t, err, "purging sent records: connection refused")
}

func TestDeadLettersAndStats(t *testing.T) {
	r := &fakeRepository{
		dead:   []*OutboxRecord{{Id: 1, Status: StatusFailed, RetryCount: 5}},
		counts: map[Status]int64{StatusSent: 3},
	}
	g := New(Settings{MaxRetries: 5}, r, nil, &sequence{})

	dead, err := g.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
	assert.Equal(t, 5, r.deadMaxRetries)

	stats, err := g.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats[StatusSent])
}

type sequence struct {
	next uint64
	err  error
}

func (s *sequence) NextId() (uint64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.next, nil
}

func nopEmitter() Emitter {
	return EmitterFunc(func(context.Context, *OutboxRecord) error { return nil })
}

// fakeRepository records what the Goutbox facade hands to it.
type fakeRepository struct {
	logger         Logger
	saveErr        error
	saved          []*OutboxRecord
	purged         int64
	purgeErr       error
	purgeBefore    time.Time
	purgeBatch     int
	dead           []*OutboxRecord
	deadMaxRetries int
	counts         map[Status]int64
}

func (r *fakeRepository) SetLogger(l Logger) { r.logger = l }

func (r *fakeRepository) Save(_ context.Context, o *OutboxRecord) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saved = append(r.saved, o)
	return nil
}

func (r *fakeRepository) FindDispatchable(context.Context, int, int) ([]*OutboxRecord, error) {
	return nil, nil
}

func (r *fakeRepository) Claim(context.Context, ClaimParams) ([]*OutboxRecord, error) {
	return nil, nil
}

func (r *fakeRepository) MarkSent(context.Context, uint64, uuid.UUID, time.Time) error {
	return nil
}

func (r *fakeRepository) MarkFailed(context.Context, uint64, uuid.UUID, string) (int, error) {
	return 0, nil
}

func (r *fakeRepository) ReleaseClaims(context.Context, uuid.UUID) error {
	return nil
}

func (r *fakeRepository) FindDeadLetters(_ context.Context, maxRetries int, _ int) ([]*OutboxRecord, error) {
	r.deadMaxRetries = maxRetries
	return r.dead, nil
}

func (r *fakeRepository) PurgeSent(_ context.Context, before time.Time, batchSize int) (int64, error) {
	r.purgeBefore, r.purgeBatch = before, batchSize
	if r.purgeErr != nil {
		return 0, r.purgeErr
	}
	return r.purged, nil
}

func (r *fakeRepository) CountByStatus(context.Context) (map[Status]int64, error) {
	return r.counts, nil
}
