// Package memory implements gtbx.Repository on top of a map. Records saved in
// a Tx only become visible on Commit, which makes it a faithful stand-in for
// the Postgres backends in tests and demos.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	"github.com/google/uuid"
)

var ErrTxDone = errors.New("the transaction has already been committed or rolled back")

type entry struct {
	record       gtbx.OutboxRecord
	claimedBy    uuid.UUID
	claimedUntil time.Time
}

type Repository struct {
	txKey   gtbx.TxKey
	mu      sync.Mutex
	entries map[uint64]*entry
	logger  gtbx.Logger
}

var _ gtbx.Loggable = (*Repository)(nil)
var _ gtbx.Repository = (*Repository)(nil)

func New(txKey gtbx.TxKey) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	return &Repository{
		txKey:   txKey,
		entries: make(map[uint64]*entry),
		logger:  &gtbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l gtbx.Logger) {
	r.logger = l
}

// Tx buffers the records saved within a business transaction.
type Tx struct {
	repo    *Repository
	mu      sync.Mutex
	pending []gtbx.OutboxRecord
	done    bool
}

// Begin starts a transaction. Put it in the context under the repository
// txKey before calling Save.
func (r *Repository) Begin() *Tx {
	return &Tx{repo: r}
}

// Commit publishes the buffered records atomically.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	for _, o := range tx.pending {
		if _, ok := tx.repo.entries[o.Id]; ok {
			return fmt.Errorf("duplicate outbox record %d", o.Id)
		}
	}
	for _, o := range tx.pending {
		tx.repo.entries[o.Id] = &entry{record: o}
	}
	return nil
}

// Rollback discards the buffered records.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.pending = nil
	return nil
}

// Save buffers the record in the transaction found in the context.
func (r *Repository) Save(ctx context.Context, o *gtbx.OutboxRecord) error {
	tx, ok := ctx.Value(r.txKey).(*Tx)
	if !ok || tx == nil {
		return fmt.Errorf("%w: a *memory.Tx transaction was expected", gtbx.ErrTxRequired)
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	rec := *o
	if rec.Status == "" {
		rec.Status = gtbx.StatusPending
	}
	rec.Payload = append([]byte(nil), o.Payload...)
	tx.pending = append(tx.pending, rec)
	return nil
}

// FindDispatchable returns the records eligible for delivery, oldest first.
func (r *Repository) FindDispatchable(_ context.Context, maxRetries int, limit int) ([]*gtbx.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectLocked(limit, func(e *entry) bool {
		return e.record.IsDispatchable(maxRetries)
	}), nil
}

// Claim leases up to p.Limit dispatchable records whose lease is free or
// expired.
func (r *Repository) Claim(_ context.Context, p gtbx.ClaimParams) ([]*gtbx.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	claimed := r.selectLocked(p.Limit, func(e *entry) bool {
		return e.record.IsDispatchable(p.MaxRetries) && (e.claimedUntil.IsZero() || e.claimedUntil.Before(p.Now))
	})
	for _, o := range claimed {
		e := r.entries[o.Id]
		e.claimedBy = p.DispatcherId
		e.claimedUntil = p.LeaseUntil
	}
	return claimed, nil
}

// MarkSent moves a record leased by the dispatcher to SENT.
func (r *Repository) MarkSent(_ context.Context, id uint64, dispatcherId uuid.UUID, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.claimedLocked(id, dispatcherId)
	if err != nil {
		return fmt.Errorf("marking record %d as sent: %w", id, err)
	}
	e.record.Status = gtbx.StatusSent
	e.record.SentAt = &sentAt
	e.record.ErrorMessage = ""
	e.claimedBy, e.claimedUntil = uuid.Nil, time.Time{}
	return nil
}

// MarkFailed moves a record leased by the dispatcher to FAILED and returns
// its new retry count.
func (r *Repository) MarkFailed(_ context.Context, id uint64, dispatcherId uuid.UUID, errMsg string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.claimedLocked(id, dispatcherId)
	if err != nil {
		return 0, fmt.Errorf("marking record %d as failed: %w", id, err)
	}
	e.record.Status = gtbx.StatusFailed
	e.record.RetryCount++
	e.record.ErrorMessage = errMsg
	e.claimedBy, e.claimedUntil = uuid.Nil, time.Time{}
	return e.record.RetryCount, nil
}

// ReleaseClaims drops every lease held by the dispatcher.
func (r *Repository) ReleaseClaims(_ context.Context, dispatcherId uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	released := 0
	for _, e := range r.entries {
		if e.claimedBy == dispatcherId {
			e.claimedBy, e.claimedUntil = uuid.Nil, time.Time{}
			released++
		}
	}
	r.logger.Debug(fmt.Sprintf("%d claims released by %s", released, dispatcherId.String()))
	return nil
}

// FindDeadLetters returns the records that exhausted their retries.
func (r *Repository) FindDeadLetters(_ context.Context, maxRetries int, limit int) ([]*gtbx.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectLocked(limit, func(e *entry) bool {
		return e.record.IsDeadLetter(maxRetries)
	}), nil
}

// PurgeSent deletes SENT records delivered before the given time.
func (r *Repository) PurgeSent(_ context.Context, before time.Time, _ int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, e := range r.entries {
		if e.record.Status == gtbx.StatusSent && e.record.SentAt != nil && e.record.SentAt.Before(before) {
			delete(r.entries, id)
			n++
		}
	}
	return n, nil
}

// CountByStatus returns the number of records per status.
func (r *Repository) CountByStatus(_ context.Context) (map[gtbx.Status]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[gtbx.Status]int64)
	for _, e := range r.entries {
		result[e.record.Status]++
	}
	return result, nil
}

// Get returns a copy of a committed record.
func (r *Repository) Get(id uint64) (*gtbx.OutboxRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return copyRecord(&e.record), true
}

// Len returns the number of committed records.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Repository) claimedLocked(id uint64, dispatcherId uuid.UUID) (*entry, error) {
	e, ok := r.entries[id]
	if !ok || e.claimedBy != dispatcherId {
		return nil, gtbx.ErrClaimLost
	}
	return e, nil
}

// selectLocked returns copies of the matching records ordered by creation
// time then id.
func (r *Repository) selectLocked(limit int, match func(*entry) bool) []*gtbx.OutboxRecord {
	var selected []*entry
	for _, e := range r.entries {
		if match(e) {
			selected = append(selected, e)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		a, b := selected[i].record, selected[j].record
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.Id < b.Id
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}
	if len(selected) == 0 {
		return nil
	}
	records := make([]*gtbx.OutboxRecord, 0, len(selected))
	for _, e := range selected {
		records = append(records, copyRecord(&e.record))
	}
	return records
}

func copyRecord(o *gtbx.OutboxRecord) *gtbx.OutboxRecord {
	c := *o
	c.Payload = append([]byte(nil), o.Payload...)
	if o.SentAt != nil {
		t := *o.SentAt
		c.SentAt = &t
	}
	return &c
}
