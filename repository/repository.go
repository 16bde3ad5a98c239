// Package repository holds what the Postgres backends (pgxv5, sql and gorm)
// share: the outbox statements and the mapping of a table row.
package repository

import (
	"database/sql"
	"sort"
	"time"

	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
)

// OutboxColumns lists the columns of an outbox record, in scan order.
const OutboxColumns = "id, aggregate_type, aggregate_id, event_type, topic, payload, status, retry_count, error_message, created_at, sent_at"

const dispatchablePredicate = "(status = 'PENDING' OR (status = 'FAILED' AND retry_count < $1))"

// Placeholders in every statement appear in increasing order, so they can be
// rewritten to "?" for gorm.
const (
	InsertOutboxSql = "INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, topic, payload, status, retry_count, created_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)"

	FindDispatchableSql = "SELECT " + OutboxColumns + " FROM outbox WHERE " + dispatchablePredicate +
		" ORDER BY created_at ASC, id ASC LIMIT $2"

	// ClaimSql leases dispatchable rows that are not leased by a live
	// dispatcher. Rows locked by a concurrent claim are skipped.
	ClaimSql = "UPDATE outbox SET claimed_by = $1, claimed_until = $2 WHERE id IN (" +
		"SELECT id FROM outbox WHERE (status = 'PENDING' OR (status = 'FAILED' AND retry_count < $3))" +
		" AND (claimed_until IS NULL OR claimed_until < $4)" +
		" ORDER BY created_at ASC, id ASC LIMIT $5 FOR UPDATE SKIP LOCKED)" +
		" RETURNING " + OutboxColumns

	MarkSentSql = "UPDATE outbox SET status = 'SENT', sent_at = $1, error_message = NULL, claimed_by = NULL, claimed_until = NULL " +
		"WHERE id = $2 AND claimed_by = $3"

	MarkFailedSql = "UPDATE outbox SET status = 'FAILED', retry_count = retry_count + 1, error_message = $1, claimed_by = NULL, claimed_until = NULL " +
		"WHERE id = $2 AND claimed_by = $3 RETURNING retry_count"

	ReleaseClaimsSql = "UPDATE outbox SET claimed_by = NULL, claimed_until = NULL WHERE claimed_by = $1"

	FindDeadLettersSql = "SELECT " + OutboxColumns + " FROM outbox WHERE status = 'FAILED' AND retry_count >= $1" +
		" ORDER BY created_at ASC, id ASC LIMIT $2"

	PurgeSentSql = "DELETE FROM outbox WHERE id IN (" +
		"SELECT id FROM outbox WHERE status = 'SENT' AND sent_at < $1 ORDER BY sent_at ASC LIMIT $2)"

	CountByStatusSql = "SELECT status, COUNT(*) FROM outbox GROUP BY status"
)

// Row is the scan target of an outbox row.
type Row struct {
	Id            int64
	AggregateType string
	AggregateId   string
	EventType     string
	Topic         string
	Payload       []byte
	Status        string
	RetryCount    int
	ErrorMessage  sql.NullString
	CreatedAt     time.Time
	SentAt        sql.NullTime
}

// ScanTargets returns the pointers to pass to Scan, matching OutboxColumns.
func (r *Row) ScanTargets() []any {
	return []any{&r.Id, &r.AggregateType, &r.AggregateId, &r.EventType, &r.Topic, &r.Payload,
		&r.Status, &r.RetryCount, &r.ErrorMessage, &r.CreatedAt, &r.SentAt}
}

func (r *Row) ToRecord() *gtbx.OutboxRecord {
	o := &gtbx.OutboxRecord{
		Id:            uint64(r.Id),
		AggregateType: r.AggregateType,
		AggregateId:   r.AggregateId,
		EventType:     r.EventType,
		Topic:         r.Topic,
		Payload:       r.Payload,
		Status:        gtbx.Status(r.Status),
		RetryCount:    r.RetryCount,
		ErrorMessage:  r.ErrorMessage.String,
		CreatedAt:     r.CreatedAt,
	}
	if r.SentAt.Valid {
		t := r.SentAt.Time
		o.SentAt = &t
	}
	return o
}

// InsertArgs returns the arguments of InsertOutboxSql. Snowflake ids use 63
// bits so they are stored as BIGINT.
func InsertArgs(o *gtbx.OutboxRecord) []any {
	status := o.Status
	if status == "" {
		status = gtbx.StatusPending
	}
	return []any{int64(o.Id), o.AggregateType, o.AggregateId, o.EventType, o.Topic, o.Payload,
		string(status), o.RetryCount, o.CreatedAt}
}

// ClaimArgs returns the arguments of ClaimSql.
func ClaimArgs(p gtbx.ClaimParams) []any {
	return []any{p.DispatcherId, p.LeaseUntil, p.MaxRetries, p.Now, p.Limit}
}

// SortByCreation restores the dispatch order, which RETURNING does not keep.
func SortByCreation(records []*gtbx.OutboxRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].Id < records[j].Id
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
