package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	"github.com/3rs4lg4d0/gtbx-relay/repository"
	"github.com/google/uuid"
)

const raNotSupported string = "RowsAffected not supported"

// Repository stores the outbox in Postgres through database/sql. Any driver
// with $n placeholders works (pgx stdlib, lib/pq).
type Repository struct {
	txKey  gtbx.TxKey
	db     *sql.DB
	logger gtbx.Logger
}

var _ gtbx.Loggable = (*Repository)(nil)
var _ gtbx.Repository = (*Repository)(nil)

func New(txKey gtbx.TxKey, db *sql.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}

	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &gtbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l gtbx.Logger) {
	r.logger = l
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of sql.Tx.
func (r *Repository) Save(ctx context.Context, o *gtbx.OutboxRecord) error {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok || tx == nil {
		return fmt.Errorf("%w: an *sql.Tx transaction was expected", gtbx.ErrTxRequired)
	}
	_, err := tx.ExecContext(ctx, repository.InsertOutboxSql, repository.InsertArgs(o)...)
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// FindDispatchable returns the records eligible for delivery, oldest first.
func (r *Repository) FindDispatchable(ctx context.Context, maxRetries int, limit int) ([]*gtbx.OutboxRecord, error) {
	return r.query(ctx, repository.FindDispatchableSql, maxRetries, limit)
}

// Claim leases a batch of dispatchable records to the dispatcher.
func (r *Repository) Claim(ctx context.Context, p gtbx.ClaimParams) ([]*gtbx.OutboxRecord, error) {
	records, err := r.query(ctx, repository.ClaimSql, repository.ClaimArgs(p)...)
	if err != nil {
		return nil, fmt.Errorf("could not claim outbox records: %w", err)
	}
	repository.SortByCreation(records)
	return records, nil
}

// MarkSent moves a record leased by the dispatcher to SENT.
func (r *Repository) MarkSent(ctx context.Context, id uint64, dispatcherId uuid.UUID, sentAt time.Time) error {
	res, err := r.db.ExecContext(ctx, repository.MarkSentSql, sentAt, int64(id), dispatcherId)
	if err != nil {
		return fmt.Errorf("could not mark record %d as sent: %w", id, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		return fmt.Errorf("marking record %d as sent: %w", id, gtbx.ErrClaimLost)
	}
	return nil
}

// MarkFailed moves a record leased by the dispatcher to FAILED and returns
// its new retry count.
func (r *Repository) MarkFailed(ctx context.Context, id uint64, dispatcherId uuid.UUID, errMsg string) (int, error) {
	var retries int
	err := r.db.QueryRowContext(ctx, repository.MarkFailedSql, errMsg, int64(id), dispatcherId).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("marking record %d as failed: %w", id, gtbx.ErrClaimLost)
	}
	if err != nil {
		return 0, fmt.Errorf("could not mark record %d as failed: %w", id, err)
	}
	return retries, nil
}

// ReleaseClaims drops every lease held by the dispatcher.
func (r *Repository) ReleaseClaims(ctx context.Context, dispatcherId uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, repository.ReleaseClaimsSql, dispatcherId)
	if err != nil {
		return fmt.Errorf("could not release the claims: %w", err)
	}
	if ra, err := res.RowsAffected(); err == nil {
		r.logger.Debug(fmt.Sprintf("%d claims released by %s", ra, dispatcherId.String()))
	}
	return nil
}

// FindDeadLetters returns the records that exhausted their retries.
func (r *Repository) FindDeadLetters(ctx context.Context, maxRetries int, limit int) ([]*gtbx.OutboxRecord, error) {
	return r.query(ctx, repository.FindDeadLettersSql, maxRetries, limit)
}

// PurgeSent deletes SENT records delivered before the given time in batches.
func (r *Repository) PurgeSent(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	var total int64
	for {
		res, err := r.db.ExecContext(ctx, repository.PurgeSentSql, before, batchSize)
		if err != nil {
			return total, err
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return total, errors.New(raNotSupported)
		}
		total += ra
		if ra < int64(batchSize) {
			return total, nil
		}
	}
}

// CountByStatus returns the number of records per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[gtbx.Status]int64, error) {
	rows, err := r.db.QueryContext(ctx, repository.CountByStatusSql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[gtbx.Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[gtbx.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]*gtbx.OutboxRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*gtbx.OutboxRecord
	for rows.Next() {
		var row repository.Row
		if err := rows.Scan(row.ScanTargets()...); err != nil {
			return nil, err
		}
		records = append(records, row.ToRecord())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
