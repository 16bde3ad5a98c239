package gorm

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	"github.com/3rs4lg4d0/gtbx-relay/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var dollarPlaceholder = regexp.MustCompile(`\$\d+`)

// gorm binds "?" placeholders and renders them back with the dialect syntax.
var (
	insertOutboxSql     = convertToQuestionPlaceholder(repository.InsertOutboxSql)
	findDispatchableSql = convertToQuestionPlaceholder(repository.FindDispatchableSql)
	claimSql            = convertToQuestionPlaceholder(repository.ClaimSql)
	markSentSql         = convertToQuestionPlaceholder(repository.MarkSentSql)
	markFailedSql       = convertToQuestionPlaceholder(repository.MarkFailedSql)
	releaseClaimsSql    = convertToQuestionPlaceholder(repository.ReleaseClaimsSql)
	findDeadLettersSql  = convertToQuestionPlaceholder(repository.FindDeadLettersSql)
	purgeSentSql        = convertToQuestionPlaceholder(repository.PurgeSentSql)
	countByStatusSql    = repository.CountByStatusSql
)

type statusCount struct {
	Status string
	Count  int64
}

type Repository struct {
	txKey  gtbx.TxKey
	db     *gorm.DB
	logger gtbx.Logger
}

var _ gtbx.Loggable = (*Repository)(nil)
var _ gtbx.Repository = (*Repository)(nil)

func New(txKey gtbx.TxKey, db *gorm.DB) *Repository {
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
// be a pointer to an instance of gorm.DB.
func (r *Repository) Save(ctx context.Context, o *gtbx.OutboxRecord) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok || tx == nil {
		return fmt.Errorf("%w: a *gorm.DB transaction was expected", gtbx.ErrTxRequired)
	}
	err := tx.WithContext(ctx).Exec(insertOutboxSql, repository.InsertArgs(o)...).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// FindDispatchable returns the records eligible for delivery, oldest first.
func (r *Repository) FindDispatchable(ctx context.Context, maxRetries int, limit int) ([]*gtbx.OutboxRecord, error) {
	return r.query(ctx, findDispatchableSql, maxRetries, limit)
}

// Claim leases a batch of dispatchable records to the dispatcher.
func (r *Repository) Claim(ctx context.Context, p gtbx.ClaimParams) ([]*gtbx.OutboxRecord, error) {
	records, err := r.query(ctx, claimSql, repository.ClaimArgs(p)...)
	if err != nil {
		return nil, fmt.Errorf("could not claim outbox records: %w", err)
	}
	repository.SortByCreation(records)
	return records, nil
}

// MarkSent moves a record leased by the dispatcher to SENT.
func (r *Repository) MarkSent(ctx context.Context, id uint64, dispatcherId uuid.UUID, sentAt time.Time) error {
	res := r.db.WithContext(ctx).Exec(markSentSql, sentAt, int64(id), dispatcherId)
	if res.Error != nil {
		return fmt.Errorf("could not mark record %d as sent: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("marking record %d as sent: %w", id, gtbx.ErrClaimLost)
	}
	return nil
}

// MarkFailed moves a record leased by the dispatcher to FAILED and returns
// its new retry count.
func (r *Repository) MarkFailed(ctx context.Context, id uint64, dispatcherId uuid.UUID, errMsg string) (int, error) {
	var retries int
	res := r.db.WithContext(ctx).Raw(markFailedSql, errMsg, int64(id), dispatcherId).Scan(&retries)
	if res.Error != nil {
		return 0, fmt.Errorf("could not mark record %d as failed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("marking record %d as failed: %w", id, gtbx.ErrClaimLost)
	}
	return retries, nil
}

// ReleaseClaims drops every lease held by the dispatcher.
func (r *Repository) ReleaseClaims(ctx context.Context, dispatcherId uuid.UUID) error {
	res := r.db.WithContext(ctx).Exec(releaseClaimsSql, dispatcherId)
	if res.Error != nil {
		return fmt.Errorf("could not release the claims: %w", res.Error)
	}
	r.logger.Debug(fmt.Sprintf("%d claims released by %s", res.RowsAffected, dispatcherId.String()))
	return nil
}

// FindDeadLetters returns the records that exhausted their retries.
func (r *Repository) FindDeadLetters(ctx context.Context, maxRetries int, limit int) ([]*gtbx.OutboxRecord, error) {
	return r.query(ctx, findDeadLettersSql, maxRetries, limit)
}

// PurgeSent deletes SENT records delivered before the given time in batches.
func (r *Repository) PurgeSent(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	var total int64
	for {
		res := r.db.WithContext(ctx).Exec(purgeSentSql, before, batchSize)
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
		if res.RowsAffected < int64(batchSize) {
			return total, nil
		}
	}
}

// CountByStatus returns the number of records per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[gtbx.Status]int64, error) {
	var counts []statusCount
	if err := r.db.WithContext(ctx).Raw(countByStatusSql).Scan(&counts).Error; err != nil {
		return nil, err
	}
	result := make(map[gtbx.Status]int64, len(counts))
	for _, c := range counts {
		result[gtbx.Status(c.Status)] = c.Count
	}
	return result, nil
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) ([]*gtbx.OutboxRecord, error) {
	var rows []repository.Row
	if err := r.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	records := make([]*gtbx.OutboxRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].ToRecord())
	}
	return records, nil
}

func convertToQuestionPlaceholder(sql string) string {
	return dollarPlaceholder.ReplaceAllString(sql, "?")
}
