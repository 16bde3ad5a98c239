package gtbx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClaimParams drives Repository.Claim.
type ClaimParams struct {
	DispatcherId uuid.UUID // owner of the lease
	MaxRetries   int       // FAILED records with RetryCount >= MaxRetries are dead letters
	Limit        int       // maximum number of records to claim
	Now          time.Time // leases that ended before Now can be taken over
	LeaseUntil   time.Time // end of the new lease
}

// Repository manages outbox records persistent operations.
type Repository interface {

	// Save persists an outbox record in the configured external storage.
	// This operation must be called inside an existing business transaction
	// provided in the context.
	Save(ctx context.Context, o *OutboxRecord) error

	// FindDispatchable returns the records eligible for delivery (PENDING, or
	// FAILED with RetryCount < maxRetries), oldest first.
	FindDispatchable(ctx context.Context, maxRetries int, limit int) ([]*OutboxRecord, error)

	// Claim leases up to Limit dispatchable records to a dispatcher, skipping
	// rows locked or leased by other dispatchers. The result is ordered by
	// creation time.
	Claim(ctx context.Context, p ClaimParams) ([]*OutboxRecord, error)

	// MarkSent moves a claimed record to SENT and drops the lease. It returns
	// ErrClaimLost when the record is no longer leased by the dispatcher.
	MarkSent(ctx context.Context, id uint64, dispatcherId uuid.UUID, sentAt time.Time) error

	// MarkFailed moves a claimed record to FAILED, increments its retry count
	// and drops the lease. It returns the new retry count, or ErrClaimLost.
	MarkFailed(ctx context.Context, id uint64, dispatcherId uuid.UUID, errMsg string) (int, error)

	// ReleaseClaims drops every lease held by the dispatcher.
	ReleaseClaims(ctx context.Context, dispatcherId uuid.UUID) error

	// FindDeadLetters returns FAILED records that exhausted their retries.
	FindDeadLetters(ctx context.Context, maxRetries int, limit int) ([]*OutboxRecord, error)

	// PurgeSent deletes, in batches, SENT records delivered before the given
	// time and returns how many were deleted.
	PurgeSent(ctx context.Context, before time.Time, batchSize int) (int64, error)

	// CountByStatus returns the number of records per status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
