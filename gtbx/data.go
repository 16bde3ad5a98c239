package gtbx

import (
	"time"
)

// Status is the delivery state of an outbox record.
type Status string

const (
	StatusPending Status = "PENDING" // written, not delivered yet
	StatusSent    Status = "SENT"    // delivered to the message bus
	StatusFailed  Status = "FAILED"  // last attempt failed, retryable until RetryCount reaches the limit
)

// IsValid reports whether s is part of the outbox lifecycle.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	default:
		return false
	}
}

// Event contains high level information about a domain event and should be
// provided by the clients.
type Event struct {
	EventType string         // the event type (e.g. "USER_CREATED")
	BizId     string         // the business entity the event concerns, used as partition key
	Data      map[string]any // event specific fields, "metadata" is reserved
	Metadata  map[string]any // free form metadata attached to the payload
}

// OutboxRecord contains all the information stored in the underlying outbox
// table.
type OutboxRecord struct {
	Id            uint64
	AggregateType string // e.g. "user"
	AggregateId   string // the business id, used as partition key
	EventType     string
	Topic         string
	Payload       []byte // serialized Envelope, never mutated after insert
	Status        Status
	RetryCount    int
	ErrorMessage  string
	CreatedAt     time.Time
	SentAt        *time.Time
}

// IsDeadLetter reports whether the record exhausted its retry budget.
func (o *OutboxRecord) IsDeadLetter(maxRetries int) bool {
	return o.Status == StatusFailed && o.RetryCount >= maxRetries
}

// IsDispatchable reports whether the record is eligible for a delivery attempt.
func (o *OutboxRecord) IsDispatchable(maxRetries int) bool {
	return o.Status == StatusPending || (o.Status == StatusFailed && o.RetryCount < maxRetries)
}
