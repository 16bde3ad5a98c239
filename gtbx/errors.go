package gtbx

import (
	"errors"
)

var (
	ErrUnmappedEventType    = errors.New("unmapped event type")
	ErrEventRequired        = errors.New("an event is required")
	ErrBizIdRequired        = errors.New("the event business id is required")
	ErrReservedDataKey      = errors.New("reserved event data key")
	ErrTxRequired           = errors.New("a transaction was expected in the context")
	ErrClaimLost            = errors.New("the record is not claimed by this dispatcher")
	ErrDispatcherDisabled   = errors.New("the dispatcher is disabled")
	ErrDispatcherRunning    = errors.New("the dispatcher is already running")
	ErrDispatcherNotRunning = errors.New("the dispatcher is not running")
)

const (
	maxErrorMessageLength = 500
	errorTruncatedSuffix  = "... (truncated)"
)

// TruncateErrorMessage bounds the length (in runes) of a failure reason before
// it is stored in the outbox table.
func TruncateErrorMessage(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxErrorMessageLength {
		return msg
	}
	return string(runes[:maxErrorMessageLength-len(errorTruncatedSuffix)]) + errorTruncatedSuffix
}
