package gtbx

import (
	"context"
)

// Emitter defines the contract for emitters of outbox records.
type Emitter interface {
	// Emit sends the record to the message bus and blocks until the bus
	// acknowledges it or the context is done. Implementations must not retry:
	// any error is reported back to the dispatcher, which owns the retry policy.
	Emit(ctx context.Context, o *OutboxRecord) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, o *OutboxRecord) error

func (f EmitterFunc) Emit(ctx context.Context, o *OutboxRecord) error {
	return f(ctx, o)
}
