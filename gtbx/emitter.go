package gtbx

import "context"

// Emitter defines the contract for emitters of outbox records.
type Emitter interface {
	// Emit sends the outbox record to a message broker and returns once the
	// broker acknowledged it. Implementations must use the record Id as the
	// deduplication key and the EventType as the routing key. A context
	// deadline bounds the whole attempt.
	Emit(ctx context.Context, o *OutboxRecord) error
}
