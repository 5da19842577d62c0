package gtbx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubsExpirationAfter is the inactivity period after which a dispatcher
// subscription can be taken over by another dispatcher.
const SubsExpirationAfter = time.Second * 30

// Repository manages outbox records persistent operations.
type Repository interface {

	// Save persists an outbox record in the configured external storage.
	// This operation should be called inside an existing business transaction
	// provided in the context.
	Save(ctx context.Context, o *OutboxRecord) error

	// AcquireLock gets a lease on the outbox table using optimistic locking.
	// The lease expires after ttl even if it is never released.
	AcquireLock(ctx context.Context, dispatcherId uuid.UUID, ttl time.Duration) (bool, error)

	// ReleaseLock releases a lease on the outbox table.
	ReleaseLock(ctx context.Context, dispatcherId uuid.UUID) error

	// FindUnpublished returns up to limit records that are not published yet
	// and whose next attempt is due at now, oldest first.
	FindUnpublished(ctx context.Context, now time.Time, limit int) ([]*OutboxRecord, error)

	// MarkPublished sets the published timestamp and clears the last error.
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkFailed stores the error, increments the retry counter by one and
	// postpones the record until nextAttemptAt.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time) error

	// SubscribeDispatcher tries to create a dispatcher subscription taking into
	// account the maximum allowed dispatchers.
	SubscribeDispatcher(ctx context.Context, dispatcherId uuid.UUID, maxDispatchers int) (subscribed bool, subscription int, err error)

	// UpdateSubscription updates the dispatcher subscription to prevent potential
	// thefts by other dispatchers.
	UpdateSubscription(ctx context.Context, dispatcherId uuid.UUID) (updated bool, err error)
}
