package gtbx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// subscriptionRefreshInterval keeps 'alive_at' well below SubsExpirationAfter.
const subscriptionRefreshInterval = SubsExpirationAfter / 3

type dispatcher struct {
	id         uuid.UUID
	settings   Settings
	logger     Logger
	emitter    Emitter
	repository Repository
	clock      clockwork.Clock
	successCtr Counter
	errorCtr   Counter
}

// launchDispatcher starts a subscription loop to attempt the registration of a new dispatcher
// within the 'outbox_dispatcher_subscription'. Only subscribed dispatchers can deliver
// outbox entries to the configured emitter. The function also ensures the consistent updating
// of the "alive_at" column to avoid losing the dispatcher subscription. It returns when ctx
// is done and the dispatcher loop has finished its batch.
func (d *dispatcher) launchDispatcher(ctx context.Context) {
	ticker := d.clock.NewTicker(subscriptionRefreshInterval)
	defer ticker.Stop()

	var (
		stopLoop context.CancelFunc
		loopDone chan struct{}
	)
	stop := func() {
		stopLoop()
		<-loopDone
		stopLoop = nil
	}
	defer func() {
		if stopLoop != nil {
			stop()
		}
	}()

	for {
		if stopLoop == nil {
			if success, subscription, err := d.repository.SubscribeDispatcher(ctx, d.id, d.settings.MaxDispatchers); success {
				d.logger.Debug(fmt.Sprintf("subscription '%d' assigned to dispatcher '%s'", subscription, d.id))
				var loopCtx context.Context
				loopCtx, stopLoop = context.WithCancel(ctx)
				loopDone = make(chan struct{})
				go func(done chan struct{}) {
					defer close(done)
					d.executeDispatcherLoop(loopCtx)
				}(loopDone)
			} else if err != nil {
				d.logger.Error(fmt.Sprintf("trying to subscribe dispatcher '%s'", d.id), err)
			}
		} else {
			updated, err := d.repository.UpdateSubscription(ctx, d.id)
			if err != nil {
				d.logger.Error("updating subscription", err)
			} else if !updated {
				d.logger.Error("subscription not updated", errors.New("stolen subscription"))
				stop()
			}
		}

		select {
		case <-ctx.Done():
			d.logger.Debug(fmt.Sprintf("dispatcher '%s' stopped", d.id))
			return
		case <-ticker.Chan():
		}
	}
}

// executeDispatcherLoop implements the main dispatcher loop.
func (d *dispatcher) executeDispatcherLoop(ctx context.Context) {
	ticker := d.clock.NewTicker(d.settings.PollingInterval)
	defer ticker.Stop()
	for {
		d.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// runOnce processes a single batch while holding the outbox lock.
func (d *dispatcher) runOnce(ctx context.Context) {
	acquired, err := d.repository.AcquireLock(ctx, d.id, d.settings.LockTTL)
	if err != nil {
		d.logger.Error("unable to get the lock", err)
		return
	}
	if !acquired {
		return
	}
	d.processOutbox(ctx, d.clock.Now().Add(d.settings.LockTTL))
	// the lease must be released even if ctx was cancelled mid batch
	if err := d.repository.ReleaseLock(context.WithoutCancel(ctx), d.id); err != nil {
		d.logger.Error("releasing the outbox lock", err)
	}
}

// processOutbox delivers the oldest due records one by one. A record is marked
// as published right after the broker acknowledged it, and a failing record is
// postponed without blocking the rest of the batch. It stops early when the
// lock lease could expire during the next publish attempt.
func (d *dispatcher) processOutbox(ctx context.Context, leaseUntil time.Time) {
	records, err := d.repository.FindUnpublished(ctx, d.clock.Now(), d.settings.MaxEventsPerBatch)
	if err != nil {
		d.logger.Error("when trying to get unpublished outbox records", err)
		return
	}
	if len(records) == 0 {
		return
	}
	d.logger.Debug(fmt.Sprintf("sending %d outbox records", len(records)))

	var delivered, failed int
	for _, o := range records {
		if ctx.Err() != nil {
			break
		}
		if d.clock.Now().Add(d.settings.PublishTimeout).After(leaseUntil) {
			d.logger.Warn("the outbox lock lease is about to expire, leaving the rest for the next polling")
			break
		}
		if d.deliver(ctx, o) {
			delivered++
		} else {
			failed++
		}
	}
	d.logger.Info(fmt.Sprintf("%d outbox records were successfully delivered (with %d failed) from a total of %d", delivered, failed, len(records)))
}

// deliver emits a single record and persists the outcome.
func (d *dispatcher) deliver(ctx context.Context, o *OutboxRecord) bool {
	emitCtx, cancel := context.WithTimeout(ctx, d.settings.PublishTimeout)
	err := d.emitter.Emit(emitCtx, o)
	cancel()

	if err != nil {
		d.errorCtr.Inc(1)
		d.logger.Error(fmt.Sprintf("delivery problem with outbox record '%s'", o.Id), err)
		next := d.clock.Now().Add(d.settings.backoff(o.RetryCount))
		if mErr := d.repository.MarkFailed(ctx, o.Id, err.Error(), next); mErr != nil {
			d.logger.Error(fmt.Sprintf("marking outbox record '%s' as failed", o.Id), mErr)
		}
		return false
	}

	d.successCtr.Inc(1)
	// if this fails the record is emitted again in the next polling and the
	// broker discards it by its id
	if err := d.repository.MarkPublished(ctx, o.Id, d.clock.Now()); err != nil {
		d.logger.Error(fmt.Sprintf("marking outbox record '%s' as published", o.Id), err)
	}
	return true
}
