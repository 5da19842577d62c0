package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/3rs4lg4d0/eventhub/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
)

const (
	eventColumns      = "id, title, description, date_time, location, capacity, status, organizer_id, created_at, updated_at, version"
	invitationColumns = "id, event_id, participant_email, status, sent_at, responded_at, token_hash, token_expires_at"
	outboxColumns     = "id, aggregate_type, aggregate_id, event_type, payload, created_at, published_at, last_error, retry_count, next_attempt_at"

	getEventSql             = "SELECT " + eventColumns + " FROM events WHERE id=$1"
	getEventsByOrganizerSql = "SELECT " + eventColumns + " FROM events WHERE organizer_id=$1 ORDER BY date_time DESC"
	getInvitationsSql       = "SELECT " + invitationColumns + " FROM invitations WHERE event_id=$1 ORDER BY position ASC"
	getInvitationEventSql   = "SELECT event_id FROM invitations WHERE id=$1"
	insertEventSql          = "INSERT INTO events (" + eventColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)"
	updateEventSql          = "UPDATE events SET title=$1, description=$2, date_time=$3, location=$4, capacity=$5, status=$6, updated_at=$7, version=version+1 WHERE id=$8 AND version=$9"
	upsertInvitationSql     = "INSERT INTO invitations (" + invitationColumns + ", position) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) " +
		"ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, responded_at=EXCLUDED.responded_at, token_hash=EXCLUDED.token_hash, token_expires_at=EXCLUDED.token_expires_at"

	insertOutboxSql              = "INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)"
	getUnpublishedSql            = "SELECT " + outboxColumns + " FROM outbox WHERE published_at IS NULL AND (next_attempt_at IS NULL OR next_attempt_at <= $1) ORDER BY created_at ASC, seq ASC LIMIT $2"
	markPublishedSql             = "UPDATE outbox SET published_at=$1, last_error=NULL WHERE id=$2"
	markFailedSql                = "UPDATE outbox SET last_error=$1, retry_count=retry_count+1, next_attempt_at=$2 WHERE id=$3"
	getOutboxLockRowSql          = "SELECT id, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE id=1"
	acquireLockSql               = "UPDATE outbox_lock SET locked=true, locked_by=$1, locked_at=$2, locked_until=$3, version=version+1 WHERE id=1 AND version=$4"
	releaseLockSql               = "UPDATE outbox_lock SET locked=false, locked_by=NULL, locked_at=NULL, locked_until=NULL, version=version+1 WHERE id=1 AND locked_by=$1"
	getSubscriptionsSql          = "SELECT id, dispatcher_id, alive_at, version FROM outbox_dispatcher_subscription ORDER BY id ASC"
	subscribeDispatcherInsertSql = "INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at, version) VALUES ($1, $2, $3, 1)"
	subscribeDispatcherUpdateSql = "UPDATE outbox_dispatcher_subscription SET dispatcher_id=$1, alive_at=$2, version=version+1 WHERE id=$3 AND version=$4"
	updateSubscriptionSql        = "UPDATE outbox_dispatcher_subscription SET alive_at=$1 WHERE dispatcher_id=$2"
)

const uniqueViolation = "23505"

// querier is what pgxpool.Pool and pgx.Tx have in common.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Repository struct {
	txKey  gtbx.TxKey
	db     dbpool
	clock  clockwork.Clock
	logger gtbx.Logger
}

var _ gtbx.Loggable = (*Repository)(nil)
var _ repository.Store = (*Repository)(nil)

type opt func(r *Repository)

// WithClock replaces the wall clock used for lock leases and subscriptions.
func WithClock(c clockwork.Clock) opt {
	return func(r *Repository) {
		if c != nil {
			r.clock = c
		}
	}
}

func New(txKey gtbx.TxKey, pool dbpool, options ...opt) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	r := &Repository{
		txKey:  txKey,
		db:     pool,
		clock:  clockwork.NewRealClock(),
		logger: &gtbx.NopLogger{},
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l gtbx.Logger) {
	r.logger = l
}

// WithinTransaction begins a pgx transaction, stores it in the context under
// the configured key and commits it when fn succeeds. A transaction already
// present in the context is reused.
func (r *Repository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := r.tx(ctx); ok {
		return fn(ctx)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			r.logger.Error("could not roll back the transaction", err)
		}
	}()
	if err := fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}
	return nil
}

func (r *Repository) tx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	return tx, ok && tx != nil
}

// q returns the transaction in the context or the pool.
func (r *Repository) q(ctx context.Context) querier {
	if tx, ok := r.tx(ctx); ok {
		return tx
	}
	return r.db
}

func (r *Repository) Load(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	var row eventRow
	err := r.q(ctx).QueryRow(ctx, getEventSql, id).Scan(row.fields()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, domain.ErrEventNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not load the event %s: %w", id, err)
	}
	invitations, err := r.loadInvitations(ctx, id)
	if err != nil {
		return nil, err
	}
	return domain.Rehydrate(row.snapshot(invitations)), nil
}

func (r *Repository) LoadByInvitation(ctx context.Context, invitationID uuid.UUID) (*domain.Event, error) {
	var eventID uuid.UUID
	err := r.q(ctx).QueryRow(ctx, getInvitationEventSql, invitationID).Scan(&eventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("invitation %s: %w", invitationID, domain.ErrInvitationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not find the invitation %s: %w", invitationID, err)
	}
	return r.Load(ctx, eventID)
}

func (r *Repository) ListByOrganizer(ctx context.Context, organizerID string) ([]*domain.Event, error) {
	rows, err := r.q(ctx).Query(ctx, getEventsByOrganizerSql, organizerID)
	if err != nil {
		return nil, err
	}
	var eventRows []eventRow
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(row.fields()...); err != nil {
			rows.Close()
			return nil, err
		}
		eventRows = append(eventRows, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.Event, 0, len(eventRows))
	for _, row := range eventRows {
		invitations, err := r.loadInvitations(ctx, row.id)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Rehydrate(row.snapshot(invitations)))
	}
	return out, nil
}

func (r *Repository) loadInvitations(ctx context.Context, eventID uuid.UUID) ([]domain.InvitationSnapshot, error) {
	rows, err := r.q(ctx).Query(ctx, getInvitationsSql, eventID)
	if err != nil {
		return nil, fmt.Errorf("could not load the invitations of %s: %w", eventID, err)
	}
	defer rows.Close()

	var out []domain.InvitationSnapshot
	for rows.Next() {
		var row invitationRow
		if err := rows.Scan(row.fields()...); err != nil {
			return nil, err
		}
		out = append(out, row.snapshot())
	}
	return out, rows.Err()
}

// Insert stores a new event and its invitations. It must run inside a
// transaction.
func (r *Repository) Insert(ctx context.Context, e *domain.Event) (int64, error) {
	tx, ok := r.tx(ctx)
	if !ok {
		return 0, errors.New("a pgx transaction was expected")
	}
	s := e.Snapshot()
	_, err := tx.Exec(ctx, insertEventSql, s.ID, s.Title, s.Description, s.DateTime, s.Location, s.Capacity,
		string(s.Status), s.OrganizerID, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return 0, storeError(s.ID, err)
	}
	if err := r.saveInvitations(ctx, tx, s); err != nil {
		return 0, err
	}
	return 1, nil
}

// Update stores the event only if nobody changed it since it was loaded.
func (r *Repository) Update(ctx context.Context, e *domain.Event) (int64, error) {
	tx, ok := r.tx(ctx)
	if !ok {
		return 0, errors.New("a pgx transaction was expected")
	}
	s := e.Snapshot()
	ct, err := tx.Exec(ctx, updateEventSql, s.Title, s.Description, s.DateTime, s.Location, s.Capacity,
		string(s.Status), s.UpdatedAt, s.ID, s.Version)
	if err != nil {
		return 0, storeError(s.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return 0, fmt.Errorf("event %s at version %d: %w", s.ID, s.Version, repository.ErrConcurrencyConflict)
	}
	if err := r.saveInvitations(ctx, tx, s); err != nil {
		return 0, err
	}
	return s.Version + 1, nil
}

// saveInvitations upserts in aggregate order so that a cancelled invitation
// is stored before its replacement.
func (r *Repository) saveInvitations(ctx context.Context, tx pgx.Tx, s domain.EventSnapshot) error {
	for pos, i := range s.Invitations {
		_, err := tx.Exec(ctx, upsertInvitationSql, i.ID, s.ID, i.ParticipantEmail, string(i.Status), i.SentAt,
			i.RespondedAt, i.TokenHash, i.TokenExpiresAt, pos)
		if err != nil {
			return storeError(s.ID, err)
		}
	}
	return nil
}

func storeError(id uuid.UUID, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("event %s: %s: %w", id, pgErr.ConstraintName, repository.ErrConcurrencyConflict)
	}
	return fmt.Errorf("could not store the event %s: %w", id, err)
}

// Save persists an outbox record in the same provided business transaction
// that should be present in the context. The expected transaction should
// implement pgx.Tx interface.
func (r *Repository) Save(ctx context.Context, o *gtbx.OutboxRecord) error {
	tx, ok := r.tx(ctx)
	if !ok {
		return errors.New("a pgx transaction was expected")
	}
	_, err := tx.Exec(ctx, insertOutboxSql, o.Id, o.AggregateType, o.AggregateId, o.EventType, o.Payload, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}
	return nil
}

func (r *Repository) FindUnpublished(ctx context.Context, now time.Time, limit int) ([]*gtbx.OutboxRecord, error) {
	rows, err := r.db.Query(ctx, getUnpublishedSql, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ors []*gtbx.OutboxRecord
	for rows.Next() {
		var or gtbx.OutboxRecord
		err := rows.Scan(&or.Id, &or.AggregateType, &or.AggregateId, &or.EventType, &or.Payload, &or.CreatedAt,
			&or.PublishedAt, &or.LastError, &or.RetryCount, &or.NextAttemptAt)
		if err != nil {
			return nil, err
		}
		ors = append(ors, &or)
	}
	return ors, rows.Err()
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.mark(ctx, markPublishedSql, id, at, id)
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time) error {
	return r.mark(ctx, markFailedSql, id, reason, nextAttemptAt, id)
}

func (r *Repository) mark(ctx context.Context, sql string, id uuid.UUID, args ...any) error {
	ct, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("could not update the outbox record %s: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("outbox record %s not found", id)
	}
	return nil
}

// AcquireLock obtains a lease on the 'outbox' table through the auxiliary
// table 'outbox_lock' using optimistic locking. An expired lease is taken
// over.
func (r *Repository) AcquireLock(ctx context.Context, dispatcherId uuid.UUID, ttl time.Duration) (bool, error) {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return false, err
	}
	now := r.clock.Now()
	if lock.heldAt(now) {
		return false, nil
	}
	ct, err := r.db.Exec(ctx, acquireLockSql, dispatcherId, now, now.Add(ttl), lock.version)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		r.logger.Debug("race condition detected during the optimistic locking")
		return false, nil
	}
	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", dispatcherId))
	return true, nil
}

// ReleaseLock releases the lease acquired by the specified dispatcher.
func (r *Repository) ReleaseLock(ctx context.Context, dispatcherId uuid.UUID) error {
	ct, err := r.db.Exec(ctx, releaseLockSql, dispatcherId)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("unexpected lock status: the lock should be locked by %s", dispatcherId)
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", dispatcherId))
	return nil
}

// SubscribeDispatcher tries to subscribe a dispatcher in the 'outbox_dispatcher_subscription'
// table taking into account the max number of allowed dispatchers. If the subscription is successful
// the function returns the assigned subscription to the caller.
func (r *Repository) SubscribeDispatcher(ctx context.Context, dispatcherId uuid.UUID, maxDispatchers int) (bool, int, error) {
	rows, err := r.db.Query(ctx, getSubscriptionsSql)
	if err != nil {
		return false, 0, err
	}
	var dss []dispatcherSubscription
	for rows.Next() {
		var ds dispatcherSubscription
		if err := rows.Scan(&ds.id, &ds.dispatcherId, &ds.aliveAt, &ds.version); err != nil {
			rows.Close()
			return false, 0, err
		}
		dss = append(dss, ds)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, 0, err
	}

	now := r.clock.Now()
	subscriptionId, ds := allocateSubscription(dss, now)
	if subscriptionId > maxDispatchers {
		r.logger.Debug("unable to subscribe due to maximum number of dispatchers reached")
		return false, 0, nil
	}
	if ds != nil {
		ct, err := r.db.Exec(ctx, subscribeDispatcherUpdateSql, dispatcherId, now, ds.id, ds.version)
		if err != nil {
			return false, 0, err
		}
		if ct.RowsAffected() == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		_, err := r.db.Exec(ctx, subscribeDispatcherInsertSql, subscriptionId, dispatcherId, now)
		if err != nil {
			return false, 0, err
		}
	}
	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (r *Repository) UpdateSubscription(ctx context.Context, dispatcherId uuid.UUID) (bool, error) {
	ct, err := r.db.Exec(ctx, updateSubscriptionSql, r.clock.Now(), dispatcherId)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		r.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherId))
		return false, nil
	}
	return true, nil
}

// allocateSubscription reuses the first expired subscription or allocates
// the next identifier.
func allocateSubscription(dss []dispatcherSubscription, now time.Time) (int, *dispatcherSubscription) {
	for _, ds := range dss {
		if ds.aliveAt.Add(gtbx.SubsExpirationAfter).Before(now) {
			return ds.id, &ds
		}
	}
	return len(dss) + 1, nil
}

func (r *Repository) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	var lock outboxLock
	err := r.db.QueryRow(ctx, getOutboxLockRowSql).
		Scan(&lock.id, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, fmt.Errorf("could not read the outbox lock: %w", err)
	}
	return &lock, nil
}
