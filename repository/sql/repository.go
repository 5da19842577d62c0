package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/3rs4lg4d0/eventhub/repository"
	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
)

const raNotSupported string = "RowsAffected not supported"

const uniqueViolation = "23505"

var (
	eventColumns = []string{"id", "title", "description", "date_time", "location", "capacity",
		"status", "organizer_id", "created_at", "updated_at", "version"}
	invitationColumns = []string{"id", "event_id", "participant_email", "status", "sent_at",
		"responded_at", "token_hash", "token_expires_at"}
	outboxColumns = []string{"id", "aggregate_type", "aggregate_id", "event_type", "payload",
		"created_at", "published_at", "last_error", "retry_count", "next_attempt_at"}
)

// querier is what sql.DB and sql.Tx have in common.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	txKey  gtbx.TxKey
	db     *sql.DB
	sb     sq.StatementBuilderType
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

// New creates a repository on top of database/sql. Statements are generated
// with '?' placeholders unless useDollar is set, in which case the Postgres
// '$n' style is used.
func New(txKey gtbx.TxKey, db *sql.DB, useDollar bool, options ...opt) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}

	var format sq.PlaceholderFormat = sq.Question
	if useDollar {
		format = sq.Dollar
	}
	r := &Repository{
		txKey:  txKey,
		db:     db,
		sb:     sq.StatementBuilder.PlaceholderFormat(format),
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

// WithinTransaction begins an *sql.Tx, stores it in the context under the
// configured key and commits it when fn succeeds. A transaction already
// present in the context is reused.
func (r *Repository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := r.tx(ctx); ok {
		return fn(ctx)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.logger.Error("could not roll back the transaction", err)
		}
	}()
	if err := fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}
	return nil
}

func (r *Repository) tx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	return tx, ok && tx != nil
}

func (r *Repository) q(ctx context.Context) querier {
	if tx, ok := r.tx(ctx); ok {
		return tx
	}
	return r.db
}

func (r *Repository) Load(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	query, args, err := r.sb.Select(eventColumns...).From("events").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	var row eventRow
	err = r.q(ctx).QueryRowContext(ctx, query, args...).Scan(row.fields()...)
	if errors.Is(err, sql.ErrNoRows) {
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
	query, args, err := r.sb.Select("event_id").From("invitations").Where(sq.Eq{"id": invitationID}).ToSql()
	if err != nil {
		return nil, err
	}
	var eventID uuid.UUID
	err = r.q(ctx).QueryRowContext(ctx, query, args...).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invitation %s: %w", invitationID, domain.ErrInvitationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not find the invitation %s: %w", invitationID, err)
	}
	return r.Load(ctx, eventID)
}

func (r *Repository) ListByOrganizer(ctx context.Context, organizerID string) ([]*domain.Event, error) {
	query, args, err := r.sb.Select(eventColumns...).From("events").
		Where(sq.Eq{"organizer_id": organizerID}).
		OrderBy("date_time DESC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q(ctx).QueryContext(ctx, query, args...)
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
	query, args, err := r.sb.Select(invitationColumns...).From("invitations").
		Where(sq.Eq{"event_id": eventID}).
		OrderBy("position ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q(ctx).QueryContext(ctx, query, args...)
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
		return 0, errors.New("an *sql.Tx transaction was expected")
	}
	s := e.Snapshot()
	query, args, err := r.sb.Insert("events").Columns(eventColumns...).
		Values(s.ID, s.Title, s.Description, s.DateTime, s.Location, s.Capacity,
			string(s.Status), s.OrganizerID, s.CreatedAt, s.UpdatedAt, 1).
		ToSql()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
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
		return 0, errors.New("an *sql.Tx transaction was expected")
	}
	s := e.Snapshot()
	query, args, err := r.sb.Update("events").
		Set("title", s.Title).
		Set("description", s.Description).
		Set("date_time", s.DateTime).
		Set("location", s.Location).
		Set("capacity", s.Capacity).
		Set("status", string(s.Status)).
		Set("updated_at", s.UpdatedAt).
		Set("version", sq.Expr("version+1")).
		Where(sq.Eq{"id": s.ID, "version": s.Version}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storeError(s.ID, err)
	}
	ra, err := rowsAffected(res)
	if err != nil {
		return 0, err
	}
	if ra == 0 {
		return 0, fmt.Errorf("event %s at version %d: %w", s.ID, s.Version, repository.ErrConcurrencyConflict)
	}
	if err := r.saveInvitations(ctx, tx, s); err != nil {
		return 0, err
	}
	return s.Version + 1, nil
}

// saveInvitations upserts in aggregate order so that a cancelled invitation
// is stored before its replacement.
func (r *Repository) saveInvitations(ctx context.Context, tx *sql.Tx, s domain.EventSnapshot) error {
	for pos, i := range s.Invitations {
		query, args, err := r.sb.Insert("invitations").Columns(append(invitationColumns, "position")...).
			Values(i.ID, s.ID, i.ParticipantEmail, string(i.Status), i.SentAt,
				i.RespondedAt, i.TokenHash, i.TokenExpiresAt, pos).
			Suffix("ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, responded_at=EXCLUDED.responded_at, " +
				"token_hash=EXCLUDED.token_hash, token_expires_at=EXCLUDED.token_expires_at").
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
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

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of sql.Tx.
func (r *Repository) Save(ctx context.Context, o *gtbx.OutboxRecord) error {
	tx, ok := r.tx(ctx)
	if !ok {
		return errors.New("an *sql.Tx transaction was expected")
	}
	query, args, err := r.sb.Insert("outbox").
		Columns("id", "aggregate_type", "aggregate_id", "event_type", "payload", "created_at").
		Values(o.Id, o.AggregateType, o.AggregateId, o.EventType, o.Payload, o.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}
	return nil
}

func (r *Repository) FindUnpublished(ctx context.Context, now time.Time, limit int) ([]*gtbx.OutboxRecord, error) {
	query, args, err := r.sb.Select(outboxColumns...).From("outbox").
		Where(sq.And{
			sq.Eq{"published_at": nil},
			sq.Or{sq.Eq{"next_attempt_at": nil}, sq.LtOrEq{"next_attempt_at": now}},
		}).
		OrderBy("created_at ASC", "seq ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
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
	return r.mark(ctx, id, r.sb.Update("outbox").
		Set("published_at", at).
		Set("last_error", nil))
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time) error {
	return r.mark(ctx, id, r.sb.Update("outbox").
		Set("last_error", reason).
		Set("retry_count", sq.Expr("retry_count+1")).
		Set("next_attempt_at", nextAttemptAt))
}

func (r *Repository) mark(ctx context.Context, id uuid.UUID, b sq.UpdateBuilder) error {
	query, args, err := b.Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("could not update the outbox record %s: %w", id, err)
	}
	ra, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if ra == 0 {
		return fmt.Errorf("outbox record %s not found", id)
	}
	return nil
}

// AcquireLock obtains a lease on the 'outbox' table by employing a database lock
// strategy through the use of the auxiliary table 'outbox_lock'. An expired
// lease is taken over.
func (r *Repository) AcquireLock(ctx context.Context, dispatcherId uuid.UUID, ttl time.Duration) (bool, error) {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return false, err
	}
	now := r.clock.Now()
	if lock.heldAt(now) {
		return false, nil
	}
	query, args, err := r.sb.Update("outbox_lock").
		Set("locked", true).
		Set("locked_by", dispatcherId).
		Set("locked_at", now).
		Set("locked_until", now.Add(ttl)).
		Set("version", lock.version+1).
		Where(sq.Eq{"id": 1, "version": lock.version}).
		ToSql()
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	ra, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	if ra == 0 {
		r.logger.Debug("race condition detected during the optimistic locking")
		return false, nil
	}
	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", dispatcherId))
	return true, nil
}

// ReleaseLock releases the lease on the 'outbox' table that was acquired by
// the specified dispatcher.
func (r *Repository) ReleaseLock(ctx context.Context, dispatcherId uuid.UUID) error {
	query, args, err := r.sb.Update("outbox_lock").
		Set("locked", false).
		Set("locked_by", nil).
		Set("locked_at", nil).
		Set("locked_until", nil).
		Set("version", sq.Expr("version+1")).
		Where(sq.Eq{"id": 1, "locked_by": dispatcherId}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	ra, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if ra == 0 {
		return fmt.Errorf("unexpected lock status: the lock should be locked by %s", dispatcherId)
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", dispatcherId))
	return nil
}

// SubscribeDispatcher tries to subscribe a dispatcher in the 'outbox_dispatcher_subscription'
// table taking into account the max number of allowed dispatchers. If the subscription is successful
// the function returns the assigned subscription to the caller.
func (r *Repository) SubscribeDispatcher(ctx context.Context, dispatcherId uuid.UUID, maxDispatchers int) (bool, int, error) {
	dss, err := r.getSubscriptions(ctx)
	if err != nil {
		return false, 0, err
	}

	now := r.clock.Now()
	subscriptionId, ds := allocateSubscription(dss, now)
	if subscriptionId > maxDispatchers {
		r.logger.Debug("unable to subscribe due to maximum number of dispatchers reached")
		return false, 0, nil
	}

	if ds != nil {
		query, args, err := r.sb.Update("outbox_dispatcher_subscription").
			Set("dispatcher_id", dispatcherId).
			Set("alive_at", now).
			Set("version", ds.version+1).
			Where(sq.Eq{"id": ds.id, "version": ds.version}).
			ToSql()
		if err != nil {
			return false, 0, err
		}
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return false, 0, err
		}
		ra, err := rowsAffected(res)
		if err != nil {
			return false, 0, err
		}
		if ra == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		query, args, err := r.sb.Insert("outbox_dispatcher_subscription").
			Columns("id", "dispatcher_id", "alive_at", "version").
			Values(subscriptionId, dispatcherId, now, 1).
			ToSql()
		if err != nil {
			return false, 0, err
		}
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return false, 0, err
		}
	}
	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (r *Repository) UpdateSubscription(ctx context.Context, dispatcherId uuid.UUID) (bool, error) {
	query, args, err := r.sb.Update("outbox_dispatcher_subscription").
		Set("alive_at", r.clock.Now()).
		Where(sq.Eq{"dispatcher_id": dispatcherId}).
		ToSql()
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	ra, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	if ra == 0 {
		r.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherId))
		return false, nil
	}
	return true, nil
}

func (r *Repository) getSubscriptions(ctx context.Context) ([]dispatcherSubscription, error) {
	query, args, err := r.sb.Select("id", "dispatcher_id", "alive_at", "version").
		From("outbox_dispatcher_subscription").
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dss []dispatcherSubscription
	for rows.Next() {
		var ds dispatcherSubscription
		if err := rows.Scan(&ds.id, &ds.dispatcherId, &ds.aliveAt, &ds.version); err != nil {
			return nil, err
		}
		dss = append(dss, ds)
	}
	return dss, rows.Err()
}

// allocateSubscription reuses the first expired subscription or allocates
// the next identifier.
func allocateSubscription(dss []dispatcherSubscription, now time.Time) (int, *dispatcherSubscription) {
	for _, ds := range dss {
		if ds.aliveAt.Time.Add(gtbx.SubsExpirationAfter).Before(now) {
			return ds.id, &ds
		}
	}
	return len(dss) + 1, nil
}

func (r *Repository) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	query, args, err := r.sb.Select("id", "locked", "locked_by", "locked_at", "locked_until", "version").
		From("outbox_lock").
		Where("id=1").
		ToSql()
	if err != nil {
		return nil, err
	}
	var lock outboxLock
	err = r.db.QueryRowContext(ctx, query, args...).
		Scan(&lock.id, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, fmt.Errorf("could not read the outbox lock: %w", err)
	}
	return &lock, nil
}

func rowsAffected(res sql.Result) (int64, error) {
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, errors.New(raNotSupported)
	}
	return ra, nil
}
