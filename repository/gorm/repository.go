package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/3rs4lg4d0/eventhub/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	getSubscriptionsSql          = "SELECT id, dispatcher_id, alive_at, version FROM outbox_dispatcher_subscription ORDER BY id ASC"
	getOutboxLockRowSql          = "SELECT id, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE id=1"
	subscribeDispatcherInsertSql = "INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at, version) VALUES (?, ?, ?, 1)"
	subscribeDispatcherUpdateSql = "UPDATE outbox_dispatcher_subscription SET dispatcher_id=?, alive_at=?, version=? WHERE id=? AND version=?"
	acquireLockSql               = "UPDATE outbox_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?"
	releaseLockSql               = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null, version=version+1 WHERE id=1 AND locked_by=?"
	updateSubscriptionSql        = "UPDATE outbox_dispatcher_subscription SET alive_at=? WHERE dispatcher_id=?"
)

const uniqueViolation = "23505"

type Repository struct {
	txKey  gtbx.TxKey
	db     *gorm.DB
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

func New(txKey gtbx.TxKey, db *gorm.DB, options ...opt) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	r := &Repository{
		txKey:  txKey,
		db:     db,
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

// WithinTransaction runs fn inside a gorm transaction that is stored in the
// context under the configured key. A transaction already present in the
// context is reused.
func (r *Repository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := r.tx(ctx); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, r.txKey, tx))
	})
}

func (r *Repository) tx(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	return tx, ok && tx != nil
}

// q returns the transaction in the context or the base connection.
func (r *Repository) q(ctx context.Context) *gorm.DB {
	if tx, ok := r.tx(ctx); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

func (r *Repository) Load(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	var m eventModel
	err := r.q(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("event %s: %w", id, domain.ErrEventNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not load the event %s: %w", id, err)
	}
	var invitations []invitationModel
	if err := r.q(ctx).Where("event_id = ?", id).Order("position ASC").Find(&invitations).Error; err != nil {
		return nil, fmt.Errorf("could not load the invitations of %s: %w", id, err)
	}
	return domain.Rehydrate(m.snapshot(invitations)), nil
}

func (r *Repository) LoadByInvitation(ctx context.Context, invitationID uuid.UUID) (*domain.Event, error) {
	var m invitationModel
	err := r.q(ctx).Select("event_id").Where("id = ?", invitationID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("invitation %s: %w", invitationID, domain.ErrInvitationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not find the invitation %s: %w", invitationID, err)
	}
	return r.Load(ctx, m.EventID)
}

func (r *Repository) ListByOrganizer(ctx context.Context, organizerID string) ([]*domain.Event, error) {
	var ms []eventModel
	if err := r.q(ctx).Where("organizer_id = ?", organizerID).Order("date_time DESC").Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.Event, 0, len(ms))
	for _, m := range ms {
		var invitations []invitationModel
		if err := r.q(ctx).Where("event_id = ?", m.ID).Order("position ASC").Find(&invitations).Error; err != nil {
			return nil, fmt.Errorf("could not load the invitations of %s: %w", m.ID, err)
		}
		out = append(out, domain.Rehydrate(m.snapshot(invitations)))
	}
	return out, nil
}

// Insert stores a new event and its invitations. It must run inside a
// transaction.
func (r *Repository) Insert(ctx context.Context, e *domain.Event) (int64, error) {
	tx, ok := r.tx(ctx)
	if !ok {
		return 0, errors.New("a *gorm.DB transaction was expected")
	}
	s := e.Snapshot()
	if err := tx.WithContext(ctx).Create(newEventModel(s)).Error; err != nil {
		return 0, storeError(s.ID, err)
	}
	if err := saveInvitations(tx.WithContext(ctx), s); err != nil {
		return 0, err
	}
	return 1, nil
}

// Update stores the event only if nobody changed it since it was loaded.
func (r *Repository) Update(ctx context.Context, e *domain.Event) (int64, error) {
	tx, ok := r.tx(ctx)
	if !ok {
		return 0, errors.New("a *gorm.DB transaction was expected")
	}
	s := e.Snapshot()
	res := tx.WithContext(ctx).Model(&eventModel{}).
		Where("id = ? AND version = ?", s.ID, s.Version).
		Updates(map[string]any{
			"title":       s.Title,
			"description": s.Description,
			"date_time":   s.DateTime,
			"location":    s.Location,
			"capacity":    s.Capacity,
			"status":      string(s.Status),
			"updated_at":  s.UpdatedAt,
			"version":     gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return 0, storeError(s.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("event %s at version %d: %w", s.ID, s.Version, repository.ErrConcurrencyConflict)
	}
	if err := saveInvitations(tx.WithContext(ctx), s); err != nil {
		return 0, err
	}
	return s.Version + 1, nil
}

// saveInvitations upserts one row at a time in aggregate order so that a
// cancelled invitation is stored before its replacement.
func saveInvitations(tx *gorm.DB, s domain.EventSnapshot) error {
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "responded_at", "token_hash", "token_expires_at"}),
	}
	for pos, i := range s.Invitations {
		if err := tx.Clauses(upsert).Create(newInvitationModel(s.ID, pos, i)).Error; err != nil {
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
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("event %s: %w", id, repository.ErrConcurrencyConflict)
	}
	return fmt.Errorf("could not store the event %s: %w", id, err)
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of gorm.DB.
func (r *Repository) Save(ctx context.Context, o *gtbx.OutboxRecord) error {
	tx, ok := r.tx(ctx)
	if !ok {
		return errors.New("a *gorm.DB transaction was expected")
	}
	m := &outboxModel{
		ID:            o.Id,
		AggregateType: o.AggregateType,
		AggregateID:   o.AggregateId,
		EventType:     o.EventType,
		Payload:       o.Payload,
		CreatedAt:     o.CreatedAt,
	}
	if err := tx.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}
	return nil
}

func (r *Repository) FindUnpublished(ctx context.Context, now time.Time, limit int) ([]*gtbx.OutboxRecord, error) {
	var ms []outboxModel
	err := r.db.WithContext(ctx).
		Where("published_at IS NULL AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
		Order("created_at ASC, seq ASC").
		Limit(limit).
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	ors := make([]*gtbx.OutboxRecord, 0, len(ms))
	for i := range ms {
		ors = append(ors, ms[i].record())
	}
	return ors, nil
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.mark(ctx, id, map[string]any{
		"published_at": at,
		"last_error":   nil,
	})
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time) error {
	return r.mark(ctx, id, map[string]any{
		"last_error":      reason,
		"retry_count":     gorm.Expr("retry_count + 1"),
		"next_attempt_at": nextAttemptAt,
	})
}

func (r *Repository) mark(ctx context.Context, id uuid.UUID, values map[string]any) error {
	res := r.db.WithContext(ctx).Model(&outboxModel{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("could not update the outbox record %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
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
	res := r.db.WithContext(ctx).Exec(acquireLockSql, dispatcherId, now, now.Add(ttl), lock.Version+1, lock.Version)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		r.logger.Debug("race condition detected during the optimistic locking")
		return false, nil
	}

	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", dispatcherId.String()))
	return true, nil
}

// ReleaseLock releases the lease on the 'outbox' table that was acquired by
// the specified dispatcher.
func (r *Repository) ReleaseLock(ctx context.Context, dispatcherId uuid.UUID) error {
	res := r.db.WithContext(ctx).Exec(releaseLockSql, dispatcherId)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("unexpected lock status: the lock should be locked by %s", dispatcherId)
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", dispatcherId.String()))
	return nil
}

// SubscribeDispatcher tries to subscribe a dispatcher in the 'outbox_dispatcher_subscription'
// table taking into account the max number of allowed dispatchers. If the subscription is successful
// the function returns the assigned subscription to the caller.
func (r *Repository) SubscribeDispatcher(ctx context.Context, dispatcherId uuid.UUID, maxDispatchers int) (bool, int, error) {
	rows, err := r.db.WithContext(ctx).Raw(getSubscriptionsSql).Rows()
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	var dss []dispatcherSubscription
	for rows.Next() {
		var ds dispatcherSubscription
		err := rows.Scan(&ds.ID, &ds.DispatcherId, &ds.AliveAt, &ds.Version)
		if err != nil {
			return false, 0, err
		}
		dss = append(dss, ds)
	}
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
		res := r.db.WithContext(ctx).Exec(subscribeDispatcherUpdateSql, dispatcherId, now, ds.Version+1, ds.ID, ds.Version)
		if res.Error != nil {
			return false, 0, res.Error
		}
		if res.RowsAffected == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		res := r.db.WithContext(ctx).Exec(subscribeDispatcherInsertSql, subscriptionId, dispatcherId, now)
		if res.Error != nil {
			return false, 0, res.Error
		}
	}

	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (r *Repository) UpdateSubscription(ctx context.Context, dispatcherId uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Exec(updateSubscriptionSql, r.clock.Now(), dispatcherId)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		r.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherId.String()))
		return false, nil
	}
	return true, nil
}

// allocateSubscription analyzes the current subscriptions and determines the next
// subscription identifier that can be used for a new dispatcher. If there is an
// expired subscription (determined by AliveAt) it is reused instead of allocating
// a new subscription entry in the 'outbox_dispatcher_subscription' table.
func allocateSubscription(dss []dispatcherSubscription, now time.Time) (int, *dispatcherSubscription) {
	for _, ds := range dss {
		if ds.AliveAt.Time.Add(gtbx.SubsExpirationAfter).Before(now) {
			return ds.ID, &ds
		}
	}
	return len(dss) + 1, nil
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (r *Repository) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	var lock outboxLock
	res := r.db.WithContext(ctx).Raw(getOutboxLockRowSql).Scan(&lock)
	if res.Error != nil {
		return nil, fmt.Errorf("could not read the outbox lock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errors.New("could not read the outbox lock: row not found")
	}
	return &lock, nil
}
