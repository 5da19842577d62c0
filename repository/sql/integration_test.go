//go:build integration

package sql

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/3rs4lg4d0/eventhub/repository"
	"github.com/3rs4lg4d0/eventhub/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	db   *sql.DB
	repo *Repository
)

// TestMain runs these tests against a real containerized Postgres instance.
func TestMain(m *testing.M) {
	ctx := context.Background()
	database, err := test.InitPostgresContainer(ctx)
	if err != nil {
		fmt.Printf("A problem occurred initializing the database: %v", err)
		os.Exit(1)
	}
	dsn, err := database.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Printf("A problem occurred getting the connection string: %v", err)
		os.Exit(1)
	}
	db, err = sql.Open("pgx", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	repo = New(test.DefaultCtxKey, db, true)
	code := m.Run()

	db.Close()
	if err := database.Terminate(ctx); err != nil {
		fmt.Printf("an error ocurred terminating the database container: %v", err)
	}
	os.Exit(code)
}

func cleanup(t *testing.T) {
	t.Helper()
	for _, table := range []string{"invitations", "events", "outbox", "outbox_dispatcher_subscription"} {
		_, err := db.ExecContext(context.Background(), "DELETE FROM "+table)
		require.NoError(t, err)
	}
	_, err := db.ExecContext(context.Background(), "UPDATE outbox_lock SET locked=false, locked_by=NULL, locked_at=NULL, locked_until=NULL")
	require.NoError(t, err)
}

func TestEventRoundTrip(t *testing.T) {
	cleanup(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	e, err := domain.Create(domain.Details{Title: "Conf", DateTime: now.Add(time.Hour), Capacity: test.Ptr(2)}, "org", now)
	require.NoError(t, err)
	require.NoError(t, e.Publish(now))
	first, _, err := e.AddInvitation(domain.InvitationParams{Email: "a@example.com", TokenHash: "h1", ExpiresAt: now.Add(time.Hour)}, now)
	require.NoError(t, err)

	err = repo.WithinTransaction(ctx, func(ctx context.Context) error {
		v, err := repo.Insert(ctx, e)
		e.MarkPersisted(v)
		return err
	})
	require.NoError(t, err)

	loaded, err := repo.LoadByInvitation(ctx, first.ID())
	require.NoError(t, err)
	assert.Equal(t, e.Snapshot(), loaded.Snapshot())

	// cancel the invitation and invite the same address again in one save
	require.NoError(t, loaded.CancelInvitation(first.ID(), now))
	_, _, err = loaded.AddInvitation(domain.InvitationParams{Email: "A@example.com", TokenHash: "h2", ExpiresAt: now.Add(time.Hour)}, now)
	require.NoError(t, err)
	err = repo.WithinTransaction(ctx, func(ctx context.Context) error {
		v, err := repo.Update(ctx, loaded)
		loaded.MarkPersisted(v)
		return err
	})
	require.NoError(t, err)

	again, err := repo.Load(ctx, e.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version())
	invitations := again.Invitations()
	require.Len(t, invitations, 2)
	assert.Equal(t, domain.InvitationCancelled, invitations[0].Status())
	assert.Equal(t, domain.InvitationPending, invitations[1].Status())

	// a stale copy loses
	err = repo.WithinTransaction(ctx, func(ctx context.Context) error {
		_, err := repo.Update(ctx, e)
		return err
	})
	assert.ErrorIs(t, err, repository.ErrConcurrencyConflict)

	list, err := repo.ListByOrganizer(ctx, "org")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].PendingCount())
}

func TestOutbox(t *testing.T) {
	cleanup(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	records := []*gtbx.OutboxRecord{
		{Outbox: gtbx.Outbox{AggregateType: "Event", AggregateId: "1", EventType: domain.InvitationSentType, Payload: []byte("{}")}, Id: uuid.New(), CreatedAt: now},
		{Outbox: gtbx.Outbox{AggregateType: "Event", AggregateId: "1", EventType: domain.EventCancelledType, Payload: []byte("{}")}, Id: uuid.New(), CreatedAt: now.Add(time.Millisecond)},
	}
	err := repo.WithinTransaction(ctx, func(ctx context.Context) error {
		for _, r := range records {
			if err := repo.Save(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	found, err := repo.FindUnpublished(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, records[0].Id, found[0].Id)

	require.NoError(t, repo.MarkPublished(ctx, records[0].Id, now))
	require.NoError(t, repo.MarkFailed(ctx, records[1].Id, "boom", now.Add(time.Minute)))

	found, err = repo.FindUnpublished(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = repo.FindUnpublished(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 1, found[0].RetryCount)
	assert.Equal(t, "boom", *found[0].LastError)
	assert.Nil(t, found[0].PublishedAt)
}

func TestLockAndSubscriptions(t *testing.T) {
	cleanup(t)
	ctx := context.Background()
	d1, d2 := uuid.New(), uuid.New()

	ok, err := repo.AcquireLock(ctx, d1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.AcquireLock(ctx, d2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Error(t, repo.ReleaseLock(ctx, d2))
	assert.NoError(t, repo.ReleaseLock(ctx, d1))

	subscribed, n, err := repo.SubscribeDispatcher(ctx, d1, 1)
	require.NoError(t, err)
	assert.True(t, subscribed)
	assert.Equal(t, 1, n)
	subscribed, _, err = repo.SubscribeDispatcher(ctx, d2, 1)
	require.NoError(t, err)
	assert.False(t, subscribed)

	updated, err := repo.UpdateSubscription(ctx, d1)
	require.NoError(t, err)
	assert.True(t, updated)
}
