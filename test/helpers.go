package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

// OutboxColumns are the outbox columns the backends map to a record.
var OutboxColumns = []string{"id", "aggregate_type", "aggregate_id", "event_type", "payload",
	"created_at", "published_at", "last_error", "retry_count", "next_attempt_at"}

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

func Ptr[T any](v T) *T {
	return &v
}

// MigrationFiles returns the up migrations in the order they must be applied.
func MigrationFiles() []string {
	root, _ := find.Repo()
	return []string{
		filepath.Join(root.Path, "sql/postgres/000001_outbox.up.sql"),
		filepath.Join(root.Path, "sql/postgres/000002_events.up.sql"),
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(MigrationFiles()...),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

// Mocked rows carry identifiers as strings, which is what database/sql
// drivers hand to uuid.UUID.Scan.
func MockUnlockedOutboxLock(mock sqlmock.Sqlmock, dispatcherId uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}).
		AddRow(1, false, nil, nil, nil, 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

func MockLockedOutboxLock(mock sqlmock.Sqlmock, dispatcherId uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}).
		AddRow(1, true, dispatcherId.String(), time.Now(), time.Now().Add(time.Minute), 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

func MockOutboxRows(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows(OutboxColumns).
		AddRow(uuid.NewString(), "Event", uuid.NewString(), "eventhub.domain.InvitationSent", []byte("{}"), time.Now(), nil, nil, 0, nil).
		AddRow(uuid.NewString(), "Event", uuid.NewString(), "eventhub.domain.EventCancelled", []byte("{}"), time.Now(), nil, "boom", 2, time.Now()).
		AddRow(uuid.NewString(), "Event", uuid.NewString(), "eventhub.domain.InvitationResponded", []byte("{}"), time.Now(), nil, nil, 0, nil)
	mock.ExpectQuery("SELECT (.+) FROM outbox WHERE (.+)").WillReturnRows(rows)
	return rows
}

func MockSubscriptionRowsWithOneExpired(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "dispatcher_id", "alive_at", "version"}).
		AddRow(1, uuid.NewString(), time.Now(), 1).
		AddRow(2, uuid.NewString(), time.Now(), 1).
		AddRow(3, uuid.NewString(), time.Now().Add(time.Minute*-1), 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_dispatcher_subscription ORDER BY id ASC").WillReturnRows(rows)
	return rows
}

func MockSubscriptionRowsAllActive(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "dispatcher_id", "alive_at", "version"}).
		AddRow(1, uuid.NewString(), time.Now(), 1).
		AddRow(2, uuid.NewString(), time.Now(), 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_dispatcher_subscription ORDER BY id ASC").WillReturnRows(rows)
	return rows
}
