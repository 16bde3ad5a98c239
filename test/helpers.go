package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

// OutboxColumns are the columns returned by the outbox selection queries.
var OutboxColumns = []string{"id", "aggregate_type", "aggregate_id", "event_type", "topic", "payload",
	"status", "retry_count", "error_message", "created_at", "sent_at"}

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_outbox.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

// OutboxRow builds a PENDING row, created at the given time, for MockOutboxRows.
func OutboxRow(id int64, createdAt time.Time) []driver.Value {
	return []driver.Value{id, "user", "1", "USER_CREATED", "auth.user.created.v1", []byte(`{}`), "PENDING", 0, nil, createdAt, nil}
}

// MockOutboxRows expects a query matching the given expression and makes it
// return the provided rows.
func MockOutboxRows(mock sqlmock.Sqlmock, query string, values ...[]driver.Value) *sqlmock.ExpectedQuery {
	rows := sqlmock.NewRows(OutboxColumns)
	for _, v := range values {
		rows.AddRow(v...)
	}
	return mock.ExpectQuery(query).WillReturnRows(rows)
}
