package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/mailsvc/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	pg, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() {
		if err := pg.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: now, Service: "web_interface", PID: 12345, Status: "running"}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: now, Service: "web_interface", PID: 12345, Status: "stopped"}))

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM service_history WHERE service = $1", "web_interface").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
