//go:build integration

package consumer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/retention/internal/events"
)

func TestEngagementHandlerStoresEvent(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	handler := NewEngagementHandler(pool)

	tenantID := uuid.NewString()
	recorded := events.EngagementRecorded{
		EventID:     uuid.NewString(),
		TenantID:    tenantID,
		MemberID:    uuid.NewString(),
		Kind:        "class",
		OccurredAt:  time.Now().UTC().Truncate(time.Microsecond),
		DurationMin: 60,
	}
	payload, err := json.Marshal(recorded)
	require.NoError(t, err)

	msg := Message{
		EventType:     "engagement.recorded",
		TenantID:      tenantID,
		SchemaID:      42,
		SchemaSubject: "engagement_events-value",
		Topic:         "engagement_events",
		Offset:        5,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}

	require.NoError(t, handler.Handle(ctx, msg))

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM engagement_events WHERE event_id=$1`, recorded.EventID).Scan(&count))
	require.Equal(t, 1, count)

	// replays are absorbed by the event ID conflict
	require.NoError(t, handler.Handle(ctx, msg))
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM engagement_events WHERE event_id=$1`, recorded.EventID).Scan(&count))
	require.Equal(t, 1, count)
}

func TestEngagementHandlerRejectsMissingIdentifiers(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	handler := NewEngagementHandler(pool)

	msg := Message{
		EventType: "engagement.recorded",
		Payload:   json.RawMessage(`{"kind":"visit"}`),
	}

	require.Error(t, handler.Handle(ctx, msg))
}

func setupPostgres(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("retention"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = pg.Terminate(ctx)
	}
	return pool, cleanup
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	t.Helper()

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	migrationsDir := resolvePath(t, "../../db/postgres/migrations")
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "expected at least one migration .up.sql file")

	sort.Strings(files)

	for _, file := range files {
		contents, readErr := os.ReadFile(file)
		require.NoErrorf(t, readErr, "read migration %s", file)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoErrorf(t, execErr, "execute migration %s", file)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
