package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB attempts to connect to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	pgUser := os.Getenv("PGUSER")
	pgPassword := os.Getenv("PGPASSWORD")
	pgHost := os.Getenv("PGHOST")
	pgPort := os.Getenv("PGPORT")
	pgDB := os.Getenv("PGDATABASE")

	if pgUser == "" {
		pgUser = "user"
	}
	if pgPassword == "" {
		pgPassword = "password"
	}
	if pgHost == "" {
		pgHost = "localhost"
	}
	if pgPort == "" {
		pgPort = "5432"
	}
	if pgDB == "" {
		pgDB = "testdb"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort, pgUser, pgPassword, pgDB)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSONB NOT NULL,
			metadata JSONB,
			version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (aggregate_id, version)
		);
	`)
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return db
}

type testEvent struct {
	Message string `json:"message"`
}

func mustEvent(t testing.TB, eventType, msg string) Event {
	t.Helper()
	e, err := NewEvent(eventType, testEvent{Message: msg}, map[string]any{"source": "test"})
	require.NoError(t, err)
	return e
}

// storeContract runs the behaviour both implementations share.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	agg := uuid.NewString()

	require.NoError(t, store.AppendEvents(ctx, agg, "item", 0, []Event{
		mustEvent(t, "request", "first"),
		mustEvent(t, "checkout", "second"),
	}))

	version, err := store.GetCurrentVersion(ctx, agg)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	err = store.AppendEvents(ctx, agg, "item", 1, []Event{mustEvent(t, "checkin", "stale")})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	err = store.AppendEvents(ctx, agg, "item", -2, nil)
	assert.ErrorIs(t, err, ErrInvalidVersion)

	require.NoError(t, store.AppendEvents(ctx, agg, "item", AnyVersion, []Event{mustEvent(t, "checkin", "third")}))

	events, err := store.LoadEvents(ctx, agg, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, i+1, e.Version)
		assert.Equal(t, agg, e.AggregateID)
		assert.Equal(t, "item", e.AggregateType)
	}
	var payload testEvent
	require.NoError(t, events[1].Decode(&payload))
	assert.Equal(t, "second", payload.Message)
	assert.Equal(t, "test", events[0].Metadata["source"])

	bounded, err := store.LoadEvents(ctx, agg, 2, 2)
	require.NoError(t, err)
	require.Len(t, bounded, 1)
	assert.Equal(t, "checkout", bounded[0].EventType)

	batch, err := store.StreamEvents(ctx, events[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Greater(t, batch[0].ID, events[0].ID)
}

func TestMemory(t *testing.T) {
	storeContract(t, NewMemory())
}

func TestMemory_StreamAcrossAggregates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AppendEvents(ctx, "a", "item", 0, []Event{mustEvent(t, "request", "a1")}))
	require.NoError(t, m.AppendEvents(ctx, "b", "item", 0, []Event{mustEvent(t, "request", "b1")}))
	require.NoError(t, m.AppendEvents(ctx, "a", "item", 1, []Event{mustEvent(t, "checkout", "a2")}))

	all, err := m.StreamEvents(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "a"}, []string{all[0].AggregateID, all[1].AggregateID, all[2].AggregateID})
}

func TestEventStore_Postgres(t *testing.T) {
	db := setupTestDB(t)
	storeContract(t, NewEventStore(db))
}

func TestEventStore_AppendEventsTxRollsBackWithCaller(t *testing.T) {
	db := setupTestDB(t)
	store := NewEventStore(db)
	ctx := context.Background()
	agg := uuid.NewString()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendEventsTx(ctx, tx, agg, "item", 0, []Event{mustEvent(t, "request", "x")}))
	require.NoError(t, tx.Rollback())

	version, err := store.GetCurrentVersion(ctx, agg)
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}

func BenchmarkAppendEvents(b *testing.B) {
	db := setupTestDB(b)
	store := NewEventStore(db)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		aggregateID := uuid.NewString()
		events := []Event{mustEvent(b, "request", fmt.Sprintf("event %d", i))}
		b.StartTimer()

		if err := store.AppendEvents(context.Background(), aggregateID, "item", 0, events); err != nil {
			b.Fatalf("AppendEvents failed: %v", err)
		}
	}
}
