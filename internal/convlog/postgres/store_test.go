package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/visiontalk/internal/convlog"
	"github.com/MrWong99/visiontalk/internal/convlog/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VISIONTALK_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VISIONTALK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VISIONTALK_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS conversation_items`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_AppendListUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if _, err := s.List(ctx, "c1"); !errors.Is(err, convlog.ErrNotFound) {
		t.Errorf("List on empty table err = %v", err)
	}

	for _, e := range []convlog.Entry{
		{ConversationID: "c1", ItemID: "i1", Role: "user", Text: "what is this", Status: "completed", Timestamp: now},
		{ConversationID: "c1", ItemID: "i2", Role: "assistant", Text: "a", Status: "in_progress", Timestamp: now},
		{ConversationID: "c1", ItemID: "i2", Role: "assistant", Text: "a mug", Status: "completed", Timestamp: now},
	} {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.List(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ItemID != "i1" || got[1].Text != "a mug" {
		t.Errorf("entries = %+v", got)
	}
	if !got[0].Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", got[0].Timestamp, now)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestNewStore_BadDSN(t *testing.T) {
	t.Parallel()
	if _, err := postgres.NewStore(context.Background(), "://not-a-dsn"); err == nil {
		t.Error("expected error for invalid DSN")
	}
}
