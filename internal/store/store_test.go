package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/contentforge/editor-lti/internal/db"
	"github.com/contentforge/editor-lti/internal/protoerr"
	"github.com/contentforge/editor-lti/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbh, err := db.Open(context.Background(), db.DriverSQLite,
		"file:"+filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = dbh.Close() })

	s := store.New(dbh, nil)
	s.RetryDelay = time.Millisecond
	return s
}

func insertEntity(t *testing.T, s *store.Store, customID string) {
	t.Helper()
	_, err := s.Mutate(context.Background(),
		`INSERT INTO lti_entity (custom_claim_id, id_token_on_creation) VALUES ($1, $2)`,
		customID, "{}")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func countEntities(t *testing.T, s *store.Store) int {
	t.Helper()
	var n int
	err := s.FetchOne(context.Background(), func(rows *sql.Rows) error {
		return rows.Scan(&n)
	}, `SELECT COUNT(*) FROM lti_entity`)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestFetchOptional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	found, err := s.FetchOptional(ctx, func(*sql.Rows) error { return nil },
		`SELECT id FROM lti_entity WHERE custom_claim_id = $1`, "missing")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if found {
		t.Fatal("expected no row")
	}

	insertEntity(t, s, "c1")
	var id int64
	found, err = s.FetchOptional(ctx, func(rows *sql.Rows) error {
		return rows.Scan(&id)
	}, `SELECT id FROM lti_entity WHERE custom_claim_id = $1`, "c1")
	if err != nil || !found {
		t.Fatalf("fetch: found=%v err=%v", found, err)
	}
	if id == 0 {
		t.Fatal("expected generated id")
	}
}

func TestFetchOneNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.FetchOne(context.Background(), func(*sql.Rows) error { return nil },
		`SELECT id FROM lti_entity WHERE custom_claim_id = $1`, "missing")
	if err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNestedTransactionRollbackKeepsOuterWork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	outer, err := s.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("begin outer: %v", err)
	}
	insertEntity(t, s, "outer")

	inner, err := s.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("begin inner: %v", err)
	}
	insertEntity(t, s, "inner")

	if err := inner.Rollback(ctx); err != nil {
		t.Fatalf("rollback inner: %v", err)
	}
	// The outer transaction keeps working after the nested rollback.
	insertEntity(t, s, "outer-after")
	if err := outer.Commit(ctx); err != nil {
		t.Fatalf("commit outer: %v", err)
	}

	if got := countEntities(t, s); got != 2 {
		t.Fatalf("expected both outer rows, got %d rows", got)
	}
}

func TestNestedCommitThenOuterRollbackDiscardsAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	outer, err := s.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("begin outer: %v", err)
	}
	inner, err := s.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("begin inner: %v", err)
	}
	insertEntity(t, s, "inner")
	if err := inner.Commit(ctx); err != nil {
		t.Fatalf("commit inner: %v", err)
	}
	if err := outer.Rollback(ctx); err != nil {
		t.Fatalf("rollback outer: %v", err)
	}

	if got := countEntities(t, s); got != 0 {
		t.Fatalf("expected empty table, got %d rows", got)
	}
}

func TestCommitAndRollbackAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	insertEntity(t, s, "c1")
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// The deferred-rollback pattern must not undo a committed unit.
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback after commit: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	if got := countEntities(t, s); got != 1 {
		t.Fatalf("expected committed row to survive, got %d rows", got)
	}
}

func TestRollbackAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.BeginTransaction(ctx); err != nil {
		t.Fatalf("begin outer: %v", err)
	}
	if _, err := s.BeginTransaction(ctx); err != nil {
		t.Fatalf("begin inner: %v", err)
	}
	insertEntity(t, s, "c1")

	if err := s.RollbackAll(ctx); err != nil {
		t.Fatalf("rollback all: %v", err)
	}
	if got := countEntities(t, s); got != 0 {
		t.Fatalf("expected empty table, got %d rows", got)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	s := newTestStore(t)
	s.MaxTries = 3

	_, err := s.Mutate(context.Background(), `INSERT INTO no_such_table (x) VALUES ($1)`, 1)
	if err == nil {
		t.Fatal("expected failure")
	}
	pe, ok := protoerr.As(err)
	if !ok || pe.Kind != protoerr.TransientStore {
		t.Fatalf("expected TransientStore failure, got %v", err)
	}
}

func TestScanErrorIsNotRetried(t *testing.T) {
	s := newTestStore(t)
	s.MaxTries = 10
	s.RetryDelay = time.Second // a retry loop would make the test visibly slow

	insertEntity(t, s, "c1")

	start := time.Now()
	err := s.FetchOne(context.Background(), func(rows *sql.Rows) error {
		var wrong struct{ A, B, C, D, E, F, G int }
		return rows.Scan(&wrong.A, &wrong.B, &wrong.C, &wrong.D, &wrong.E, &wrong.F, &wrong.G)
	}, `SELECT id FROM lti_entity WHERE custom_claim_id = $1`, "c1")
	if err == nil {
		t.Fatal("expected scan failure")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("scan error went through the retry loop")
	}
	if _, ok := protoerr.As(err); ok {
		t.Fatalf("scan error must not be classified transient: %v", err)
	}
}
