// internal/store/store.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contentforge/editor-lti/internal/protoerr"
)

/*
Store wraps *sql.DB with the two behaviours the protocol engine needs:

  • Nested transactions. BeginTransaction on an idle handle pins one pooled
    connection and issues BEGIN; a re-entrant call issues a named SAVEPOINT
    and bumps a depth counter. Commit/Rollback on the returned handle apply
    to the innermost open level and are idempotent, so a deferred Rollback
    after a successful Commit is a no-op.

  • Bounded retry. Every read and write runs through a retry loop (10 tries,
    fixed delay) that absorbs connection hiccups; only after the budget is
    exhausted does the caller see a TransientStore failure.

One Store handle tracks exactly one transaction stack. Callers must not
interleave two units of work on the same handle without nesting them.
*/

// ErrNotFound is returned by FetchOne when the query yields no row.
var ErrNotFound = errors.New("store: expected one row, none found")

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Store struct {
	db  *sql.DB
	log *zap.Logger

	// Retry knobs, adjustable before first use (tests shrink the delay).
	MaxTries   int
	RetryDelay time.Duration

	mu         sync.Mutex
	conn       *sql.Conn // non-nil while a transaction is open
	savepoints int       // open savepoints on top of the root transaction
}

func New(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		db:         db,
		log:        log,
		MaxTries:   10,
		RetryDelay: time.Second,
	}
}

// ---------------------------- Transactions -----------------------------------

// Tx controls the transaction level opened by one BeginTransaction call.
// Commit and Rollback are idempotent; the second call is a no-op.
type Tx struct {
	s    *Store
	mu   sync.Mutex
	done bool
}

// BeginTransaction opens a root transaction, or a savepoint when one is
// already open on this handle.
func (s *Store) BeginTransaction(ctx context.Context) (*Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire connection: %w", err)
		}
		if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("begin: %w", err)
		}
		s.conn = conn
		s.savepoints = 0
		return &Tx{s: s}, nil
	}

	name := savepointName(s.savepoints)
	if _, err := s.conn.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("savepoint %s: %w", name, err)
	}
	s.savepoints++
	return &Tx{s: s}, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	return t.s.commitInnermost(ctx)
}

func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	return t.s.rollbackInnermost(ctx)
}

func (s *Store) commitInnermost(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	if s.savepoints == 0 {
		_, err := s.conn.ExecContext(ctx, "COMMIT")
		s.releaseConnLocked()
		return err
	}
	s.savepoints--
	_, err := s.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointName(s.savepoints))
	return err
}

func (s *Store) rollbackInnermost(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	if s.savepoints == 0 {
		_, err := s.conn.ExecContext(ctx, "ROLLBACK")
		s.releaseConnLocked()
		return err
	}
	s.savepoints--
	name := savepointName(s.savepoints)
	if _, err := s.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return err
	}
	// Pop the savepoint so the nesting level is actually closed; the outer
	// transaction's work stays intact.
	_, err := s.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// RollbackAll aborts the whole unit of work regardless of nesting depth.
func (s *Store) RollbackAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_, err := s.conn.ExecContext(ctx, "ROLLBACK")
	s.releaseConnLocked()
	return err
}

func (s *Store) releaseConnLocked() {
	_ = s.conn.Close()
	s.conn = nil
	s.savepoints = 0
}

func savepointName(depth int) string {
	return "_savepoint_" + strconv.Itoa(depth)
}

// ------------------------------- Queries -------------------------------------

// FetchOptional runs the query and, when a row exists, passes it to scan.
// Returns false without error when no row matched.
func (s *Store) FetchOptional(ctx context.Context, scan func(*sql.Rows) error, query string, args ...any) (bool, error) {
	found := false
	err := s.withRetry(ctx, query, func(q queryer) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		found = false
		if rows.Next() {
			if err := scan(rows); err != nil {
				return nonRetryable{err}
			}
			found = true
		}
		return rows.Err()
	})
	return found, err
}

// FetchOne is FetchOptional that treats "no row" as ErrNotFound.
func (s *Store) FetchOne(ctx context.Context, scan func(*sql.Rows) error, query string, args ...any) error {
	found, err := s.FetchOptional(ctx, scan, query, args...)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// FetchAll invokes scan once per result row.
func (s *Store) FetchAll(ctx context.Context, scan func(*sql.Rows) error, query string, args ...any) error {
	return s.withRetry(ctx, query, func(q queryer) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			if err := scan(rows); err != nil {
				return nonRetryable{err}
			}
		}
		return rows.Err()
	})
}

// Mutate executes a statement and reports the number of affected rows.
func (s *Store) Mutate(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, query, func(q queryer) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// ------------------------------- Retry loop ----------------------------------

// nonRetryable marks scan/shape errors that a retry cannot fix.
type nonRetryable struct{ err error }

func (e nonRetryable) Error() string { return e.err.Error() }
func (e nonRetryable) Unwrap() error { return e.err }

func (s *Store) withRetry(ctx context.Context, query string, fn func(queryer) error) error {
	var last error
	for attempt := 0; attempt < s.MaxTries; attempt++ {
		err := fn(s.queryer())
		if err == nil {
			return nil
		}
		var nr nonRetryable
		if errors.As(err, &nr) {
			return nr.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = err
		s.log.Debug("store: retrying after execution error",
			zap.Int("attempt", attempt+1),
			zap.String("query", firstLine(query)),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.RetryDelay):
		}
	}
	return protoerr.Wrap(protoerr.TransientStore, last,
		"store: giving up after %d tries", s.MaxTries)
}

// queryer routes to the pinned transaction connection when one is open.
func (s *Store) queryer() queryer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn
	}
	return s.db
}

func firstLine(q string) string {
	for i := 0; i < len(q); i++ {
		if q[i] == '\n' {
			return q[:i]
		}
	}
	return q
}
