// Package sqlite provides a SQLite implementation of the activation
// history store.
//
// Methods execute against s.conn, which is either the underlying *sql.DB
// (autocommit) or a *sql.Tx inside RunInTransaction. Every method issues
// a single statement, so each is atomic on its own; use RunInTransaction
// to group a Record with a Prune.
//
// The database is opened in WAL mode. The daemon serialises writers with
// the cross-process writer lock, so there is no writer contention at the
// database level and the default DEFERRED transaction type is enough.
//
// All queries are prepared once when the store is opened. Inside a
// transaction the master statements are rebound with tx.StmtContext.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/frobware/go-ebpfpolicy/store"
)

const driverName = "sqlite"

//go:embed schema.sql
var schemaSQL string

// dsn appends pragmas to path as _pragma=key(value) query parameters,
// the form modernc.org/sqlite understands.
func dsn(path string, pragmas [][2]string) string {
	s := path
	for i, p := range pragmas {
		sep := "&"
		if i == 0 {
			sep = "?"
		}
		s += sep + "_pragma=" + p[0] + "(" + p[1] + ")"
	}
	return s
}

// dbConn abstracts *sql.DB and *sql.Tx for query execution.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteStore struct {
	db     *sql.DB
	conn   dbConn
	logger *slog.Logger

	stmtInsert *sql.Stmt
	stmtGet    *sql.Stmt
	stmtList   *sql.Stmt
	stmtLatest *sql.Stmt
	stmtPrune  *sql.Stmt
}

var _ store.Store = (*sqliteStore)(nil)

// New opens (creating if needed) the store at dbPath.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"busy_timeout", "5000"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened database", "path", dbPath)
	return s, nil
}

// NewInMemory returns an in-memory store for tests and for daemons run
// without a state directory.
func NewInMemory(ctx context.Context, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", ":memory:")

	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	s, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened in-memory database")
	return s, nil
}

func open(ctx context.Context, db *sql.DB, logger *slog.Logger) (*sqliteStore, error) {
	s := &sqliteStore{db: db, conn: db, logger: logger}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.prepareStatements(ctx); err != nil {
		s.closeStatements()
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

// Close closes all prepared statements and the database connection. It
// is a no-op on a transaction-bound store.
func (s *sqliteStore) Close() error {
	if s.conn != dbConn(s.db) {
		return nil
	}
	s.closeStatements()
	return s.db.Close()
}

func (s *sqliteStore) closeStatements() {
	for _, stmt := range []*sql.Stmt{s.stmtInsert, s.stmtGet, s.stmtList, s.stmtLatest, s.stmtPrune} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

// RunInTransaction executes fn within a database transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *sqliteStore) RunInTransaction(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	txStore := &sqliteStore{
		db:         s.db,
		conn:       tx,
		logger:     s.logger,
		stmtInsert: tx.StmtContext(ctx, s.stmtInsert),
		stmtGet:    tx.StmtContext(ctx, s.stmtGet),
		stmtList:   tx.StmtContext(ctx, s.stmtList),
		stmtLatest: tx.StmtContext(ctx, s.stmtLatest),
		stmtPrune:  tx.StmtContext(ctx, s.stmtPrune),
	}

	if err := fn(txStore); err != nil {
		return err
	}
	return tx.Commit()
}
