// Package sqlstore implements store.Store on database/sql.
//
// SQLite (modernc.org/sqlite, pure Go) and Postgres (pgx stdlib driver) share
// one implementation; the dialect only differs in DDL, placeholder style and
// row locking. Atomicity of the ledger and queue primitives comes from the
// database transaction: SQLite serializes through a single connection, Postgres
// takes row locks with SELECT ... FOR UPDATE inside Update.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/ChuLiYu/assignment-scheduler/internal/store"
)

var log = slog.Default()

var _ store.Store = (*Store)(nil)

const defaultSQLitePath = "scheduler.db"

type dialect struct {
	name       string
	driver     string
	ddl        []string
	lockSuffix string // appended to single-row reads inside Update
	readOnly   bool   // whether the driver honours TxOptions.ReadOnly
	numbered   bool   // $1, $2 placeholders instead of ?
}

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	ddl: []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS units (
			id TEXT PRIMARY KEY,
			wip_limit INTEGER NOT NULL,
			current_count INTEGER NOT NULL DEFAULT 0,
			supervisor_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS staff (
			id TEXT PRIMARY KEY,
			unit_id TEXT NOT NULL,
			skills TEXT NOT NULL DEFAULT '[]',
			wip_limit INTEGER NOT NULL,
			current_count INTEGER NOT NULL DEFAULT 0,
			availability TEXT NOT NULL,
			supervisor_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS staff_unit_idx ON staff (unit_id)`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			work_item_id TEXT NOT NULL UNIQUE,
			work_item_type TEXT NOT NULL,
			required_skills TEXT NOT NULL DEFAULT '[]',
			priority TEXT NOT NULL,
			unit_id TEXT NOT NULL,
			engagement_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS queue_unit_idx ON queue_entries (unit_id)`,
		assignmentsDDL("INTEGER"),
		activeAssignmentIdx,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			assignment_id TEXT NOT NULL DEFAULT '',
			work_item_id TEXT NOT NULL DEFAULT '',
			staff_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			actor_user_id TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '{}',
			dedupe_key TEXT,
			created_at INTEGER NOT NULL,
			checksum INTEGER NOT NULL DEFAULT 0
		)`,
	},
}

var postgresDialect = dialect{
	name:       "postgres",
	driver:     "pgx",
	lockSuffix: " FOR UPDATE",
	readOnly:   true,
	numbered:   true,
	ddl: []string{
		`CREATE TABLE IF NOT EXISTS units (
			id TEXT PRIMARY KEY,
			wip_limit INTEGER NOT NULL,
			current_count INTEGER NOT NULL DEFAULT 0,
			supervisor_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS staff (
			id TEXT PRIMARY KEY,
			unit_id TEXT NOT NULL,
			skills TEXT NOT NULL DEFAULT '[]',
			wip_limit INTEGER NOT NULL,
			current_count INTEGER NOT NULL DEFAULT 0,
			availability TEXT NOT NULL,
			supervisor_id TEXT NOT NULL DEFAULT '',
			CHECK (current_count >= 0)
		)`,
		`CREATE INDEX IF NOT EXISTS staff_unit_idx ON staff (unit_id)`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
			seq BIGSERIAL PRIMARY KEY,
			work_item_id TEXT NOT NULL UNIQUE,
			work_item_type TEXT NOT NULL,
			required_skills TEXT NOT NULL DEFAULT '[]',
			priority TEXT NOT NULL,
			unit_id TEXT NOT NULL,
			engagement_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS queue_unit_idx ON queue_entries (unit_id)`,
		assignmentsDDL("BIGINT"),
		activeAssignmentIdx,
		`CREATE TABLE IF NOT EXISTS events (
			seq BIGSERIAL PRIMARY KEY,
			assignment_id TEXT NOT NULL DEFAULT '',
			work_item_id TEXT NOT NULL DEFAULT '',
			staff_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			actor_user_id TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '{}',
			dedupe_key TEXT,
			created_at BIGINT NOT NULL,
			checksum BIGINT NOT NULL DEFAULT 0
		)`,
	},
}

// shared between dialects
var commonIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS events_dedupe_idx ON events (dedupe_key)`,
	`CREATE INDEX IF NOT EXISTS events_assignment_idx ON events (assignment_id, created_at, seq)`,
	`CREATE INDEX IF NOT EXISTS events_work_item_idx ON events (work_item_id, created_at, seq)`,
}

// activeAssignmentIdx backs the one-active-assignment-per-work-item rule at
// the storage level.
const activeAssignmentIdx = `CREATE UNIQUE INDEX IF NOT EXISTS assignments_active_work_item_idx
	ON assignments (work_item_id) WHERE status IN ('assigned', 'in_progress')`

func assignmentsDDL(intType string) string {
	return `CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		work_item_id TEXT NOT NULL,
		work_item_type TEXT NOT NULL,
		assignee_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		required_skills TEXT NOT NULL DEFAULT '[]',
		engagement_id TEXT NOT NULL DEFAULT '',
		workflow_stage TEXT NOT NULL DEFAULT '',
		sla_deadline ` + intType + ` NOT NULL,
		queued_at ` + intType + `,
		assigned_at ` + intType + ` NOT NULL,
		completed_at ` + intType + `,
		capacity_released BOOLEAN NOT NULL DEFAULT FALSE,
		escalation_count INTEGER NOT NULL DEFAULT 0,
		last_escalated_at ` + intType + `,
		observers TEXT NOT NULL DEFAULT '[]',
		checklist TEXT NOT NULL DEFAULT '{}'
	)`
}

// Store is a database/sql backed store.Store.
type Store struct {
	db *sql.DB
	d  dialect
}

// OpenSQLite opens (or creates) the SQLite database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = defaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: every transaction is serialized, which is what makes
	// read-check-write inside Update atomic on SQLite.
	db.SetMaxOpenConns(1)
	return open(ctx, db, sqliteDialect)
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("open postgres: empty dsn")
	}
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return open(ctx, db, postgresDialect)
}

func open(ctx context.Context, db *sql.DB, d dialect) (*Store, error) {
	for _, stmt := range append(append([]string{}, d.ddl...), commonIndexes...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s schema: %w", d.name, err)
		}
	}
	log.Info("SQL store ready", "dialect", d.name)
	return &Store{db: db, d: d}, nil
}

// DB exposes the underlying handle for tests and health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns "sqlite" or "postgres".
func (s *Store) Dialect() string { return s.d.name }

// Update runs fn inside a read-write database transaction.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, true, fn)
}

// View runs fn inside a read-only database transaction.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *Store) run(ctx context.Context, writable bool, fn func(tx store.Tx) error) (retErr error) {
	opts := &sql.TxOptions{ReadOnly: !writable && s.d.readOnly}
	dbTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
			return store.ErrClosed
		}
		return fmt.Errorf("begin: %w", err)
	}
	tx := &sqlTx{tx: dbTx, d: s.d, writable: writable}

	committed := false
	defer func() {
		if !committed {
			if rbErr := dbTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Warn("Rollback failed", "error", rbErr)
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	for _, cb := range tx.afterCommit {
		cb()
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for dialects that need it. Queries in
// this package never contain literal question marks.
func rebind(d dialect, query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
