package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/hermit/pkg/actioncache"
	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db    *sql.DB
	cfg   Config
	nodes *depset.Registry
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg:   cfg,
		nodes: depset.NewRegistry(),
	}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// Lookup loads the entry for fp with its output DepSet. A missing entry
// returns nil without error.
func (s *SQLiteStore) Lookup(ctx context.Context, fp digest.Digest) (*actioncache.Entry, error) {
	query := `
		SELECT generation, outputs, exit_code, stdout, stderr, stderr_tail, duration_ns,
		       backend, failure_kind, failure_message, failure_path, created_at
		FROM action_entries
		WHERE fingerprint = ?
	`

	var (
		outputs, stdout, stderr string
		durationNs              int64
		failKind, failMsg       sql.NullString
		failPath                sql.NullString
	)
	e := &actioncache.Entry{Fingerprint: fp}
	err := s.db.QueryRowContext(ctx, query, fp.String()).Scan(
		&e.Generation,
		&outputs,
		&e.ExitCode,
		&stdout,
		&stderr,
		&e.StderrTail,
		&durationNs,
		&e.Backend,
		&failKind,
		&failMsg,
		&failPath,
		&e.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	e.Duration = time.Duration(durationNs)
	if e.Stdout, err = parseOptional(stdout); err != nil {
		return nil, fmt.Errorf("invalid stdout digest for %s: %w", fp.Short(), err)
	}
	if e.Stderr, err = parseOptional(stderr); err != nil {
		return nil, fmt.Errorf("invalid stderr digest for %s: %w", fp.Short(), err)
	}
	if failKind.Valid {
		e.Failure = &actioncache.Failure{
			Kind:    execerr.Kind(failKind.String),
			Message: failMsg.String,
			Path:    failPath.String,
		}
	}

	root, err := digest.Parse(outputs)
	if err != nil {
		return nil, fmt.Errorf("invalid outputs digest for %s: %w", fp.Short(), err)
	}
	if e.Outputs, err = s.loadDepSet(ctx, s.db, root); err != nil {
		return nil, fmt.Errorf("failed to load outputs of %s: %w", fp.Short(), err)
	}

	return e, nil
}

// Insert stores e and every DepSet node its outputs reference in one
// transaction. An existing entry for the same fingerprint is replaced.
func (s *SQLiteStore) Insert(ctx context.Context, e *actioncache.Entry) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	outputs := e.OutputsOrEmpty()
	if err := s.insertDepSet(ctx, tx, outputs); err != nil {
		return err
	}

	var failKind, failMsg, failPath *string
	if e.Failure != nil {
		kind := string(e.Failure.Kind)
		failKind, failMsg, failPath = &kind, &e.Failure.Message, &e.Failure.Path
	}

	query := `
		INSERT OR REPLACE INTO action_entries (
			fingerprint, generation, outputs, exit_code, stdout, stderr, stderr_tail,
			duration_ns, backend, failure_kind, failure_message, failure_path, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		e.Fingerprint.String(),
		e.Generation,
		outputs.Hash().String(),
		e.ExitCode,
		formatOptional(e.Stdout),
		formatOptional(e.Stderr),
		e.StderrTail,
		int64(e.Duration),
		e.Backend,
		failKind,
		failMsg,
		failPath,
		e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for fp. Its DepSet nodes stay until PruneNodes.
func (s *SQLiteStore) Delete(ctx context.Context, fp digest.Digest) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM action_entries WHERE fingerprint = ?", fp.String())
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Generation returns the persisted cache generation.
func (s *SQLiteStore) Generation(ctx context.Context) (int64, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM cache_meta WHERE key = 'generation'").Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get cache generation: %w", err)
	}
	gen, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cache generation %q: %w", value, err)
	}
	return gen, nil
}

// SetGeneration persists the cache generation.
func (s *SQLiteStore) SetGeneration(ctx context.Context, gen int64) error {
	query := `
		INSERT INTO cache_meta (key, value) VALUES ('generation', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.db.ExecContext(ctx, query, strconv.FormatInt(gen, 10)); err != nil {
		return fmt.Errorf("failed to set cache generation: %w", err)
	}
	return nil
}

// ListEntries returns entry summaries, newest first.
func (s *SQLiteStore) ListEntries(ctx context.Context, filter EntryFilter) ([]EntrySummary, error) {
	query := `
		SELECT fingerprint, generation, outputs, exit_code, backend, failure_kind, duration_ns, created_at
		FROM action_entries
	`
	var (
		conds []string
		args  []any
	)
	if filter.Generation >= 0 {
		conds = append(conds, "generation = ?")
		args = append(args, filter.Generation)
	}
	if filter.FailuresOnly {
		conds = append(conds, "failure_kind IS NOT NULL")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, fingerprint"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	var entries []EntrySummary
	for rows.Next() {
		var (
			e           EntrySummary
			fp, outputs string
			failKind    sql.NullString
			durationNs  int64
		)
		err := rows.Scan(&fp, &e.Generation, &outputs, &e.ExitCode, &e.Backend, &failKind, &durationNs, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		if e.Fingerprint, err = digest.Parse(fp); err != nil {
			return nil, fmt.Errorf("invalid fingerprint %q: %w", fp, err)
		}
		if e.Outputs, err = digest.Parse(outputs); err != nil {
			return nil, fmt.Errorf("invalid outputs digest %q: %w", outputs, err)
		}
		e.FailureKind = execerr.Kind(failKind.String)
		e.Duration = time.Duration(durationNs)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache entries: %w", err)
	}

	return entries, nil
}

// PruneEntries deletes entries from generations older than
// belowGeneration and returns how many were removed.
func (s *SQLiteStore) PruneEntries(ctx context.Context, belowGeneration int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM action_entries WHERE generation < ?", belowGeneration)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache entries: %w", err)
	}
	return res.RowsAffected()
}

// PruneNodes deletes DepSet nodes no longer reachable from any entry.
func (s *SQLiteStore) PruneNodes(ctx context.Context) (int64, error) {
	query := `
		WITH RECURSIVE reachable(hash) AS (
			SELECT outputs FROM action_entries
			UNION
			SELECT e.child FROM depset_edges e JOIN reachable r ON e.parent = r.hash
		)
		DELETE FROM depset_nodes WHERE hash NOT IN (SELECT hash FROM reachable)
	`
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prune depset nodes: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts the store contents.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	gen, err := s.Generation(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT
			(SELECT COUNT(*) FROM action_entries WHERE generation = ?),
			(SELECT COUNT(*) FROM action_entries WHERE generation <> ?),
			(SELECT COUNT(*) FROM action_entries WHERE failure_kind IS NOT NULL AND generation = ?),
			(SELECT COUNT(*) FROM depset_nodes),
			(SELECT COUNT(*) FROM execution_log)
	`
	st := &Stats{Generation: gen}
	err = s.db.QueryRowContext(ctx, query, gen, gen, gen).Scan(
		&st.Entries,
		&st.StaleEntries,
		&st.Failures,
		&st.Nodes,
		&st.Executions,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get store stats: %w", err)
	}
	return st, nil
}

// InsertExecution appends rec to the execution log, assigning an ID when
// rec has none.
func (s *SQLiteStore) InsertExecution(ctx context.Context, rec *ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO execution_log (
			id, fingerprint, action_name, backend, exit_code, cached, shared,
			error_kind, error_message, duration_ns, started_at, completed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Fingerprint.String(),
		rec.ActionName,
		rec.Backend,
		rec.ExitCode,
		rec.Cached,
		rec.Shared,
		rec.ErrorKind,
		rec.ErrorMessage,
		int64(rec.Duration),
		rec.StartedAt.UTC(),
		rec.CompletedAt.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert execution record: %w", err)
	}

	return nil
}

// ListExecutions returns execution records, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error) {
	query := `
		SELECT id, fingerprint, action_name, backend, exit_code, cached, shared,
		       error_kind, error_message, duration_ns, started_at, completed_at
		FROM execution_log
	`
	var (
		conds []string
		args  []any
	)
	if filter.Fingerprint != nil {
		conds = append(conds, "fingerprint = ?")
		args = append(args, filter.Fingerprint.String())
	}
	if filter.Since != nil {
		conds = append(conds, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.FailedOnly {
		conds = append(conds, "error_kind IS NOT NULL")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var (
			rec        ExecutionRecord
			fp         string
			durationNs int64
		)
		err := rows.Scan(
			&rec.ID,
			&fp,
			&rec.ActionName,
			&rec.Backend,
			&rec.ExitCode,
			&rec.Cached,
			&rec.Shared,
			&rec.ErrorKind,
			&rec.ErrorMessage,
			&durationNs,
			&rec.StartedAt,
			&rec.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		if rec.Fingerprint, err = digest.Parse(fp); err != nil {
			return nil, fmt.Errorf("invalid fingerprint %q: %w", fp, err)
		}
		rec.Duration = time.Duration(durationNs)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution records: %w", err)
	}

	return records, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// insertDepSet writes every node under d that is not stored yet. Children
// are written before parents so edges always reference existing rows.
func (s *SQLiteStore) insertDepSet(ctx context.Context, tx *sql.Tx, d *depset.DepSet) error {
	now := time.Now().UTC()
	return depset.Walk(d, func(n *depset.DepSet) error {
		body, err := depset.Encode(n)
		if err != nil {
			return fmt.Errorf("failed to encode depset node: %w", err)
		}
		h := n.Hash().String()
		_, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO depset_nodes (hash, body, created_at) VALUES (?, ?, ?)",
			h, body, now)
		if err != nil {
			return fmt.Errorf("failed to insert depset node: %w", err)
		}
		for _, c := range n.Children() {
			_, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO depset_edges (parent, child) VALUES (?, ?)",
				h, c.Hash().String())
			if err != nil {
				return fmt.Errorf("failed to insert depset edge: %w", err)
			}
		}
		return nil
	})
}

// loadDepSet rebuilds the node with hash h, decoding children on demand.
// Decoded nodes are interned so later lookups share them.
func (s *SQLiteStore) loadDepSet(ctx context.Context, q queryer, h digest.Digest) (*depset.DepSet, error) {
	if d, ok := s.nodes.Get(h); ok {
		return d, nil
	}

	var body []byte
	err := q.QueryRowContext(ctx, "SELECT body FROM depset_nodes WHERE hash = ?", h.String()).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("depset node not found: %s", h.Short())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get depset node: %w", err)
	}

	d, err := depset.Decode(body, h, func(c digest.Digest) (*depset.DepSet, error) {
		return s.loadDepSet(ctx, q, c)
	})
	if err != nil {
		return nil, err
	}
	return s.nodes.Intern(d), nil
}

func formatOptional(d digest.Digest) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func parseOptional(s string) (digest.Digest, error) {
	if s == "" {
		return digest.Digest{}, nil
	}
	return digest.Parse(s)
}
