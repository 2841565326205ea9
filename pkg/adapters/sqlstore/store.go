package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	// Drivers register themselves with database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect selects the SQL flavour spoken by the database.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DefaultTable holds the checkpoints unless WithTable says otherwise.
const DefaultTable = "espalier_checkpoints"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store implements ports.CheckpointStore on a relational database.
// The primary key (thread_id, step) makes the append of a step a one-winner race.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

type Option func(*Store)

// WithTable overrides DefaultTable.
func WithTable(name string) Option {
	return func(s *Store) {
		s.table = name
	}
}

// New initializes the schema in db and returns a Store.
// The caller owns db and must have imported a driver for the dialect.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	s := &Store{db: db, dialect: dialect, table: DefaultTable}
	for _, opt := range opts {
		opt(s)
	}

	if dialect != SQLite && dialect != Postgres {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if !tableName.MatchString(s.table) {
		return nil, fmt.Errorf("invalid table name %q", s.table)
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenSQLite opens a SQLite database with the pure-Go driver.
// ":memory:" gives a private in-process database.
func OpenSQLite(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite has a single writer; one connection also keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	s, err := New(ctx, db, SQLite, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens a PostgreSQL database through pgx.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	s, err := New(ctx, db, Postgres, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	payload := "TEXT"
	if s.dialect == Postgres {
		payload = "JSONB"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id  TEXT    NOT NULL,
			step       INTEGER NOT NULL,
			payload    %s      NOT NULL,
			created_at BIGINT  NOT NULL,
			PRIMARY KEY (thread_id, step)
		);
	`, s.table, payload))
	return err
}

// q rewrites ? placeholders into the dialect's form and injects the table name.
func (s *Store) q(query string) string {
	query = strings.ReplaceAll(query, "{table}", s.table)
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save appends the checkpoint in a transaction.
func (s *Store) Save(ctx context.Context, cp *domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM {table} WHERE thread_id = ?`), cp.ThreadID).Scan(&count); err != nil {
		return fmt.Errorf("failed to count checkpoints: %w", err)
	}
	if cp.Step != count {
		return &domain.ConcurrentModificationError{ThreadID: cp.ThreadID, Expected: count, Actual: cp.Step}
	}

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO {table} (thread_id, step, payload, created_at) VALUES (?, ?, ?, ?)`),
		cp.ThreadID, cp.Step, string(data), cp.CreatedAt.UnixNano())
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConcurrentModificationError{ThreadID: cp.ThreadID, Expected: count + 1, Actual: cp.Step}
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		// Primary result code; extended codes carry it in the low byte.
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func (s *Store) scan(row *sql.Row, missing error) (*domain.Checkpoint, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, missing
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// LoadLatest reads the highest step of the thread.
func (s *Store) LoadLatest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT payload FROM {table} WHERE thread_id = ? ORDER BY step DESC LIMIT 1`), threadID)
	return s.scan(row, domain.ErrThreadNotFound)
}

// LoadAt reads one step of the thread.
func (s *Store) LoadAt(ctx context.Context, threadID string, step int) (*domain.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT payload FROM {table} WHERE thread_id = ? AND step = ?`), threadID, step)
	return s.scan(row, domain.ErrCheckpointNotFound)
}

// ListSteps returns the steps of the thread, ascending.
func (s *Store) ListSteps(ctx context.Context, threadID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT step FROM {table} WHERE thread_id = ? ORDER BY step`), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := []int{}
	for rows.Next() {
		var step int
		if err := rows.Scan(&step); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// Delete removes every checkpoint of the thread.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {table} WHERE thread_id = ?`), threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// List returns every thread id, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT DISTINCT thread_id FROM {table} ORDER BY thread_id`))
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	threads := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, id)
	}
	return threads, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
