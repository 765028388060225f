package trace

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// Store holds decoded trace events in SQLite for querying.
// Times are stored in milliseconds.
type Store struct {
	db *sql.DB
}

// OpenStore opens a store at path. An empty path keeps it in memory.
func OpenStore(path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Each :memory: connection is its own database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS slice (
		ts REAL NOT NULL,
		dur REAL NOT NULL,
		cat TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		tid INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sched (
		ts REAL NOT NULL,
		dur REAL NOT NULL,
		cpu INTEGER NOT NULL,
		state TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		tid INTEGER NOT NULL DEFAULT 0,
		process_name TEXT NOT NULL DEFAULT '',
		thread_name TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_slice_cat_name ON slice(cat, name);
	CREATE INDEX IF NOT EXISTS idx_sched_cpu ON sched(cpu);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert stores timed events. Events carrying args.cpu go to sched, the
// rest to slice. Events without ts or dur are skipped. Returns the number
// of rows written.
func (s *Store) Insert(ctx context.Context, events []Event) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sliceStmt, err := tx.PrepareContext(ctx, `INSERT INTO slice (ts, dur, cat, name, pid, tid) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer sliceStmt.Close()

	schedStmt, err := tx.PrepareContext(ctx, `INSERT INTO sched (ts, dur, cpu, state, pid, tid, process_name, thread_name) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer schedStmt.Close()

	n := 0
	for _, e := range events {
		if !e.Timed() {
			continue
		}
		tsMs := *e.Ts / 1000
		durMs := *e.Dur / 1000
		cpu, isSched := e.CPU()
		if isSched {
			process, _ := e.Args["process_name"].(string)
			_, err = schedStmt.ExecContext(ctx, tsMs, durMs, cpu, e.State(), int(e.PID), int(e.TID), process, e.Name)
		}
		// load samples stay on the load track even when they name a cpu.
		if err == nil && (!isSched || e.Cat == LoadCategory) {
			_, err = sliceStmt.ExecContext(ctx, tsMs, durMs, e.Cat, e.Name, int(e.PID), int(e.TID))
		}
		if err != nil {
			return n, fmt.Errorf("insert event %q: %w", e.Name, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return n, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// Point is a (time, duration) pair in milliseconds.
type Point struct {
	TsMs  float64 `json:"ts_ms"`
	DurMs float64 `json:"dur_ms"`
}

// Frames returns slices named "Frame" in the given categories, by time.
func (s *Store) Frames(ctx context.Context, cats []string) ([]Point, error) {
	if len(cats) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cats)), ",")
	args := make([]any, len(cats))
	for i, c := range cats {
		args[i] = c
	}
	query := `SELECT ts, dur FROM slice WHERE name = 'Frame' AND cat IN (` + placeholders + `) ORDER BY ts`
	return s.points(ctx, query, args...)
}

// Category returns every slice of a category, by time.
func (s *Store) Category(ctx context.Context, cat string) ([]Point, error) {
	return s.points(ctx, `SELECT ts, dur FROM slice WHERE cat = ? ORDER BY ts`, cat)
}

func (s *Store) points(ctx context.Context, query string, args ...any) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.TsMs, &p.DurMs); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CPUSpan aggregates the scheduling slices of one CPU.
type CPUSpan struct {
	CPU    int
	BusyMs float64
	MinTs  float64
	MaxTs  float64
	Slices int
}

// CPUSpans aggregates sched rows with a positive duration per CPU.
func (s *Store) CPUSpans(ctx context.Context) ([]CPUSpan, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT cpu, SUM(dur), MIN(ts), MAX(ts), COUNT(*)
	FROM sched
	WHERE dur > 0
	GROUP BY cpu
	ORDER BY cpu
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CPUSpan
	for rows.Next() {
		var c CPUSpan
		if err := rows.Scan(&c.CPU, &c.BusyMs, &c.MinTs, &c.MaxTs, &c.Slices); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StateCounts counts runnable (R) and sleeping (S or D) sched rows.
func (s *Store) StateCounts(ctx context.Context) (runnable, sleeping int, err error) {
	err = s.db.QueryRowContext(ctx, `
	SELECT
		COALESCE(SUM(CASE WHEN state = 'R' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN state IN ('S', 'D') THEN 1 ELSE 0 END), 0)
	FROM sched
	WHERE dur > 0
	`).Scan(&runnable, &sleeping)
	return runnable, sleeping, err
}

// Counts returns the number of slice and sched rows.
func (s *Store) Counts(ctx context.Context) (slices, sched int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT (SELECT COUNT(*) FROM slice), (SELECT COUNT(*) FROM sched)`).Scan(&slices, &sched)
	return slices, sched, err
}
