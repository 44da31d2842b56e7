package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding analyses, results, and memory entries.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "qualagents.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying connection for components sharing the database
// (the memory store).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying schema_version: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Analyses ---

const analysisColumns = `id, project_id, agent_id, input_text, params_json, status, error_detail, created_at, completed_at`

// CreateAnalysis inserts a new analysis in pending state.
func (s *Store) CreateAnalysis(an Analysis) error {
	createdAt := an.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	params := an.ParamsJSON
	if params == "" {
		params = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO analyses (id, project_id, agent_id, input_text, params_json, status, error_detail, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', '', ?)`,
		an.ID, an.ProjectID, an.AgentID, an.InputText, params,
		createdAt.Format(time.RFC3339Nano),
	)
	return err
}

// GetAnalysis loads an analysis by ID.
func (s *Store) GetAnalysis(id string) (Analysis, error) {
	row := s.db.QueryRow(`SELECT `+analysisColumns+` FROM analyses WHERE id = ?`, id)
	an, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return Analysis{}, ErrNotFound
	}
	return an, err
}

// ListAnalysesByProject returns a project's analyses, newest first.
func (s *Store) ListAnalysesByProject(projectID string, limit, offset int) ([]Analysis, error) {
	rows, err := s.db.Query(`
		SELECT `+analysisColumns+` FROM analyses
		WHERE project_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		projectID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Analysis
	for rows.Next() {
		an, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, an)
	}
	return results, rows.Err()
}

// ListRecentAnalyses returns the most recently submitted analyses across
// all projects, newest first.
func (s *Store) ListRecentAnalyses(limit int) ([]Analysis, error) {
	rows, err := s.db.Query(`
		SELECT `+analysisColumns+` FROM analyses
		ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Analysis
	for rows.Next() {
		an, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, an)
	}
	return results, rows.Err()
}

// ClaimAnalysis atomically claims the oldest pending analysis, moving it to
// in_progress. Returns (nil, nil) when nothing is pending. The compare-and-set
// on status guarantees a single claimant even under duplicate dispatch.
func (s *Store) ClaimAnalysis() (*Analysis, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(`
		SELECT ` + analysisColumns + ` FROM analyses
		WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1`)
	an, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting pending analysis: %w", err)
	}

	res, err := tx.Exec(`UPDATE analyses SET status = 'in_progress' WHERE id = ? AND status = 'pending'`, an.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming analysis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != 1 {
		// Lost the race to another claimant.
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	an.Status = StatusInProgress
	return &an, nil
}

// CompleteAnalysis transitions an in_progress analysis to completed, storing
// the serialized result. The transition is terminal and one-way.
func (s *Store) CompleteAnalysis(id string, resultJSON []byte) error {
	return s.finish(id, StatusCompleted, "", resultJSON)
}

// FailAnalysis transitions an in_progress analysis to failed with a
// human-readable cause. Failed analyses are never re-queued; retry means a
// new submission.
func (s *Store) FailAnalysis(id, cause string) error {
	return s.finish(id, StatusFailed, cause, nil)
}

func (s *Store) finish(id string, status Status, cause string, resultJSON []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var res sql.Result
	var err error
	if status == StatusCompleted {
		res, err = s.db.Exec(`
			UPDATE analyses SET status = ?, result_json = ?, completed_at = ?
			WHERE id = ? AND status = 'in_progress'`,
			string(status), string(resultJSON), now, id)
	} else {
		res, err = s.db.Exec(`
			UPDATE analyses SET status = ?, error_detail = ?, completed_at = ?
			WHERE id = ? AND status = 'in_progress'`,
			string(status), cause, now, id)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Distinguish a missing row from an out-of-order transition.
	var current string
	err = s.db.QueryRow(`SELECT status FROM analyses WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, current)
}

// GetAnalysisResult returns the stored result bytes for a completed analysis.
// ErrNotFound covers both unknown IDs and analyses with no stored result.
func (s *Store) GetAnalysisResult(id string) ([]byte, error) {
	var result sql.NullString
	err := s.db.QueryRow(`SELECT result_json FROM analyses WHERE id = ?`, id).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, ErrNotFound
	}
	return []byte(result.String), nil
}

func scanAnalysis(row interface{ Scan(...any) error }) (Analysis, error) {
	var an Analysis
	var status, createdAt string
	var completedAt sql.NullString
	err := row.Scan(&an.ID, &an.ProjectID, &an.AgentID, &an.InputText, &an.ParamsJSON,
		&status, &an.ErrorDetail, &createdAt, &completedAt)
	if err != nil {
		return Analysis{}, err
	}
	an.Status = Status(status)

	if an.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Analysis{}, fmt.Errorf("parsing created_at for %s: %w", an.ID, err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return Analysis{}, fmt.Errorf("parsing completed_at for %s: %w", an.ID, err)
		}
		an.CompletedAt = &t
	}
	return an, nil
}
