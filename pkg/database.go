package triggerdaq

import (
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	sqlx "github.com/jmoiron/sqlx" //make alias name the package to sqlx
	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

func ConnectToDatabase(user string, pass string, host string, port string, dbname string) (*sqlx.DB, error) {
	if port == "" {
		port = "3306"
	}
	dbURI := fmt.Sprintf("%s:%s@(%s:%s)/%s?parseTime=true", user, pass, host, port, dbname)
	db, err := sqlx.Connect("mysql", dbURI)
	return db, err
}

// OpenSQLite opens (or creates) a local catalog file.
func OpenSQLite(path string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// OpenCatalogDatabase connects with the driver selected in the configuration.
func OpenCatalogDatabase(config Configuration) (*sqlx.DB, error) {
	switch config.DBDriver {
	case "sqlite":
		return OpenSQLite(config.DBFile)
	default:
		return ConnectToDatabase(config.User, config.Passwd, config.Host, config.Port, config.DBName)
	}
}

type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusDone     RunStatus = "done"
	RunStatusCanceled RunStatus = "canceled"
	RunStatusError    RunStatus = "error"
)

type RunEntry struct {
	RunID       string `db:"run_id"`
	Filename    string `db:"filename"`
	Description string `db:"description"`
	DurationMs  int64  `db:"duration_ms"`
	StartedAt   int64  `db:"started_at"`
	StoppedAt   int64  `db:"stopped_at"`
	Status      string `db:"status"`
}

type FileEntry struct {
	RunID      string `db:"run_id"`
	Filename   string `db:"filename"`
	FinishedAt int64  `db:"finished_at"`
}

var catalogSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id VARCHAR(64) NOT NULL PRIMARY KEY,
		filename VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		duration_ms BIGINT NOT NULL,
		started_at BIGINT NOT NULL,
		stopped_at BIGINT NOT NULL,
		status VARCHAR(32) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		run_id VARCHAR(64) NOT NULL,
		filename VARCHAR(255) NOT NULL,
		finished_at BIGINT NOT NULL
	)`,
}

// RunCatalog records runs and the files they produced.
type RunCatalog struct {
	db *sqlx.DB
}

func NewRunCatalog(db *sqlx.DB) (*RunCatalog, error) {
	for _, stmt := range catalogSchema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("error creating catalog tables: %w", err)
		}
	}
	return &RunCatalog{db: db}, nil
}

func (c *RunCatalog) StartRun(run RunInfo, startedAt time.Time) error {
	entry := RunEntry{
		RunID:       run.RunID,
		Filename:    run.Filename(0),
		Description: run.Description,
		DurationMs:  run.Duration.Milliseconds(),
		StartedAt:   startedAt.UnixMilli(),
		Status:      string(RunStatusRunning),
	}
	query := `INSERT INTO runs (run_id, filename, description, duration_ms, started_at, stopped_at, status)
		VALUES (:run_id, :filename, :description, :duration_ms, :started_at, :stopped_at, :status)`
	if configuration.Verbosity > 2 {
		logger.Info(fmt.Sprintf("Query: %s", query), "database")
	}
	if _, err := c.db.NamedExec(query, entry); err != nil {
		return fmt.Errorf("error inserting run %s: %w", run.RunID, err)
	}
	return nil
}

func (c *RunCatalog) FinishRun(runID string, status RunStatus, stoppedAt time.Time, files []string) error {
	tx, err := c.db.Beginx()
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind("UPDATE runs SET status = ?, stopped_at = ? WHERE run_id = ?")
	if _, err := tx.Exec(query, string(status), stoppedAt.UnixMilli(), runID); err != nil {
		return fmt.Errorf("error updating run %s: %w", runID, err)
	}
	insert := tx.Rebind("INSERT INTO files (run_id, filename, finished_at) VALUES (?, ?, ?)")
	for _, f := range files {
		if _, err := tx.Exec(insert, runID, f, stoppedAt.UnixMilli()); err != nil {
			return fmt.Errorf("error recording file %s: %w", f, err)
		}
	}
	return tx.Commit()
}

func (c *RunCatalog) GetRun(runID string) (RunEntry, error) {
	var entry RunEntry
	err := c.db.Get(&entry, c.db.Rebind("SELECT * FROM runs WHERE run_id = ?"), runID)
	if err != nil {
		return entry, fmt.Errorf("error reading run %s: %w", runID, err)
	}
	return entry, nil
}

// ListRuns returns the latest runs, newest first.
func (c *RunCatalog) ListRuns(limit int) ([]RunEntry, error) {
	rows, err := c.db.Queryx(c.db.Rebind("SELECT * FROM runs ORDER BY started_at DESC LIMIT ?"), limit)
	if err != nil {
		return nil, fmt.Errorf("error querying database: %w", err)
	}
	defer rows.Close()

	runs := make([]RunEntry, 0)
	for rows.Next() {
		result := RunEntry{}
		if err := rows.StructScan(&result); err != nil {
			return nil, fmt.Errorf("error scanning DB row: %w", err)
		}
		runs = append(runs, result)
	}
	return runs, rows.Err()
}

func (c *RunCatalog) Files(runID string) ([]FileEntry, error) {
	var files []FileEntry
	err := c.db.Select(&files, c.db.Rebind("SELECT * FROM files WHERE run_id = ? ORDER BY filename"), runID)
	if err != nil {
		return nil, fmt.Errorf("error reading files of run %s: %w", runID, err)
	}
	return files, nil
}

func (c *RunCatalog) Close() error {
	return c.db.Close()
}
