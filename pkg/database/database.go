package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/samogod/opustune/pkg/config"
	"github.com/samogod/opustune/pkg/metrics"
)

var DebugLog func(string, ...interface{})

const DBName = "opustune_runs"

const (
	KindTrain    = "train"
	KindEvaluate = "evaluate"

	StatusRunning = "RUNNING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

type DB struct {
	conn    *sql.DB
	enabled bool
}

type RunRecord struct {
	ID         uuid.UUID
	Kind       string
	Model      string
	SourceLang string
	TargetLang string
	DataPath   string
	Device     string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      string
}

func connString(cfg *config.Database, dbname string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, dbname)
}

// New connects to Postgres and creates the tracking database and schema
// when missing. With tracking disabled it returns a DB whose methods are
// no-ops.
func New(cfg *config.Database, logger *logrus.Logger) (*DB, error) {
	db := &DB{
		enabled: cfg.Enabled,
	}

	if !cfg.Enabled {
		logger.Debug("run tracking database disabled")
		return db, nil
	}

	postgresConn, err := sql.Open("postgres", connString(cfg, "postgres"))
	if err != nil {
		return db, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer postgresConn.Close()

	if err := postgresConn.Ping(); err != nil {
		return db, fmt.Errorf("failed to ping postgres: %w", err)
	}

	var exists bool
	err = postgresConn.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", DBName).Scan(&exists)
	if err != nil {
		return db, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		_, err = postgresConn.Exec(fmt.Sprintf("CREATE DATABASE %s", DBName))
		if err != nil {
			return db, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Infof("database '%s' created", DBName)
	}

	conn, err := sql.Open("postgres", connString(cfg, DBName))
	if err != nil {
		return db, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return db, fmt.Errorf("failed to ping database: %w", err)
	}

	db.conn = conn
	logger.Info("run tracking database active")

	if err := db.initSchema(); err != nil {
		return db, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func (db *DB) initSchema() error {
	if !db.IsEnabled() {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id UUID PRIMARY KEY,
		kind VARCHAR(16) NOT NULL,
		model TEXT NOT NULL,
		source_lang VARCHAR(16) NOT NULL,
		target_lang VARCHAR(16) NOT NULL,
		data_path TEXT NOT NULL,
		device TEXT NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL DEFAULT 'RUNNING',
		started_at TIMESTAMP NOT NULL DEFAULT NOW(),
		finished_at TIMESTAMP,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS epoch_losses (
		run_id UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		epoch INTEGER NOT NULL,
		loss DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (run_id, epoch)
	);

	CREATE TABLE IF NOT EXISTS eval_metrics (
		run_id UUID PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
		samples INTEGER NOT NULL,
		compare VARCHAR(16) NOT NULL,
		accuracy DOUBLE PRECISION NOT NULL,
		precision_score DOUBLE PRECISION NOT NULL,
		recall DOUBLE PRECISION NOT NULL,
		f1 DOUBLE PRECISION NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	if db != nil && db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) IsEnabled() bool {
	return db != nil && db.enabled && db.conn != nil
}

func (db *DB) StartRun(r RunRecord) error {
	if !db.IsEnabled() {
		return nil
	}

	if DebugLog != nil {
		DebugLog("tracking %s run %s", r.Kind, r.ID)
	}
	_, err := db.conn.Exec(`
		INSERT INTO runs (id, kind, model, source_lang, target_lang, data_path, device, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.Kind, r.Model, r.SourceLang, r.TargetLang, r.DataPath, r.Device, StatusRunning, r.StartedAt)
	return err
}

func (db *DB) RecordEpoch(runID uuid.UUID, epoch int, loss float64) error {
	if !db.IsEnabled() {
		return nil
	}

	if DebugLog != nil {
		DebugLog("recording epoch %d loss for run %s", epoch, runID)
	}
	_, err := db.conn.Exec(`
		INSERT INTO epoch_losses (run_id, epoch, loss) VALUES ($1, $2, $3)
		ON CONFLICT (run_id, epoch) DO UPDATE SET loss = EXCLUDED.loss
	`, runID, epoch, loss)
	return err
}

func (db *DB) RecordMetrics(runID uuid.UUID, s metrics.Scores, samples int, compare string) error {
	if !db.IsEnabled() {
		return nil
	}

	_, err := db.conn.Exec(`
		INSERT INTO eval_metrics (run_id, samples, compare, accuracy, precision_score, recall, f1)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, runID, samples, compare, s.Accuracy, s.Precision, s.Recall, s.F1)
	return err
}

// FinishRun marks the run done; a non-nil runErr marks it failed.
func (db *DB) FinishRun(runID uuid.UUID, runErr error) error {
	if !db.IsEnabled() {
		return nil
	}

	status, msg := StatusSuccess, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	if DebugLog != nil {
		DebugLog("marking run %s as %s", runID, status)
	}
	_, err := db.conn.Exec(`
		UPDATE runs SET status = $2, error = $3, finished_at = NOW()
		WHERE id = $1
	`, runID, status, msg)
	return err
}

// QueryRuns lists tracked runs, newest first; kind filters when non-empty.
func (db *DB) QueryRuns(kind string, limit int) ([]RunRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	query := `
		SELECT id, kind, model, source_lang, target_lang, data_path, device, status, started_at, finished_at, error
		FROM runs
	`
	var args []interface{}

	if kind != "" {
		query += " WHERE kind = $1"
		args = append(args, kind)
	}

	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Kind, &r.Model, &r.SourceLang, &r.TargetLang, &r.DataPath,
			&r.Device, &r.Status, &r.StartedAt, &finished, &r.Error); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// EpochLosses returns the recorded losses of a run in epoch order.
func (db *DB) EpochLosses(runID uuid.UUID) ([]float64, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	rows, err := db.conn.Query(`SELECT loss FROM epoch_losses WHERE run_id = $1 ORDER BY epoch`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var losses []float64
	for rows.Next() {
		var l float64
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		losses = append(losses, l)
	}
	return losses, rows.Err()
}
