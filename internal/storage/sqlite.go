package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	"phasespace/internal/fault"
	"phasespace/internal/model"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return fault.Config(nil, "sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fault.IO(err, "open sqlite store", goerr.V("path", s.path))
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fault.IO(err, "ping sqlite store", goerr.V("path", s.path))
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return fault.IO(err, "create sqlite tables", goerr.V("path", s.path))
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, run.ID, run.CreatedAtUTC, run.SchemaVersion, run.CodecVersion, payload)
	if err != nil {
		return fault.IO(err, "save run", goerr.V("run_id", run.ID))
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (model.RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, fault.IO(err, "get run", goerr.V("run_id", id))
	}

	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, err
	}
	return run, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM runs ORDER BY created_at, id`)
	if err != nil {
		return nil, fault.IO(err, "list runs")
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fault.IO(err, "scan run")
		}
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.IO(err, "list runs")
	}
	return runs, nil
}

// SaveCheckpoint writes the checkpoint and the run's loss history in one
// transaction.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	history, err := EncodeLossHistory(cp.LossHistory)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fault.IO(err, "begin checkpoint transaction", goerr.V("run_id", cp.RunID))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, iteration, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, iteration) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, cp.RunID, cp.Iteration, cp.SchemaVersion, cp.CodecVersion, payload); err != nil {
		return fault.IO(err, "save checkpoint", goerr.V("run_id", cp.RunID), goerr.V("iteration", cp.Iteration))
	}
	if err := upsertHistory(ctx, tx, cp.RunID, history); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fault.IO(err, "commit checkpoint", goerr.V("run_id", cp.RunID), goerr.V("iteration", cp.Iteration))
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, runID string, iteration int) (model.Checkpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Checkpoint{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE run_id = ? AND iteration = ?`, runID, iteration).Scan(&payload)
	return decodeCheckpointRow(payload, err, runID)
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Checkpoint{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints WHERE run_id = ?
		ORDER BY iteration DESC LIMIT 1
	`, runID).Scan(&payload)
	return decodeCheckpointRow(payload, err, runID)
}

func decodeCheckpointRow(payload []byte, err error, runID string) (model.Checkpoint, bool, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, fault.IO(err, "get checkpoint", goerr.V("run_id", runID))
	}
	cp, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *SQLiteStore) SaveLossHistory(ctx context.Context, runID string, history []float64) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeLossHistory(history)
	if err != nil {
		return err
	}
	return upsertHistory(ctx, db, runID, payload)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertHistory(ctx context.Context, db execer, runID string, payload []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO loss_history (run_id, payload)
		VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			payload = excluded.payload
	`, runID, payload)
	if err != nil {
		return fault.IO(err, "save loss history", goerr.V("run_id", runID))
	}
	return nil
}

func (s *SQLiteStore) GetLossHistory(ctx context.Context, runID string) ([]float64, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM loss_history WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fault.IO(err, "get loss history", goerr.V("run_id", runID))
	}

	history, err := DecodeLossHistory(payload)
	if err != nil {
		return nil, false, err
	}
	return history, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, goerr.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, iteration)
		);
		CREATE TABLE IF NOT EXISTS loss_history (
			run_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
	`)
	return err
}
