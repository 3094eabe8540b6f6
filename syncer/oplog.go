package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// opLog is the durable, append-only operation log. Local operations stay in
// the log forever, even after a permanent upload failure; only their upload
// state changes.
type opLog struct {
	db *sql.DB
}

func openOpLog(dbPath string) (*opLog, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection keeps :memory: databases coherent and serializes
	// writers.
	db.SetMaxOpenConns(1)

	l := &opLog{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *opLog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id         TEXT PRIMARY KEY,
		device_id  TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		type       TEXT NOT NULL,
		memory_id  TEXT NOT NULL,
		payload    BLOB,
		iv         BLOB,
		checksum   BLOB NOT NULL,
		clock      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		local      INTEGER NOT NULL DEFAULT 0,
		uploaded   INTEGER NOT NULL DEFAULT 0,
		attempts   INTEGER NOT NULL DEFAULT 0,
		failed     INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_operations_pending ON operations(local, uploaded, failed, seq);
	CREATE INDEX IF NOT EXISTS idx_operations_memory ON operations(memory_id);

	CREATE TABLE IF NOT EXISTS cursors (
		device_id TEXT PRIMARY KEY,
		last_seq  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS applied (
		memory_id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		seq       INTEGER NOT NULL,
		clock     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *opLog) Close() error {
	return l.db.Close()
}

// Append records an operation. Local operations enter the upload queue.
func (l *opLog) Append(ctx context.Context, op *Operation, local bool) error {
	clockJSON, err := json.Marshal(op.Clock)
	if err != nil {
		return err
	}
	localFlag := 0
	if local {
		localFlag = 1
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO operations (id, device_id, seq, type, memory_id, payload, iv, checksum, clock, created_at, local)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.DeviceID, op.Seq, string(op.Type), op.MemoryID,
		op.Payload, op.IV, op.Checksum, string(clockJSON),
		op.CreatedAt.UTC().Format(time.RFC3339Nano), localFlag)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

// PendingUploads returns up to limit local operations that are neither
// uploaded nor permanently failed, oldest first.
func (l *opLog) PendingUploads(ctx context.Context, limit int) ([]*Operation, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, device_id, seq, type, memory_id, payload, iv, checksum, clock, created_at
		 FROM operations
		 WHERE local = 1 AND uploaded = 0 AND failed = 0
		 ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkUploaded flags an operation as successfully uploaded.
func (l *opLog) MarkUploaded(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx, `UPDATE operations SET uploaded = 1 WHERE id = ?`, id)
	return err
}

// RecordAttempt bumps the attempt counter and returns the new count.
func (l *opLog) RecordAttempt(ctx context.Context, id string) (int, error) {
	if _, err := l.db.ExecContext(ctx, `UPDATE operations SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return 0, err
	}
	var attempts int
	err := l.db.QueryRowContext(ctx, `SELECT attempts FROM operations WHERE id = ?`, id).Scan(&attempts)
	return attempts, err
}

// MarkFailed flags an operation as permanently failed. The row itself is
// never deleted.
func (l *opLog) MarkFailed(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx, `UPDATE operations SET failed = 1 WHERE id = ?`, id)
	return err
}

type opLogStats struct {
	Total         int
	PendingUpload int
	Uploaded      int
	Failed        int
}

func (l *opLog) Stats(ctx context.Context) (opLogStats, error) {
	var s opLogStats
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN local = 1 AND uploaded = 0 AND failed = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN local = 1 AND uploaded = 1 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN local = 1 AND failed = 1 THEN 1 ELSE 0 END), 0)
		 FROM operations`).Scan(&s.Total, &s.PendingUpload, &s.Uploaded, &s.Failed)
	return s, err
}

// Cursor returns the last applied sequence number for a remote device.
func (l *opLog) Cursor(ctx context.Context, deviceID string) (uint64, error) {
	var seq uint64
	err := l.db.QueryRowContext(ctx, `SELECT last_seq FROM cursors WHERE device_id = ?`, deviceID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// Cursors returns all remote-device cursors.
func (l *opLog) Cursors(ctx context.Context) (map[string]uint64, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT device_id, last_seq FROM cursors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var id string
		var seq uint64
		if err := rows.Scan(&id, &seq); err != nil {
			return nil, err
		}
		out[id] = seq
	}
	return out, rows.Err()
}

// AdvanceCursor moves a remote device's cursor forward. Moving backwards is
// ignored.
func (l *opLog) AdvanceCursor(ctx context.Context, deviceID string, seq uint64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO cursors (device_id, last_seq) VALUES (?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET last_seq = MAX(last_seq, excluded.last_seq)`,
		deviceID, seq)
	return err
}

// AppliedWinner returns the op identity that currently owns a memory id.
func (l *opLog) AppliedWinner(ctx context.Context, memoryID string) (deviceID string, seq uint64, clock VectorClock, ok bool, err error) {
	var clockJSON string
	err = l.db.QueryRowContext(ctx,
		`SELECT device_id, seq, clock FROM applied WHERE memory_id = ?`, memoryID).
		Scan(&deviceID, &seq, &clockJSON)
	if err == sql.ErrNoRows {
		return "", 0, nil, false, nil
	}
	if err != nil {
		return "", 0, nil, false, err
	}
	clock = make(VectorClock)
	if err := json.Unmarshal([]byte(clockJSON), &clock); err != nil {
		return "", 0, nil, false, err
	}
	return deviceID, seq, clock, true, nil
}

// SetAppliedWinner records which op last won a memory id.
func (l *opLog) SetAppliedWinner(ctx context.Context, memoryID, deviceID string, seq uint64, clock VectorClock) error {
	clockJSON, err := json.Marshal(clock)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO applied (memory_id, device_id, seq, clock) VALUES (?, ?, ?, ?)
		 ON CONFLICT(memory_id) DO UPDATE SET device_id = excluded.device_id, seq = excluded.seq, clock = excluded.clock`,
		memoryID, deviceID, seq, string(clockJSON))
	return err
}

// GetState reads a device_state value; missing keys return "".
func (l *opLog) GetState(ctx context.Context, key string) (string, error) {
	var v string
	err := l.db.QueryRowContext(ctx, `SELECT value FROM device_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetState writes a device_state value.
func (l *opLog) SetState(ctx context.Context, key, value string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO device_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func scanOperation(rows *sql.Rows) (*Operation, error) {
	var op Operation
	var opType, clockJSON, createdAt string
	if err := rows.Scan(&op.ID, &op.DeviceID, &op.Seq, &opType, &op.MemoryID,
		&op.Payload, &op.IV, &op.Checksum, &clockJSON, &createdAt); err != nil {
		return nil, err
	}
	op.Type = OperationType(opType)
	op.Clock = make(VectorClock)
	if err := json.Unmarshal([]byte(clockJSON), &op.Clock); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	op.CreatedAt = t
	return &op, nil
}
