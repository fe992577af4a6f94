package automation

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable signal store: SQLite-backed persistence
// for signals, automation transcripts, service-call logs, and
// notification logs, all keyed off an automation's content hash.
//
// The database is opened with a single connection (SetMaxOpenConns(1))
// because every write must observe every other write in order — the
// store is the single mutator of persisted runtime state.
type Store struct {
	db *sql.DB
}

// Open creates or opens the signal store at path, applying the schema
// and enabling WAL mode for crash-safe, non-blocking reads.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint flushes the WAL into the main database file and fsyncs.
// Called on graceful shutdown so a crash immediately after never loses
// committed writes.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS signals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		automation_hash TEXT NOT NULL,
		kind TEXT NOT NULL,
		data TEXT NOT NULL,
		is_dead INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_signals_hash_alive ON signals(automation_hash, is_dead);

	CREATE TABLE IF NOT EXISTS automation_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT NOT NULL,
		automation_hash TEXT,
		type TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		signaled_by_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_automation_logs_hash ON automation_logs(automation_hash);

	CREATE TABLE IF NOT EXISTS call_service_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT NOT NULL,
		automation_log_id INTEGER NOT NULL,
		service TEXT NOT NULL,
		target_json TEXT,
		data_json TEXT
	);

	CREATE TABLE IF NOT EXISTS notification_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT NOT NULL,
		automation_log_id INTEGER NOT NULL,
		to_addr TEXT NOT NULL,
		subject TEXT NOT NULL,
		body TEXT NOT NULL,
		err TEXT
	);

	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT NOT NULL,
		content_type TEXT NOT NULL,
		data BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AliveSignalsForHash returns every signal with IsDead=false for h.
// Together these describe all current triggers for that automation
// revision.
func (s *Store) AliveSignalsForHash(h string) ([]Signal, error) {
	rows, err := s.db.Query(`
		SELECT id, automation_hash, kind, data, is_dead, created_at
		FROM signals WHERE automation_hash = ? AND is_dead = 0
		ORDER BY id ASC
	`, h)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSignals(rows)
}

// AllAliveSignals returns every alive signal across all automations,
// used by the trigger engine to reconstitute timers on startup.
func (s *Store) AllAliveSignals() ([]Signal, error) {
	rows, err := s.db.Query(`
		SELECT id, automation_hash, kind, data, is_dead, created_at
		FROM signals WHERE is_dead = 0 ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSignals(rows)
}

func scanSignals(rows *sql.Rows) ([]Signal, error) {
	var out []Signal
	for rows.Next() {
		var sig Signal
		var dead int
		var data, createdAt string
		if err := rows.Scan(&sig.ID, &sig.AutomationHash, &sig.Kind, &data, &dead, &createdAt); err != nil {
			return nil, err
		}
		sig.Data = json.RawMessage(data)
		sig.IsDead = dead != 0
		sig.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// InsertSignal persists a new alive signal and returns its id.
func (s *Store) InsertSignal(h string, kind SignalKind, data any) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal signal data: %w", err)
	}
	res, err := s.db.Exec(`
		INSERT INTO signals (automation_hash, kind, data, is_dead, created_at)
		VALUES (?, ?, ?, 0, ?)
	`, h, string(kind), string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// KillSignal marks one signal dead, idempotently.
func (s *Store) KillSignal(id int64) error {
	_, err := s.db.Exec(`UPDATE signals SET is_dead = 1 WHERE id = ?`, id)
	return err
}

// KillAllForHash marks every alive signal for h dead. Used both by
// cancel-all-scheduled-triggers and when a file's content hash
// changes, retiring the previous revision's schedule.
func (s *Store) KillAllForHash(h string) error {
	_, err := s.db.Exec(`UPDATE signals SET is_dead = 1 WHERE automation_hash = ? AND is_dead = 0`, h)
	return err
}

// AppendAutomationLog writes a new transcript row and returns its id.
func (s *Store) AppendAutomationLog(entry *AutomationLogEntry) (int64, error) {
	msgJSON, err := json.Marshal(entry.Messages)
	if err != nil {
		return 0, fmt.Errorf("marshal messages: %w", err)
	}
	var signaledJSON any
	if entry.SignaledBy != nil {
		raw, err := json.Marshal(entry.SignaledBy)
		if err != nil {
			return 0, fmt.Errorf("marshal signaled_by: %w", err)
		}
		signaledJSON = string(raw)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var hash any
	if entry.AutomationHash != "" {
		hash = entry.AutomationHash
	}
	res, err := s.db.Exec(`
		INSERT INTO automation_logs (created_at, automation_hash, type, messages_json, signaled_by_json)
		VALUES (?, ?, ?, ?, ?)
	`, entry.CreatedAt.Format(time.RFC3339Nano), hash, string(entry.Type), string(msgJSON), signaledJSON)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	entry.ID = id
	return id, err
}

// UpdateAutomationLog overwrites the message list of an existing
// transcript row. Reserved for `manual` entries that grow in place
// within a single request; every other log type is write-once.
func (s *Store) UpdateAutomationLog(id int64, messages []MessageParam) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	_, err = s.db.Exec(`UPDATE automation_logs SET messages_json = ? WHERE id = ?`, string(raw), id)
	return err
}

// GetAutomationLog loads one transcript row by id.
func (s *Store) GetAutomationLog(id int64) (*AutomationLogEntry, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, automation_hash, type, messages_json, signaled_by_json
		FROM automation_logs WHERE id = ?
	`, id)
	return scanAutomationLog(row)
}

func scanAutomationLog(row *sql.Row) (*AutomationLogEntry, error) {
	var e AutomationLogEntry
	var createdAt, msgJSON string
	var hash, signaledJSON sql.NullString
	if err := row.Scan(&e.ID, &createdAt, &hash, &e.Type, &msgJSON, &signaledJSON); err != nil {
		return nil, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.AutomationHash = hash.String
	if err := json.Unmarshal([]byte(msgJSON), &e.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	if signaledJSON.Valid && signaledJSON.String != "" {
		var sd SignalData
		if err := json.Unmarshal([]byte(signaledJSON.String), &sd); err != nil {
			return nil, fmt.Errorf("unmarshal signaled_by: %w", err)
		}
		e.SignaledBy = &sd
	}
	return &e, nil
}

// RecentAutomationLogs returns up to limit most-recent transcript
// rows, newest first, for the front-end status stream.
func (s *Store) RecentAutomationLogs(limit int) ([]*AutomationLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, created_at, automation_hash, type, messages_json, signaled_by_json
		FROM automation_logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AutomationLogEntry
	for rows.Next() {
		var e AutomationLogEntry
		var createdAt, msgJSON string
		var hash, signaledJSON sql.NullString
		if err := rows.Scan(&e.ID, &createdAt, &hash, &e.Type, &msgJSON, &signaledJSON); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.AutomationHash = hash.String
		if err := json.Unmarshal([]byte(msgJSON), &e.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
		if signaledJSON.Valid && signaledJSON.String != "" {
			var sd SignalData
			if err := json.Unmarshal([]byte(signaledJSON.String), &sd); err != nil {
				return nil, fmt.Errorf("unmarshal signaled_by: %w", err)
			}
			e.SignaledBy = &sd
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// FireOneShot atomically kills signalID and appends entry, the single
// transaction required for `time` and non-repeating `offset`
// signals: the execution log insert and the kill commit together, so
// a crash between them is impossible.
func (s *Store) FireOneShot(signalID int64, entry *AutomationLogEntry) (int64, error) {
	msgJSON, err := json.Marshal(entry.Messages)
	if err != nil {
		return 0, fmt.Errorf("marshal messages: %w", err)
	}
	var signaledJSON any
	if entry.SignaledBy != nil {
		raw, err := json.Marshal(entry.SignaledBy)
		if err != nil {
			return 0, fmt.Errorf("marshal signaled_by: %w", err)
		}
		signaledJSON = string(raw)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO automation_logs (created_at, automation_hash, type, messages_json, signaled_by_json)
		VALUES (?, ?, ?, ?, ?)
	`, entry.CreatedAt.Format(time.RFC3339Nano), entry.AutomationHash, string(entry.Type), string(msgJSON), signaledJSON)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`UPDATE signals SET is_dead = 1 WHERE id = ?`, signalID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	entry.ID = id
	return id, nil
}

// RecordServiceCall logs one call-service tool invocation.
func (s *Store) RecordServiceCall(automationLogID int64, service string, target, data map[string]any) error {
	targetJSON, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO call_service_logs (created_at, automation_log_id, service, target_json, data_json)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now().UTC().Format(time.RFC3339Nano), automationLogID, service, string(targetJSON), string(dataJSON))
	return err
}

// RecordNotification logs one send-notification-email invocation.
// Called whether or not delivery succeeded; errDetail is empty on
// success.
func (s *Store) RecordNotification(automationLogID int64, to, subject, body, errDetail string) error {
	_, err := s.db.Exec(`
		INSERT INTO notification_logs (created_at, automation_log_id, to_addr, subject, body, err)
		VALUES (?, ?, ?, ?, ?, ?)
	`, time.Now().UTC().Format(time.RFC3339Nano), automationLogID, to, subject, body, errDetail)
	return err
}

// StoreImage persists a captured image blob and returns its id, for
// the optional vision tool suite.
func (s *Store) StoreImage(contentType string, data []byte) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO images (created_at, content_type, data) VALUES (?, ?, ?)
	`, time.Now().UTC().Format(time.RFC3339Nano), contentType, data)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetImage retrieves a stored image blob by id.
func (s *Store) GetImage(id int64) (contentType string, data []byte, err error) {
	err = s.db.QueryRow(`SELECT content_type, data FROM images WHERE id = ?`, id).Scan(&contentType, &data)
	return
}

// AppendLog appends one line to the app log tail table, used by the
// slog handler so the front-end can show recent log output without
// tailing a file.
func (s *Store) AppendLog(level, message string) error {
	_, err := s.db.Exec(`INSERT INTO logs (created_at, level, message) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), level, message)
	return err
}

// TailLogs returns the most recent n app log lines, oldest first.
func (s *Store) TailLogs(n int) ([]string, error) {
	if n <= 0 {
		n = 200
	}
	rows, err := s.db.Query(`SELECT created_at, level, message FROM logs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var createdAt, level, message string
		if err := rows.Scan(&createdAt, &level, &message); err != nil {
			return nil, err
		}
		lines = append(lines, fmt.Sprintf("%s [%s] %s", createdAt, level, message))
	}
	// reverse to oldest-first
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, rows.Err()
}
