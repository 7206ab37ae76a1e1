// Package objectstore implements the versioned device object store: a
// SQLite-backed table keyed by (serial, object_key) with deep-merge
// update semantics, monotonic revisions, and the fan-timer preservation
// rule that protects in-flight fan timers from partial device writes.
package objectstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Object is a single versioned (serial, object_key) record.
type Object struct {
	Serial         string
	ObjectKey      string
	ObjectRevision int64
	ObjectTimestamp int64
	Value          any
	UpdatedAt      int64
}

// Store persists device objects in SQLite, opened with WAL journaling
// and a busy timeout so concurrent readers do not fail under writer
// contention — the same DSN shape used by every SQLite-backed store in
// this codebase.
type Store struct {
	db     *sql.DB
	locks  *keyLocks
	logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// runs migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("objectstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 writer serialization; WAL allows concurrent readers internally

	s := &Store{db: db, locks: newKeyLocks(), logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("objectstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS states (
	serial           TEXT NOT NULL,
	object_key       TEXT NOT NULL,
	object_revision  INTEGER NOT NULL DEFAULT 0,
	object_timestamp INTEGER NOT NULL DEFAULT 0,
	value_json       TEXT NOT NULL DEFAULT '{}',
	updated_at       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (serial, object_key)
);
CREATE INDEX IF NOT EXISTS idx_states_serial ON states(serial);
`)
	return err
}

// DB returns the underlying database handle so authz, weathercache,
// and other thin readers can share it rather than open a second
// connection pool to the same file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored object for (serial, key), or false if absent.
func (s *Store) Get(serial, key string) (Object, bool, error) {
	row := s.db.QueryRow(`SELECT object_revision, object_timestamp, value_json, updated_at
		FROM states WHERE serial = ? AND object_key = ?`, serial, key)

	var rev, ts, updatedAt int64
	var valueJSON string
	if err := row.Scan(&rev, &ts, &valueJSON, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Object{}, false, nil
		}
		return Object{}, false, fmt.Errorf("objectstore: get %s/%s: %w", serial, key, err)
	}

	value := s.decodeValue(serial, key, valueJSON)
	return Object{
		Serial: serial, ObjectKey: key,
		ObjectRevision: rev, ObjectTimestamp: ts,
		Value: value, UpdatedAt: updatedAt,
	}, true, nil
}

// GetAllForDevice returns every object belonging to serial, keyed by
// object_key.
func (s *Store) GetAllForDevice(serial string) (map[string]Object, error) {
	rows, err := s.db.Query(`SELECT object_key, object_revision, object_timestamp, value_json, updated_at
		FROM states WHERE serial = ?`, serial)
	if err != nil {
		return nil, fmt.Errorf("objectstore: getAllForDevice %s: %w", serial, err)
	}
	defer rows.Close()

	out := make(map[string]Object)
	for rows.Next() {
		var key string
		var rev, ts, updatedAt int64
		var valueJSON string
		if err := rows.Scan(&key, &rev, &ts, &valueJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("objectstore: scan %s: %w", serial, err)
		}
		out[key] = Object{
			Serial: serial, ObjectKey: key,
			ObjectRevision: rev, ObjectTimestamp: ts,
			Value: s.decodeValue(serial, key, valueJSON), UpdatedAt: updatedAt,
		}
	}
	return out, rows.Err()
}

// Upsert deep-merges incomingValue into the stored value for (serial,
// key), applying the fan-timer preservation hook, and persists the
// result. The revision recorded is max(existing revision, incoming
// revision) if the merge produced no change, otherwise at least
// existing revision + 1. Callers for the same (serial, key) are
// serialized by a per-key lock so concurrent upserts never interleave.
func (s *Store) Upsert(serial, key string, incomingRevision, incomingTimestamp int64, incomingValue any) (Object, error) {
	unlock := s.locks.lock(serial + "\x00" + key)
	defer unlock()

	existing, found, err := s.Get(serial, key)
	if err != nil {
		return Object{}, err
	}

	nowMS := time.Now().UnixMilli()

	var mergedValue any
	var existingRevision int64
	var existingValue any
	if found {
		existingRevision = existing.ObjectRevision
		existingValue = existing.Value
		mergedValue = MergeValues(existing.Value, incomingValue)
	} else {
		mergedValue = MergeValues(nil, incomingValue)
	}

	mergedValue = applyFanTimerPreservation(existingValue, mergedValue, incomingValue, nowMS)

	changed := !valueEqual(existingValue, mergedValue)
	newRevision := incomingRevision
	if existingRevision > newRevision {
		newRevision = existingRevision
	}
	if changed && newRevision <= existingRevision {
		newRevision = existingRevision + 1
	}

	valueJSON, err := json.Marshal(mergedValue)
	if err != nil {
		return Object{}, fmt.Errorf("objectstore: encode value for %s/%s: %w", serial, key, err)
	}

	_, err = s.db.Exec(`
INSERT INTO states (serial, object_key, object_revision, object_timestamp, value_json, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(serial, object_key) DO UPDATE SET
	object_revision = excluded.object_revision,
	object_timestamp = excluded.object_timestamp,
	value_json = excluded.value_json,
	updated_at = excluded.updated_at
`, serial, key, newRevision, incomingTimestamp, string(valueJSON), nowMS)
	if err != nil {
		return Object{}, fmt.Errorf("objectstore: upsert %s/%s: %w", serial, key, err)
	}

	return Object{
		Serial: serial, ObjectKey: key,
		ObjectRevision: newRevision, ObjectTimestamp: incomingTimestamp,
		Value: mergedValue, UpdatedAt: nowMS,
	}, nil
}

// decodeValue unmarshals value_json, treating malformed JSON as a
// non-fatal warning rather than failing the whole request: the value
// reads back as nil. The row itself is not hidden — Get still reports
// the key as found and GetAllForDevice still includes it.
func (s *Store) decodeValue(serial, key, raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		s.logger.Warn("objectstore: malformed stored value, treating as absent",
			"serial", serial, "key", key, "error", err)
		return nil
	}
	return v
}

func valueEqual(a, b any) bool {
	aJSON, aErr := json.Marshal(a)
	bJSON, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return string(aJSON) == string(bJSON)
}
