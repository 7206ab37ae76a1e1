// Package authz reads device ownership and sharing records. The core
// only ever reads these tables — administration of ownership, shares,
// API keys, and entry-key allocation is out of scope and lives outside
// this package's surface. Grounded on the narrow, read-only SQLite
// reader shape used elsewhere in this codebase for tables the core
// consumes but does not own the lifecycle of.
package authz

import (
	"database/sql"
	"fmt"
)

// Reader answers ownership and sharing questions against the shared
// SQLite handle. Its tables (device_owners, device_shares,
// share_invites) are created by Migrate in the same database as the
// object store, since in this design they are additional tables in one
// database rather than an external service.
type Reader struct {
	db *sql.DB
}

// New wraps db. Callers typically share the *sql.DB used by the
// object store.
func New(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Migrate creates the ownership/share tables if absent. Safe to call
// repeatedly.
func (r *Reader) Migrate() error {
	_, err := r.db.Exec(`
CREATE TABLE IF NOT EXISTS device_owners (
	user_id TEXT NOT NULL,
	serial  TEXT NOT NULL,
	PRIMARY KEY (user_id, serial)
);
CREATE INDEX IF NOT EXISTS idx_device_owners_serial ON device_owners(serial);

CREATE TABLE IF NOT EXISTS device_shares (
	owner_id            TEXT NOT NULL,
	shared_with_user_id TEXT NOT NULL,
	serial              TEXT NOT NULL,
	permissions_json    TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (owner_id, shared_with_user_id, serial)
);
CREATE INDEX IF NOT EXISTS idx_device_shares_serial ON device_shares(serial);

-- shareInvites: renamed from the source's seviceShareInvites typo.
CREATE TABLE IF NOT EXISTS share_invites (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	invitee_id  TEXT NOT NULL,
	serial      TEXT NOT NULL,
	accepted    INTEGER NOT NULL DEFAULT 0
);
`)
	if err != nil {
		return fmt.Errorf("authz: migrate: %w", err)
	}
	return nil
}

// OwnerOf returns the userID that owns serial, or false if
// unassigned.
func (r *Reader) OwnerOf(serial string) (string, bool, error) {
	row := r.db.QueryRow(`SELECT user_id FROM device_owners WHERE serial = ? LIMIT 1`, serial)
	var userID string
	if err := row.Scan(&userID); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("authz: ownerOf %s: %w", serial, err)
	}
	return userID, true, nil
}

// UsersEntitled returns every userID entitled to serial: its owner
// plus everyone it is shared with. Used by the Device State Service to
// build the integration-dispatch target set and by the protocol
// handlers to authorize a device's own serial against its owner/share
// records.
func (r *Reader) UsersEntitled(serial string) ([]string, error) {
	rows, err := r.db.Query(`
SELECT user_id FROM device_owners WHERE serial = ?
UNION
SELECT shared_with_user_id FROM device_shares WHERE serial = ?`, serial, serial)
	if err != nil {
		return nil, fmt.Errorf("authz: usersEntitled %s: %w", serial, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("authz: scan %s: %w", serial, err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// OwnedSerials returns every serial owned by userID, used by the
// reconciler and the MQTT bridge's device-set reconciliation.
func (r *Reader) OwnedSerials(userID string) ([]string, error) {
	rows, err := r.db.Query(`SELECT serial FROM device_owners WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("authz: ownedSerials %s: %w", userID, err)
	}
	defer rows.Close()

	var serials []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("authz: scan %s: %w", userID, err)
		}
		serials = append(serials, s)
	}
	return serials, rows.Err()
}

// SharedSerials returns every serial shared with userID (not owned).
func (r *Reader) SharedSerials(userID string) ([]string, error) {
	rows, err := r.db.Query(`SELECT serial FROM device_shares WHERE shared_with_user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("authz: sharedSerials %s: %w", userID, err)
	}
	defer rows.Close()

	var serials []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("authz: scan %s: %w", userID, err)
		}
		serials = append(serials, s)
	}
	return serials, rows.Err()
}

// CheckSerialAccess reports whether userID may act on serial (owns it
// or holds a share). This is the non-inverted replacement for the
// source's checkApiKeyPermission, which appeared to deny access when
// the serial was present in the allow-list — allow-list-is-allow is
// adopted here; see DESIGN.md.
func (r *Reader) CheckSerialAccess(userID, serial string) (bool, error) {
	users, err := r.UsersEntitled(serial)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}
