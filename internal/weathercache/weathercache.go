// Package weathercache reads cached weather payloads keyed by postal
// code and country. Fetching weather data from an upstream provider is
// explicitly out of scope for the core; the core only reads through
// this package (Get), while Put is the write path left for whatever
// collaborator fetches weather, mirroring how the fact store elsewhere
// in this codebase treats soft-deleted/expired rows as absent without
// owning their ingestion path.
package weathercache

import (
	"database/sql"
	"fmt"
	"time"
)

// TTL is the staleness window: entries older than this are treated as
// a cache miss by Get.
const TTL = 30 * time.Minute

// Entry is a cached weather payload for one (postalCode, country).
type Entry struct {
	PostalCode string
	Country    string
	PayloadJSON string
	UpdatedAt  int64 // epoch ms
}

// Cache reads weather entries from the shared SQLite handle.
type Cache struct {
	db *sql.DB
}

// New wraps db, typically the same handle used by the object store.
func New(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// Migrate creates the weather table if absent.
func (c *Cache) Migrate() error {
	_, err := c.db.Exec(`
CREATE TABLE IF NOT EXISTS weather (
	postal_code  TEXT NOT NULL,
	country      TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (postal_code, country)
);
`)
	if err != nil {
		return fmt.Errorf("weathercache: migrate: %w", err)
	}
	return nil
}

// Get returns the cached entry for (postalCode, country) if present
// and not older than TTL.
func (c *Cache) Get(postalCode, country string) (Entry, bool, error) {
	row := c.db.QueryRow(`SELECT payload_json, updated_at FROM weather
		WHERE postal_code = ? AND country = ?`, postalCode, country)

	var payload string
	var updatedAt int64
	if err := row.Scan(&payload, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("weathercache: get %s/%s: %w", postalCode, country, err)
	}

	age := time.Since(time.UnixMilli(updatedAt))
	if age > TTL {
		return Entry{}, false, nil
	}

	return Entry{
		PostalCode:  postalCode,
		Country:     country,
		PayloadJSON: payload,
		UpdatedAt:   updatedAt,
	}, true, nil
}

// Put writes or replaces the cached entry for (postalCode, country).
// This is the seam an out-of-core weather-fetching collaborator writes
// through; the core never calls it itself.
func (c *Cache) Put(postalCode, country, payloadJSON string) error {
	_, err := c.db.Exec(`
INSERT INTO weather (postal_code, country, payload_json, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(postal_code, country) DO UPDATE SET
	payload_json = excluded.payload_json,
	updated_at = excluded.updated_at
`, postalCode, country, payloadJSON, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("weathercache: put %s/%s: %w", postalCode, country, err)
	}
	return nil
}
