// Package reconciler derives cross-device state — per-user "away"
// status and cached weather — onto each device a user owns. Unlike
// the rest of the core, which reacts to a single (serial, key) write,
// the reconciler fans a single user-scoped computation back out across
// every device that user owns, so any device showing that user's
// thermostat UI sees the same aggregate.
package reconciler

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/thermserve/thermserve/internal/authz"
	"github.com/thermserve/thermserve/internal/objectstore"
	"github.com/thermserve/thermserve/internal/weathercache"
)

// Clock returns the current time as epoch milliseconds. A field rather
// than a direct time.Now call so tests can pin scenario timestamps.
type Clock func() int64

func systemClock() int64 { return time.Now().UnixMilli() }

// Reconciler derives and republishes per-user state across a user's
// owned devices.
type Reconciler struct {
	store   *objectstore.Store
	authz   *authz.Reader
	weather *weathercache.Cache
	logger  *slog.Logger
	now     Clock
}

// New builds a Reconciler. weather may be nil to disable weather
// reconciliation (away reconciliation alone still runs).
func New(store *objectstore.Store, az *authz.Reader, weather *weathercache.Cache, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, authz: az, weather: weather, logger: logger, now: systemClock}
}

// OnDeviceChange reconciles the owner of serial, if it has one. Called
// after any device.«serial» write.
func (r *Reconciler) OnDeviceChange(serial string) error {
	userID, ok, err := r.authz.OwnerOf(serial)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return r.ReconcileUser(userID)
}

// ReconcileUser runs both away and weather reconciliation for userID
// on demand.
func (r *Reconciler) ReconcileUser(userID string) error {
	if err := r.reconcileAway(userID); err != nil {
		return err
	}
	if r.weather != nil {
		if err := r.reconcileWeather(userID); err != nil {
			return err
		}
	}
	return nil
}

type awayAggregate struct {
	anyReported             bool
	allAway                 bool
	mostRecentAwayTimestamp int64
	hasVacationMode         bool
	mostRecentManualAway    int64
	awaySetter              string
}

func (r *Reconciler) reconcileAway(userID string) error {
	serials, err := r.authz.OwnedSerials(userID)
	if err != nil {
		return err
	}
	if len(serials) == 0 {
		return nil
	}

	agg := awayAggregate{allAway: true}
	for _, serial := range serials {
		obj, ok, err := r.store.Get(serial, "device."+serial)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		device, _ := obj.Value.(map[string]any)
		if device == nil {
			continue
		}
		agg.anyReported = true

		away, _ := device["away"].(bool)
		if !away {
			agg.allAway = false
		}
		if ts := numberField(device, "away_timestamp"); ts > agg.mostRecentAwayTimestamp {
			agg.mostRecentAwayTimestamp = ts
		}
		if vm, _ := device["vacation_mode"].(bool); vm {
			agg.hasVacationMode = true
		}
		if ts := numberField(device, "manual_away_timestamp"); ts > agg.mostRecentManualAway {
			agg.mostRecentManualAway = ts
			agg.awaySetter, _ = device["away_setter"].(string)
		}
	}
	if !agg.anyReported {
		agg.allAway = false
	}

	fields := map[string]any{
		"away":          agg.allAway,
		"vacation_mode": agg.hasVacationMode,
	}
	if agg.mostRecentAwayTimestamp > 0 {
		fields["away_timestamp"] = agg.mostRecentAwayTimestamp
	}
	if agg.mostRecentManualAway > 0 {
		fields["manual_away_timestamp"] = agg.mostRecentManualAway
		fields["away_setter"] = agg.awaySetter
	}

	nowMS := r.now()
	for _, serial := range serials {
		if _, err := r.store.Upsert(serial, "user."+userID, 0, nowMS, fields); err != nil {
			r.logger.Warn("reconciler: away upsert failed", "user", userID, "serial", serial, "error", err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileWeather(userID string) error {
	serials, err := r.authz.OwnedSerials(userID)
	if err != nil {
		return err
	}

	var postalCode, country string
	for _, serial := range serials {
		obj, ok, err := r.store.Get(serial, "device."+serial)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		device, _ := obj.Value.(map[string]any)
		pc, _ := device["postal_code"].(string)
		if pc == "" {
			continue
		}
		postalCode = pc
		country, _ = device["country"].(string)
		if country == "" {
			country = "US"
		}
		break
	}
	if postalCode == "" {
		return nil
	}

	entry, ok, err := r.weather.Get(postalCode, country)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(entry.PayloadJSON), &payload); err != nil {
		r.logger.Warn("reconciler: malformed cached weather payload", "postal_code", postalCode, "country", country, "error", err)
		return nil
	}

	fields := map[string]any{
		"current":   payload["current"],
		"location":  payload["location"],
		"updatedAt": entry.UpdatedAt,
	}
	nowMS := r.now()
	for _, serial := range serials {
		if _, err := r.store.Upsert(serial, "weather."+serial, 0, nowMS, fields); err != nil {
			r.logger.Warn("reconciler: weather upsert failed", "user", userID, "serial", serial, "error", err)
		}
	}
	return nil
}

func numberField(m map[string]any, key string) int64 {
	switch n := m[key].(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
