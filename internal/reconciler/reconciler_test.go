package reconciler

import (
	"path/filepath"
	"testing"

	"github.com/thermserve/thermserve/internal/authz"
	"github.com/thermserve/thermserve/internal/objectstore"
	"github.com/thermserve/thermserve/internal/weathercache"
)

func newTestReconciler(t *testing.T) (*Reconciler, *objectstore.Store, *authz.Reader) {
	t.Helper()
	dir := t.TempDir()
	store, err := objectstore.Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("objectstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	az := authz.New(store.DB())
	if err := az.Migrate(); err != nil {
		t.Fatalf("authz.Migrate: %v", err)
	}

	wc := weathercache.New(store.DB())
	if err := wc.Migrate(); err != nil {
		t.Fatalf("weathercache.Migrate: %v", err)
	}

	r := New(store, az, wc, nil)
	return r, store, az
}

func ownDevice(t *testing.T, store *objectstore.Store, userID, serial string) {
	t.Helper()
	if _, err := store.DB().Exec(
		`INSERT INTO device_owners (user_id, serial) VALUES (?, ?)`, userID, serial,
	); err != nil {
		t.Fatalf("seed device_owners: %v", err)
	}
}

// TestScenarioS6Reconciler follows the away/vacation_mode/away_timestamp
// scenario exactly: the most-recent away_timestamp across a user's
// devices wins, and vacation_mode is sticky once any device reports it.
func TestScenarioS6Reconciler(t *testing.T) {
	r, store, _ := newTestReconciler(t)
	ownDevice(t, store, "U", "A")
	ownDevice(t, store, "U", "B")

	mustUpsert(t, store, "A", "device.A", map[string]any{"away": true, "away_timestamp": float64(100)})
	mustUpsert(t, store, "B", "device.B", map[string]any{"away": true, "away_timestamp": float64(200), "vacation_mode": true})

	if err := r.ReconcileUser("U"); err != nil {
		t.Fatalf("ReconcileUser: %v", err)
	}

	for _, serial := range []string{"A", "B"} {
		obj, ok, err := store.Get(serial, "user.U")
		if err != nil || !ok {
			t.Fatalf("Get user.U on %s: ok=%v err=%v", serial, ok, err)
		}
		v := obj.Value.(map[string]any)
		if v["away"] != true {
			t.Errorf("%s: away = %v, want true", serial, v["away"])
		}
		if v["vacation_mode"] != true {
			t.Errorf("%s: vacation_mode = %v, want true", serial, v["vacation_mode"])
		}
		if v["away_timestamp"] != float64(200) {
			t.Errorf("%s: away_timestamp = %v, want 200", serial, v["away_timestamp"])
		}
	}

	// device.A flips to not-away; both should now read away:false while
	// vacation_mode and away_timestamp stay put.
	mustUpsert(t, store, "A", "device.A", map[string]any{"away": false})
	if err := r.ReconcileUser("U"); err != nil {
		t.Fatalf("ReconcileUser (second pass): %v", err)
	}

	for _, serial := range []string{"A", "B"} {
		obj, _, _ := store.Get(serial, "user.U")
		v := obj.Value.(map[string]any)
		if v["away"] != false {
			t.Errorf("%s: away = %v, want false", serial, v["away"])
		}
		if v["vacation_mode"] != true {
			t.Errorf("%s: vacation_mode = %v, want true", serial, v["vacation_mode"])
		}
		if v["away_timestamp"] != float64(200) {
			t.Errorf("%s: away_timestamp = %v, want 200", serial, v["away_timestamp"])
		}
	}
}

func TestReconcileAwayNoOwnedDevicesIsNoop(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	if err := r.ReconcileUser("nobody"); err != nil {
		t.Fatalf("ReconcileUser with no owned devices: %v", err)
	}
}

func TestReconcileAwayFalseWhenNoDeviceReports(t *testing.T) {
	r, store, _ := newTestReconciler(t)
	ownDevice(t, store, "U", "A")
	// No device.A object written at all.

	if err := r.ReconcileUser("U"); err != nil {
		t.Fatalf("ReconcileUser: %v", err)
	}
	obj, ok, err := store.Get("A", "user.U")
	if err != nil || !ok {
		t.Fatalf("Get user.U: ok=%v err=%v", ok, err)
	}
	if obj.Value.(map[string]any)["away"] != false {
		t.Errorf("away = %v, want false", obj.Value.(map[string]any)["away"])
	}
}

func TestReconcileManualAwaySetterTracksMostRecent(t *testing.T) {
	r, store, _ := newTestReconciler(t)
	ownDevice(t, store, "U", "A")
	ownDevice(t, store, "U", "B")

	mustUpsert(t, store, "A", "device.A", map[string]any{
		"away": false, "manual_away_timestamp": float64(50), "away_setter": "alice",
	})
	mustUpsert(t, store, "B", "device.B", map[string]any{
		"away": false, "manual_away_timestamp": float64(150), "away_setter": "bob",
	})

	if err := r.ReconcileUser("U"); err != nil {
		t.Fatalf("ReconcileUser: %v", err)
	}
	obj, _, _ := store.Get("A", "user.U")
	v := obj.Value.(map[string]any)
	if v["manual_away_timestamp"] != float64(150) {
		t.Errorf("manual_away_timestamp = %v, want 150", v["manual_away_timestamp"])
	}
	if v["away_setter"] != "bob" {
		t.Errorf("away_setter = %v, want bob", v["away_setter"])
	}
}

func TestReconcileWeatherWritesFromFirstDeviceWithPostalCode(t *testing.T) {
	r, store, _ := newTestReconciler(t)
	ownDevice(t, store, "U", "A")
	ownDevice(t, store, "U", "B")

	mustUpsert(t, store, "A", "device.A", map[string]any{"away": false})
	mustUpsert(t, store, "B", "device.B", map[string]any{"away": false, "postal_code": "94110"})

	wc := weathercache.New(store.DB())
	if err := wc.Migrate(); err != nil {
		t.Fatalf("weathercache.Migrate: %v", err)
	}
	if err := wc.Put("94110", "US", `{"current":{"tempC":18},"location":"San Francisco"}`); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := r.ReconcileUser("U"); err != nil {
		t.Fatalf("ReconcileUser: %v", err)
	}
	for _, serial := range []string{"A", "B"} {
		obj, ok, err := store.Get(serial, "weather."+serial)
		if err != nil || !ok {
			t.Fatalf("Get weather.%s: ok=%v err=%v", serial, ok, err)
		}
		v := obj.Value.(map[string]any)
		if v["location"] != "San Francisco" {
			t.Errorf("%s: location = %v, want San Francisco", serial, v["location"])
		}
	}
}

func TestOnDeviceChangeNoopForUnownedSerial(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	if err := r.OnDeviceChange("unowned-serial"); err != nil {
		t.Fatalf("OnDeviceChange: %v", err)
	}
}

func mustUpsert(t *testing.T, store *objectstore.Store, serial, key string, value any) {
	t.Helper()
	if _, err := store.Upsert(serial, key, 0, 0, value); err != nil {
		t.Fatalf("Upsert(%s, %s): %v", serial, key, err)
	}
}
