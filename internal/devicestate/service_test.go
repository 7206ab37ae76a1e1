package devicestate

import (
	"path/filepath"
	"testing"

	"github.com/thermserve/thermserve/internal/integrations"
	"github.com/thermserve/thermserve/internal/objectstore"
	"github.com/thermserve/thermserve/internal/subscriptions"
)

type stubWatchdog struct {
	seen []string
}

func (w *stubWatchdog) MarkSeen(serial string) {
	w.seen = append(w.seen, serial)
}

func newTestService(t *testing.T) (*Service, *stubWatchdog) {
	t.Helper()
	store, err := objectstore.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("objectstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	wd := &stubWatchdog{}
	subs := subscriptions.New()
	integ := integrations.NewManager(func(string) (integrations.Instance, error) { return nil, nil }, nil)
	entitled := func(string) ([]string, error) { return nil, nil }

	return New(store, wd, subs, integ, entitled, nil), wd
}

func TestTouchMarksSeenWithoutWrite(t *testing.T) {
	svc, wd := newTestService(t)
	svc.Touch("A1")

	if len(wd.seen) != 1 || wd.seen[0] != "A1" {
		t.Errorf("watchdog.seen = %v, want [A1]", wd.seen)
	}
	if _, ok, _ := svc.Get("A1", "device.A1"); ok {
		t.Error("Touch should not have written an object")
	}
}

func TestUpsertMarksSeenAndWrites(t *testing.T) {
	svc, wd := newTestService(t)
	obj, err := svc.Upsert("A1", "device.A1", 0, 1000, map[string]any{"current_temperature": 21.0})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if obj.Value.(map[string]any)["current_temperature"] != 21.0 {
		t.Errorf("unexpected value: %+v", obj.Value)
	}
	if len(wd.seen) != 1 || wd.seen[0] != "A1" {
		t.Errorf("watchdog.seen = %v, want [A1]", wd.seen)
	}
}

func TestDeviceChangeHookFiresOnlyForDeviceKey(t *testing.T) {
	svc, _ := newTestService(t)
	var hookedSerials []string
	svc.SetDeviceChangeHook(func(serial string) {
		hookedSerials = append(hookedSerials, serial)
	})

	if _, err := svc.Upsert("A1", "shared.A1", 0, 1000, map[string]any{"target_temperature": 20.0}); err != nil {
		t.Fatalf("Upsert shared: %v", err)
	}
	if len(hookedSerials) != 0 {
		t.Errorf("hook should not fire for a shared.* write, got %v", hookedSerials)
	}

	if _, err := svc.Upsert("A1", "device.A1", 0, 1000, map[string]any{"away": true}); err != nil {
		t.Fatalf("Upsert device: %v", err)
	}
	if len(hookedSerials) != 1 || hookedSerials[0] != "A1" {
		t.Errorf("hookedSerials = %v, want [A1]", hookedSerials)
	}
}

func TestGetAllForDevice(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Upsert("A1", "device.A1", 0, 1000, map[string]any{"away": true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := svc.Upsert("A1", "shared.A1", 0, 1000, map[string]any{"target_temperature": 20.0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	all, err := svc.GetAllForDevice("A1")
	if err != nil {
		t.Fatalf("GetAllForDevice: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}
}
