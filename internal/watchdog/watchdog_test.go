package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestScenarioS4WatchdogTimeout mirrors scenario S4.
func TestScenarioS4WatchdogTimeout(t *testing.T) {
	w := New(50*time.Millisecond, 10*time.Millisecond, nil)

	var mu sync.Mutex
	var events []struct {
		serial    string
		available bool
	}
	w.SetAvailabilityChangeHandler(func(serial string, available bool) {
		mu.Lock()
		events = append(events, struct {
			serial    string
			available bool
		}{serial, available})
		mu.Unlock()
	})

	w.MarkSeen("B")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	offlineCount := 0
	for _, e := range events {
		if e.serial == "B" && !e.available {
			offlineCount++
		}
	}
	mu.Unlock()
	if offlineCount != 1 {
		t.Fatalf("offline transitions for B = %d, want exactly 1", offlineCount)
	}
	if w.GetAvailability("B") {
		t.Error("B should be unavailable after timeout")
	}

	w.MarkSeen("B")
	if !w.GetAvailability("B") {
		t.Error("B should be available immediately after re-mark")
	}
}

func TestUnknownDeviceUnavailable(t *testing.T) {
	w := New(time.Second, time.Second, nil)
	if w.GetAvailability("unknown") {
		t.Error("unknown device should report unavailable")
	}
}

func TestHandlerPanicDoesNotStopSweep(t *testing.T) {
	w := New(20*time.Millisecond, 5*time.Millisecond, nil)
	w.SetAvailabilityChangeHandler(func(serial string, available bool) {
		panic("boom")
	})
	w.MarkSeen("X")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	time.Sleep(60 * time.Millisecond)
	// By now the sweep has timed out X and its handler has panicked. The
	// sweep must still be alive to time out a device seen afterwards.
	w.MarkSeen("Y")
	if !w.GetAvailability("Y") {
		t.Error("Y should be available right after MarkSeen")
	}
	time.Sleep(60 * time.Millisecond)
	if w.GetAvailability("Y") {
		t.Error("sweep goroutine should have survived the handler panic")
	}
}

func TestMarkSeenFiresOnlineOnce(t *testing.T) {
	w := New(time.Second, time.Second, nil)
	var count int
	w.SetAvailabilityChangeHandler(func(serial string, available bool) {
		if available {
			count++
		}
	})
	w.MarkSeen("Z")
	w.MarkSeen("Z")
	w.MarkSeen("Z")
	if count != 1 {
		t.Errorf("online fired %d times, want 1 (no-op re-marks while already available)", count)
	}
}
