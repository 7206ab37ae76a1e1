// Package watchdog tracks per-serial device liveness and emits
// online/offline transitions on a periodic sweep. The sweep runs on a
// background ticker only — Start does not sweep immediately — in the
// shape of the connection status tracker this codebase's long-poll
// server is built from.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ChangeHandler is invoked on every availability transition. Panics
// inside the handler are recovered and logged; they never propagate
// into the sweep.
type ChangeHandler func(serial string, available bool)

type deviceState struct {
	lastSeenMS int64
	available  bool
}

// Watchdog tracks last-seen timestamps per serial and emits
// availability transitions. A device unknown to the watchdog reports
// unavailable.
type Watchdog struct {
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	devices map[string]*deviceState
	handler ChangeHandler

	// activeSerials returns the set of serials with a live long-poll
	// subscription; the sweep treats each as freshly seen before
	// checking for timeouts, per the spec's "ticked by active sessions"
	// rule.
	activeSerials func() map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Watchdog at construction.
type Option func(*Watchdog)

// WithActiveSerials registers a callback returning serials currently
// held open by a long-poll subscription; these are refreshed on every
// sweep tick even without an explicit MarkSeen.
func WithActiveSerials(f func() map[string]struct{}) Option {
	return func(w *Watchdog) { w.activeSerials = f }
}

// New creates a Watchdog with the given timeout and sweep interval.
func New(timeout, interval time.Duration, logger *slog.Logger, opts ...Option) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watchdog{
		timeout:  timeout,
		interval: interval,
		logger:   logger,
		devices:  make(map[string]*deviceState),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// SetAvailabilityChangeHandler registers the callback invoked on every
// online/offline transition. Must be called before Start.
func (w *Watchdog) SetAvailabilityChangeHandler(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

// MarkSeen records a touch for serial. If serial is unknown it is
// created as available and an online transition fires. If it was
// previously unavailable, it becomes available and an online
// transition fires.
func (w *Watchdog) MarkSeen(serial string) {
	now := time.Now().UnixMilli()

	w.mu.Lock()
	d, known := w.devices[serial]
	var fireOnline bool
	if !known {
		d = &deviceState{lastSeenMS: now, available: true}
		w.devices[serial] = d
		fireOnline = true
	} else {
		if !d.available {
			fireOnline = true
		}
		d.lastSeenMS = now
		d.available = true
	}
	handler := w.handler
	w.mu.Unlock()

	if fireOnline {
		w.invoke(handler, serial, true)
	}
}

// GetAvailability reports whether serial is currently available.
// Unknown serials report unavailable.
func (w *Watchdog) GetAvailability(serial string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.devices[serial]
	return ok && d.available
}

// ForceUnavailable immediately marks serial unavailable, firing an
// offline transition if it was previously available (or unknown — an
// unknown device becomes a known, unavailable one).
func (w *Watchdog) ForceUnavailable(serial string) {
	w.mu.Lock()
	d, ok := w.devices[serial]
	wasAvailable := ok && d.available
	if !ok {
		d = &deviceState{}
		w.devices[serial] = d
	}
	d.available = false
	handler := w.handler
	w.mu.Unlock()

	if wasAvailable || !ok {
		w.invoke(handler, serial, false)
	}
}

// Counts reports the number of known devices and how many of them are
// currently available. Used by the status CLI and health endpoint.
func (w *Watchdog) Counts() (total, available int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total = len(w.devices)
	for _, d := range w.devices {
		if d.available {
			available++
		}
	}
	return total, available
}

// Start begins the background sweep. It returns immediately; the sweep
// runs until ctx is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.sweep()
			}
		}
	}()
}

// Stop halts the background sweep and waits for it to exit.
func (w *Watchdog) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
}

// sweep refreshes active long-poll serials, then marks any available
// device unseen for longer than timeout as unavailable.
func (w *Watchdog) sweep() {
	if w.activeSerials != nil {
		for serial := range w.activeSerials() {
			w.MarkSeen(serial)
		}
	}

	now := time.Now().UnixMilli()
	var toNotify []string

	w.mu.Lock()
	for serial, d := range w.devices {
		if d.available && now-d.lastSeenMS > w.timeout.Milliseconds() {
			d.available = false
			toNotify = append(toNotify, serial)
		}
	}
	handler := w.handler
	w.mu.Unlock()

	for _, serial := range toNotify {
		w.invoke(handler, serial, false)
	}
}

func (w *Watchdog) invoke(handler ChangeHandler, serial string, available bool) {
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watchdog: change handler panicked", "serial", serial, "panic", r)
		}
	}()
	handler(serial, available)
}
