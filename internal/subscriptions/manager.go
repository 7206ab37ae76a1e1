// Package subscriptions implements the long-poll waiter registry: a
// device registers interest in a serial (optionally scoped to a set of
// object keys) and is delivered the next matching update exactly once.
// Grounded on the watcher-channel-cancel shape used for presence
// broadcast in this codebase's HTTP layer, generalized from
// broadcast-to-all into per-serial/per-key matching with
// single-delivery-then-close semantics.
package subscriptions

import (
	"sync"

	"github.com/google/uuid"
)

// Object is the payload delivered to a matching waiter.
type Object struct {
	Serial         string
	ObjectKey      string
	ObjectRevision int64
	Value          any
}

type waiter struct {
	id     string
	serial string
	keys   map[string]struct{} // nil means "any key matches"
	ch     chan Object
	once   sync.Once
}

func (w *waiter) matches(key string) bool {
	if w.keys == nil {
		return true
	}
	_, ok := w.keys[key]
	return ok
}

// deliver sends obj to the waiter exactly once; subsequent calls are
// no-ops. Returns true if this call performed the delivery.
func (w *waiter) deliver(obj Object) bool {
	delivered := false
	w.once.Do(func() {
		w.ch <- obj
		close(w.ch)
		delivered = true
	})
	return delivered
}

// closeEmpty closes the waiter's channel without delivering a payload
// (timeout or cancellation). Idempotent with deliver.
func (w *waiter) closeEmpty() {
	w.once.Do(func() {
		close(w.ch)
	})
}

// Manager is the shared waiter registry. Register/Cancel/Notify are
// safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	waiters map[string]*waiter // waiter id -> waiter
	bySerial map[string]map[string]struct{} // serial -> set of waiter ids
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		waiters:  make(map[string]*waiter),
		bySerial: make(map[string]map[string]struct{}),
	}
}

// Handle is returned by Register; callers receive delivery on Chan()
// and must call Cancel() if they stop waiting before a value arrives
// (e.g. on request-context cancellation or timeout), per the request-
// owns-the-waiter-lifetime discipline.
type Handle struct {
	id  string
	m   *Manager
	ch  <-chan Object
}

// Chan returns the delivery channel. It is closed either after exactly
// one Object is sent, or immediately on Cancel with nothing sent.
func (h *Handle) Chan() <-chan Object { return h.ch }

// Cancel removes the waiter without delivering a payload. Idempotent.
func (h *Handle) Cancel() {
	h.m.cancel(h.id)
}

// Register creates a waiter for serial, optionally scoped to keys (nil
// or empty means any key on that serial matches).
func (m *Manager) Register(serial string, keys []string) *Handle {
	id := uuid.NewString()
	w := &waiter{
		id:     id,
		serial: serial,
		ch:     make(chan Object, 1),
	}
	if len(keys) > 0 {
		w.keys = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			w.keys[k] = struct{}{}
		}
	}

	m.mu.Lock()
	m.waiters[id] = w
	if m.bySerial[serial] == nil {
		m.bySerial[serial] = make(map[string]struct{})
	}
	m.bySerial[serial][id] = struct{}{}
	m.mu.Unlock()

	return &Handle{id: id, m: m, ch: w.ch}
}

// Notify matches serial/key against every registered waiter and
// delivers obj to each match. Matched waiters are removed. Returns the
// number of waiters notified.
func (m *Manager) Notify(serial, key string, obj Object) int {
	m.mu.Lock()
	ids := m.bySerial[serial]
	var matched []*waiter
	for id := range ids {
		w := m.waiters[id]
		if w != nil && w.matches(key) {
			matched = append(matched, w)
			delete(m.waiters, id)
			delete(ids, id)
		}
	}
	if len(ids) == 0 {
		delete(m.bySerial, serial)
	}
	m.mu.Unlock()

	count := 0
	for _, w := range matched {
		if w.deliver(obj) {
			count++
		}
	}
	return count
}

// cancel closes a waiter's channel (if still registered) without
// delivering a payload.
func (m *Manager) cancel(id string) {
	m.mu.Lock()
	w, ok := m.waiters[id]
	if ok {
		delete(m.waiters, id)
		if ids := m.bySerial[w.serial]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(m.bySerial, w.serial)
			}
		}
	}
	m.mu.Unlock()

	if ok {
		w.closeEmpty()
	}
}

// GetActiveSerials returns the set of serials with at least one
// registered waiter, consumed by the watchdog sweep to treat an open
// long poll as a touch.
func (m *Manager) GetActiveSerials() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.bySerial))
	for serial := range m.bySerial {
		out[serial] = struct{}{}
	}
	return out
}
