// Package integrations defines the outbound integration bus contract
// and the per-user lifecycle manager that owns running integration
// instances (MQTT being the reference integration in
// internal/mqttbridge). Grounded on the per-target map-plus-RWMutex
// shape used for connection status tracking elsewhere in this
// codebase, generalized from a read-mostly status map into a per-user
// start/stop serialization point.
package integrations

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DeviceStateChange is dispatched to every integration instance scoped
// to a user who owns or is shared the affected serial.
type DeviceStateChange struct {
	Serial    string
	ObjectKey string
	Value     any
	Revision  int64
	Timestamp int64
}

// Instance is one running integration for one user. Implementations
// (e.g. the MQTT bridge) must treat Initialize/Shutdown as the only
// lifecycle calls the manager makes; everything else is driven by
// Device State Service dispatch.
type Instance interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	OnDeviceStateChange(change DeviceStateChange)
	OnDeviceConnected(serial string)
	OnDeviceDisconnected(serial string)
}

// Factory builds a new, not-yet-initialized Instance for a user.
type Factory func(userID string) (Instance, error)

// Manager owns userID -> running Instance, serializing start/stop per
// user so a config change (stop then start) never races a concurrent
// restart for the same user.
type Manager struct {
	factory Factory
	logger  *slog.Logger

	mu        sync.RWMutex
	instances map[string]Instance
	userLocks map[string]*sync.Mutex
}

// NewManager creates a Manager that builds instances via factory.
func NewManager(factory Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:   factory,
		logger:    logger,
		instances: make(map[string]Instance),
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.userLocks[userID] = l
	}
	return l
}

// Start builds and initializes an integration instance for userID. If
// one is already running it is shut down first. Start failures are
// captured and returned; the user's integration is left disabled
// (absent from the manager) rather than left half-initialized.
func (m *Manager) Start(ctx context.Context, userID string) error {
	lock := m.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	m.stopLocked(ctx, userID)

	inst, err := m.factory(userID)
	if err != nil {
		return fmt.Errorf("integrations: build instance for user %s: %w", userID, err)
	}
	if err := inst.Initialize(ctx); err != nil {
		return fmt.Errorf("integrations: initialize for user %s: %w", userID, err)
	}

	m.mu.Lock()
	m.instances[userID] = inst
	m.mu.Unlock()
	return nil
}

// Stop shuts down userID's integration instance, if any.
func (m *Manager) Stop(ctx context.Context, userID string) {
	lock := m.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()
	m.stopLocked(ctx, userID)
}

func (m *Manager) stopLocked(ctx context.Context, userID string) {
	m.mu.Lock()
	inst, ok := m.instances[userID]
	delete(m.instances, userID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := inst.Shutdown(ctx); err != nil {
		m.logger.Warn("integrations: shutdown error", "user", userID, "error", err)
	}
}

// StopAll shuts down every running instance, used during server
// shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	userIDs := make([]string, 0, len(m.instances))
	for id := range m.instances {
		userIDs = append(userIDs, id)
	}
	m.mu.RUnlock()

	for _, id := range userIDs {
		m.Stop(ctx, id)
	}
}

// ActiveUsers returns the userIDs with a currently running integration
// instance, used by the status CLI and health endpoint.
func (m *Manager) ActiveUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]string, 0, len(m.instances))
	for id := range m.instances {
		users = append(users, id)
	}
	return users
}

// Dispatch fans change out to the running instance of every user in
// usersEntitled (the caller's owner-plus-shares set for serial). Observer
// (integration) errors never propagate to the device write path —
// panics are recovered and logged per-instance.
func (m *Manager) Dispatch(change DeviceStateChange, usersEntitled []string) {
	m.mu.RLock()
	targets := make([]Instance, 0, len(usersEntitled))
	for _, userID := range usersEntitled {
		if inst, ok := m.instances[userID]; ok {
			targets = append(targets, inst)
		}
	}
	m.mu.RUnlock()

	for _, inst := range targets {
		m.safeInvoke(func() { inst.OnDeviceStateChange(change) })
	}
}

// DispatchConnected/DispatchDisconnected notify every running
// instance entitled to serial of a watchdog transition.
func (m *Manager) DispatchConnected(serial string, usersEntitled []string) {
	m.forEachEntitled(usersEntitled, func(inst Instance) { inst.OnDeviceConnected(serial) })
}

func (m *Manager) DispatchDisconnected(serial string, usersEntitled []string) {
	m.forEachEntitled(usersEntitled, func(inst Instance) { inst.OnDeviceDisconnected(serial) })
}

func (m *Manager) forEachEntitled(usersEntitled []string, f func(Instance)) {
	m.mu.RLock()
	targets := make([]Instance, 0, len(usersEntitled))
	for _, userID := range usersEntitled {
		if inst, ok := m.instances[userID]; ok {
			targets = append(targets, inst)
		}
	}
	m.mu.RUnlock()

	for _, inst := range targets {
		inst := inst
		m.safeInvoke(func() { f(inst) })
	}
}

func (m *Manager) safeInvoke(f func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("integrations: instance callback panicked", "panic", r)
		}
	}()
	f()
}
