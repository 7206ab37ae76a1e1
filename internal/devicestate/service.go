// Package devicestate provides the thin façade every mutating path in
// the server must go through, so the availability watchdog,
// subscription manager, and integration bus observe every write in a
// fixed order: watchdog, then subscriptions, then integrations.
// Grounded on the optional-collaborator wiring pattern (SetXxx-style
// composition of a checkpoint store, memory store, and archive store)
// used to assemble the request server elsewhere in this codebase.
package devicestate

import (
	"log/slog"

	"github.com/thermserve/thermserve/internal/integrations"
	"github.com/thermserve/thermserve/internal/objectstore"
	"github.com/thermserve/thermserve/internal/subscriptions"
)

// EntitlementLookup resolves the set of userIDs entitled to a serial
// (owner plus shares), used to target integration dispatch.
type EntitlementLookup func(serial string) ([]string, error)

// DeviceChangeHook is notified after a device.«serial» write commits
// and every fixed-order observer has run. Used to trigger the
// cross-device reconciler without giving this package a dependency on
// it.
type DeviceChangeHook func(serial string)

// Service is the façade. Every field is a required collaborator; there
// is no degraded mode with a nil store.
type Service struct {
	store         *objectstore.Store
	watchdog      Watchdog
	subscriptions *subscriptions.Manager
	integrations  *integrations.Manager
	entitled      EntitlementLookup
	logger        *slog.Logger

	deviceChangeHook DeviceChangeHook
}

// Watchdog is the subset of *watchdog.Watchdog the service depends on,
// declared as an interface so tests can substitute a stub.
type Watchdog interface {
	MarkSeen(serial string)
}

// New assembles a Service from its collaborators.
func New(store *objectstore.Store, wd Watchdog, subs *subscriptions.Manager, integ *integrations.Manager, entitled EntitlementLookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		watchdog:      wd,
		subscriptions: subs,
		integrations:  integ,
		entitled:      entitled,
		logger:        logger,
	}
}

// SetDeviceChangeHook registers a callback fired after a device.«serial»
// write completes its fixed-order observer dispatch. Must be called
// before the service handles its first write.
func (s *Service) SetDeviceChangeHook(h DeviceChangeHook) {
	s.deviceChangeHook = h
}

// Touch marks serial seen on the watchdog without writing an object,
// used by the check-in endpoint which has no object payload of its
// own.
func (s *Service) Touch(serial string) {
	s.watchdog.MarkSeen(serial)
}

// Get passes through to the object store.
func (s *Service) Get(serial, key string) (objectstore.Object, bool, error) {
	return s.store.Get(serial, key)
}

// GetAllForDevice passes through to the object store.
func (s *Service) GetAllForDevice(serial string) (map[string]objectstore.Object, error) {
	return s.store.GetAllForDevice(serial)
}

// Upsert writes through the object store, then in order: marks the
// serial seen on the watchdog, notifies matching subscription waiters,
// and dispatches a DeviceStateChange to every integration instance
// entitled to the serial. Observer failures are logged, never raised
// to the caller — the store commit is the only thing that can fail
// this call.
func (s *Service) Upsert(serial, key string, revision, timestamp int64, value any) (objectstore.Object, error) {
	obj, err := s.store.Upsert(serial, key, revision, timestamp, value)
	if err != nil {
		return objectstore.Object{}, err
	}

	s.watchdog.MarkSeen(serial)

	s.subscriptions.Notify(serial, key, subscriptions.Object{
		Serial:         serial,
		ObjectKey:      key,
		ObjectRevision: obj.ObjectRevision,
		Value:          obj.Value,
	})

	s.dispatchIntegrations(obj)

	if s.deviceChangeHook != nil && key == "device."+serial {
		s.deviceChangeHook(serial)
	}

	return obj, nil
}

func (s *Service) dispatchIntegrations(obj objectstore.Object) {
	users, err := s.entitled(obj.Serial)
	if err != nil {
		s.logger.Warn("devicestate: entitlement lookup failed, skipping integration dispatch",
			"serial", obj.Serial, "error", err)
		return
	}
	if len(users) == 0 {
		return
	}
	s.integrations.Dispatch(integrations.DeviceStateChange{
		Serial:    obj.Serial,
		ObjectKey: obj.ObjectKey,
		Value:     obj.Value,
		Revision:  obj.ObjectRevision,
		Timestamp: obj.ObjectTimestamp,
	}, users)
}
