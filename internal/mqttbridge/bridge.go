// Package mqttbridge is the reference outbound integration: it mirrors
// device state to an MQTT broker with Home Assistant discovery and
// translates inbound HA commands back into device-object writes
// through the device state service. Grounded line-for-line on the
// sensor publisher this codebase uses for its own MQTT presence
// (connection lifecycle, discovery-on-connect, periodic reconciliation
// ticker, panic-guarded inbound handler), generalized from a
// single-process-identity publisher into a per-user bridge over a
// dynamic, periodically reconciled device set.
package mqttbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/thermserve/thermserve/internal/authz"
	"github.com/thermserve/thermserve/internal/config"
	"github.com/thermserve/thermserve/internal/devicestate"
	"github.com/thermserve/thermserve/internal/integrations"
)

// Bridge is one user's MQTT integration instance. It satisfies
// integrations.Instance.
type Bridge struct {
	cfg     config.MQTTConfig
	userID  string
	dataDir string
	state   *devicestate.Service
	authz   *authz.Reader
	logger  *slog.Logger

	instanceID string
	cm         *autopaho.ConnectionManager
	rateLimiter *messageRateLimiter

	mu       sync.Mutex
	known    map[string]struct{} // serials currently believed owned/shared
	lastMode map[string]string   // serial -> derived mode last published in discovery

	runCtx context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// New builds a Bridge for userID. It does not connect until
// Initialize is called, matching the integration manager's
// build-then-initialize lifecycle.
func New(cfg config.MQTTConfig, userID, dataDir string, state *devicestate.Service, az *authz.Reader, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg: cfg, userID: userID, dataDir: dataDir,
		state: state, authz: az, logger: logger,
		known:    make(map[string]struct{}),
		lastMode: make(map[string]string),
	}
}

// Initialize connects to the broker and starts the reconciliation
// loop. It returns once the initial connection attempt has been made
// (or has timed out and autopaho has been left to retry in the
// background) — it does not block for the bridge's lifetime.
func (b *Bridge) Initialize(ctx context.Context) error {
	id, err := loadOrCreateInstanceID(b.dataDir, b.userID)
	if err != nil {
		return err
	}
	b.instanceID = id

	brokerURL, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqttbridge: parse broker url: %w", err)
	}

	b.runCtx, b.cancel = context.WithCancel(context.Background())
	b.doneCh = make(chan struct{})

	statusTopic := b.prefix() + "/status"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic: statusTopic, Payload: []byte("offline"), QoS: 1, Retain: true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqttbridge: connected", "user", b.userID, "broker", b.cfg.BrokerURL)
			pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, _ = cm.Publish(pubCtx, &paho.Publish{Topic: statusTopic, Payload: []byte("online"), QoS: 1, Retain: true})
			b.reconcileDeviceSet(pubCtx)
			b.subscribeCommands(pubCtx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqttbridge: connection error", "user", b.userID, "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: "thermserve-" + b.instanceID[:8]},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(b.runCtx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqttbridge: connect: %w", err)
	}
	b.cm = cm

	b.rateLimiter = newMessageRateLimiter(100, time.Second, b.logger)
	go b.rateLimiter.start(b.runCtx)

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !b.rateLimiter.allow() {
			return true, nil
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("mqttbridge: command handler panicked", "topic", pr.Packet.Topic, "panic", r)
				}
			}()
			b.handleCommand(pr.Packet.Topic, pr.Packet.Payload)
		}()
		return true, nil
	})

	connCtx, connCancel := context.WithTimeout(ctx, time.Duration(b.cfg.ConnectTimeoutMS)*time.Millisecond)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqttbridge: initial connection timed out, retrying in background", "user", b.userID, "error", err)
	}

	go b.reconcileLoop()

	return nil
}

// Shutdown publishes the bridge's offline status and disconnects.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.cm == nil {
		return nil
	}
	_, _ = b.cm.Publish(ctx, &paho.Publish{Topic: b.prefix() + "/status", Payload: []byte("offline"), QoS: 1, Retain: true})
	return b.cm.Disconnect(ctx)
}

// OnDeviceStateChange publishes raw state for the affected object (any
// type, when PublishRaw is set) and, when its type prefix is
// device./shared., the serial's derived state.
func (b *Bridge) OnDeviceStateChange(change integrations.DeviceStateChange) {
	serial, objType, ok := splitSerialAndType(change.ObjectKey, change.Serial)
	if !ok {
		return
	}
	if !b.isKnown(serial) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if b.cfg.PublishRaw {
		b.publishRaw(ctx, serial, objType, change.Value)
	}
	if objType == "device" || objType == "shared" {
		mode := b.publishDerivedState(ctx, serial)
		b.republishDiscoveryOnModeChange(ctx, serial, mode)
	}
}

// republishDiscoveryOnModeChange re-publishes the discovery payload
// for serial when its derived mode differs from the one last
// published, so HA's climate entity schema (modes, setpoint topics)
// tracks the device's current capability instead of going stale after
// a heat<->range flip.
func (b *Bridge) republishDiscoveryOnModeChange(ctx context.Context, serial, mode string) {
	if mode == "" {
		return
	}
	b.mu.Lock()
	changed := b.lastMode[serial] != mode
	b.lastMode[serial] = mode
	b.mu.Unlock()

	if changed {
		b.publishDiscovery(ctx, serial)
	}
}

// OnDeviceConnected publishes "online" availability for serial.
func (b *Bridge) OnDeviceConnected(serial string) {
	if !b.isKnown(serial) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.publishAvailability(ctx, serial, "online")
}

// OnDeviceDisconnected publishes "offline" availability for serial.
func (b *Bridge) OnDeviceDisconnected(serial string) {
	if !b.isKnown(serial) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.publishAvailability(ctx, serial, "offline")
}

func (b *Bridge) isKnown(serial string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.known[serial]
	return ok
}

func (b *Bridge) prefix() string { return b.cfg.TopicPrefix }

func (b *Bridge) serialBase(serial string) string { return b.cfg.TopicPrefix + "/" + serial }

// reconcileLoop periodically reconciles the owned+shared serial set
// against what the bridge currently believes it has, publishing
// discovery/tombstones for additions/removals.
func (b *Bridge) reconcileLoop() {
	defer close(b.doneCh)
	interval := time.Duration(b.cfg.ReconcileIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.runCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(b.runCtx, 10*time.Second)
			b.reconcileDeviceSet(ctx)
			cancel()
		}
	}
}

func (b *Bridge) reconcileDeviceSet(ctx context.Context) {
	if b.cm == nil {
		return
	}
	owned, err := b.authz.OwnedSerials(b.userID)
	if err != nil {
		b.logger.Warn("mqttbridge: owned serials lookup failed", "user", b.userID, "error", err)
		return
	}
	shared, err := b.authz.SharedSerials(b.userID)
	if err != nil {
		b.logger.Warn("mqttbridge: shared serials lookup failed", "user", b.userID, "error", err)
		return
	}

	current := make(map[string]struct{}, len(owned)+len(shared))
	for _, s := range owned {
		current[s] = struct{}{}
	}
	for _, s := range shared {
		current[s] = struct{}{}
	}

	b.mu.Lock()
	var added, removed []string
	for s := range current {
		if _, ok := b.known[s]; !ok {
			added = append(added, s)
		}
	}
	for s := range b.known {
		if _, ok := current[s]; !ok {
			removed = append(removed, s)
		}
	}
	b.known = current
	b.mu.Unlock()

	for _, serial := range added {
		b.publishDiscovery(ctx, serial)
		mode := b.publishDerivedState(ctx, serial)
		if mode != "" {
			b.mu.Lock()
			b.lastMode[serial] = mode
			b.mu.Unlock()
		}
		b.publishAvailability(ctx, serial, "online")
	}
	for _, serial := range removed {
		b.publishTombstone(ctx, serial)
		b.publishAvailability(ctx, serial, "offline")
		b.mu.Lock()
		delete(b.lastMode, serial)
		b.mu.Unlock()
	}
}

func (b *Bridge) publishDiscovery(ctx context.Context, serial string) {
	b.publishDiscoveryPayload(ctx, "climate", serial, climateConfig(b.prefix(), serial))
	b.publishDiscoveryPayload(ctx, "sensor", serial+"_humidity", humiditySensorConfig(b.prefix(), serial))
	b.publishDiscoveryPayload(ctx, "sensor", serial+"_occupancy", occupancySensorConfig(b.prefix(), serial))
	b.publishDiscoveryPayload(ctx, "sensor", serial+"_outdoor_temperature", outdoorTemperatureSensorConfig(b.prefix(), serial))
}

func (b *Bridge) publishTombstone(ctx context.Context, serial string) {
	for _, pair := range []struct{ component, object string }{
		{"climate", serial},
		{"sensor", serial + "_humidity"},
		{"sensor", serial + "_occupancy"},
		{"sensor", serial + "_outdoor_temperature"},
	} {
		topic := b.discoveryTopic(pair.component, pair.object)
		if _, err := b.cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: nil, QoS: 1, Retain: true}); err != nil {
			b.logger.Warn("mqttbridge: tombstone publish failed", "topic", topic, "error", err)
		}
	}
}

func (b *Bridge) discoveryTopic(component, object string) string {
	return b.cfg.DiscoveryPrefix + "/" + component + "/" + object + "/config"
}

func (b *Bridge) publishDiscoveryPayload(ctx context.Context, component, object string, cfg any) {
	if !b.cfg.HomeAssistantDiscovery {
		return
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		b.logger.Error("mqttbridge: marshal discovery payload failed", "object", object, "error", err)
		return
	}
	topic := b.discoveryTopic(component, object)
	if _, err := b.cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
		b.logger.Warn("mqttbridge: discovery publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) publishAvailability(ctx context.Context, serial, status string) {
	if b.cm == nil {
		return
	}
	topic := b.serialBase(serial) + "/availability"
	if _, err := b.cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: []byte(status), QoS: 1, Retain: true}); err != nil {
		b.logger.Warn("mqttbridge: availability publish failed", "serial", serial, "error", err)
	}
}

// publishRaw publishes the full object value and each top-level field
// under «prefix»/«serial»/«type»[/«field»], retained, QoS 0.
func (b *Bridge) publishRaw(ctx context.Context, serial, objType string, value any) {
	base := b.serialBase(serial) + "/" + objType
	full, err := json.Marshal(value)
	if err == nil {
		_, _ = b.cm.Publish(ctx, &paho.Publish{Topic: base, Payload: full, QoS: 0, Retain: true})
	}

	m, ok := value.(map[string]any)
	if !ok {
		return
	}
	for field, v := range m {
		fieldJSON, err := json.Marshal(v)
		if err != nil {
			continue
		}
		_, _ = b.cm.Publish(ctx, &paho.Publish{Topic: base + "/" + field, Payload: fieldJSON, QoS: 0, Retain: true})
	}
}

// publishDerivedState computes and publishes the ha/* topic set from
// the combined device./shared. view of serial. It returns the derived
// mode so callers can detect a capability change and re-publish
// discovery.
func (b *Bridge) publishDerivedState(ctx context.Context, serial string) string {
	if b.cm == nil {
		return ""
	}
	deviceObj, _, err := b.state.Get(serial, "device."+serial)
	if err != nil {
		return ""
	}
	sharedObj, _, err := b.state.Get(serial, "shared."+serial)
	if err != nil {
		return ""
	}
	device, _ := deviceObj.Value.(map[string]any)
	shared, _ := sharedObj.Value.(map[string]any)

	nowMS := time.Now().UnixMilli()
	targetType, _ := shared["target_temperature_type"].(string)

	values := map[string]any{
		"mode":                DerivedMode(targetType),
		"action":              DerivedAction(boolField(device, "hvac_heater_state"), boolField(device, "hvac_ac_state"), boolField(device, "hvac_fan_state"), targetType),
		"fan_mode":            DerivedFanMode(boolField(device, "fan_control_state"), numberField(device, "fan_timer_timeout"), nowMS),
		"preset":              DerivedPreset(ecoActive(device), boolField(device, "away"), numberField(device, "auto_away")),
		"current_temperature": device["current_temperature"],
		"current_humidity":    device["current_humidity"],
		"target_temperature":  shared["target_temperature"],
		"outdoor_temperature": device["outdoor_temperature"],
		"occupancy":           device["occupancy"],
		"fan_running":         boolField(device, "hvac_fan_state"),
		"eco":                 ecoActive(device),
	}
	if targetType == "range" {
		values["target_temperature_low"] = shared["target_temperature_low"]
		values["target_temperature_high"] = shared["target_temperature_high"]
	}

	base := b.serialBase(serial) + "/ha/"
	for field, v := range values {
		if v == nil {
			continue
		}
		payload, err := json.Marshal(v)
		if err != nil {
			continue
		}
		// scalars are published unquoted where possible for HA's plain
		// string templates; JSON-encode and trim quotes for strings.
		text := payload
		if s, ok := v.(string); ok {
			text = []byte(s)
		}
		if _, err := b.cm.Publish(ctx, &paho.Publish{Topic: base + field, Payload: text, QoS: 0, Retain: true}); err != nil {
			b.logger.Debug("mqttbridge: derived state publish failed", "serial", serial, "field", field, "error", err)
		}
	}

	return values["mode"].(string)
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func numberField(m map[string]any, key string) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func ecoActive(device map[string]any) bool {
	eco, ok := device["eco"].(map[string]any)
	if !ok {
		return false
	}
	leaf, _ := eco["leaf"].(bool)
	return leaf
}

func splitSerialAndType(objectKey, serial string) (string, string, bool) {
	idx := strings.IndexByte(objectKey, '.')
	if idx < 0 {
		return "", "", false
	}
	objType := objectKey[:idx]
	id := objectKey[idx+1:]
	if id != serial {
		return "", "", false
	}
	return serial, objType, true
}

func subscribeTopicFilter(prefix string) string {
	return prefix + "/+/+/+/set"
}

func (b *Bridge) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	filter := subscribeTopicFilter(b.prefix())
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 0}},
	}); err != nil {
		b.logger.Error("mqttbridge: subscribe failed", "filter", filter, "error", err)
	}
}

// handleCommand parses an inbound command topic and dispatches it to
// the raw or derived handler. An MQTT command is ignored unless the
// serial is in the bridge's current known device set.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != b.prefix() || parts[4] != "set" {
		return
	}
	serial, objType, command := parts[1], parts[2], parts[3]
	if !b.isKnown(serial) {
		return
	}

	if objType == "ha" {
		b.handleDerivedCommand(serial, command, string(payload))
		return
	}
	b.handleRawCommand(serial, objType, command, payload)
}

func (b *Bridge) handleRawCommand(serial, objType, field string, payload []byte) {
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		value = string(payload)
	}
	now := time.Now().UnixMilli()
	if _, err := b.state.Upsert(serial, objType+"."+serial, 0, now, map[string]any{field: value}); err != nil {
		b.logger.Warn("mqttbridge: raw command write failed", "serial", serial, "field", field, "error", err)
	}
}

const minSafeTemperatureC = 4.0
const maxSafeTemperatureC = 32.0

func (b *Bridge) handleDerivedCommand(serial, command, payload string) {
	now := time.Now().UnixMilli()

	switch command {
	case "mode":
		_, err := b.state.Upsert(serial, "shared."+serial, 0, now, map[string]any{
			"target_temperature_type": InternalTargetTemperatureType(payload),
		})
		b.logCommandErr(err, serial, command)

	case "target_temperature", "target_temperature_low", "target_temperature_high":
		v, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			b.logger.Warn("mqttbridge: malformed temperature command", "serial", serial, "payload", payload)
			return
		}
		if v < minSafeTemperatureC || v > maxSafeTemperatureC {
			b.logger.Warn("mqttbridge: temperature command out of safety range, ignored",
				"serial", serial, "command", command, "value", v)
			return
		}
		_, err = b.state.Upsert(serial, "shared."+serial, 0, now, map[string]any{command: v})
		b.logCommandErr(err, serial, command)

	case "fan_mode":
		var fields map[string]any
		switch payload {
		case "on":
			fields = FanOnFields(now)
		case "off":
			fields = FanOffFields()
		default:
			return
		}
		_, err := b.state.Upsert(serial, "device."+serial, 0, now, fields)
		b.logCommandErr(err, serial, command)

	case "preset":
		var fields map[string]any
		switch payload {
		case "away":
			fields = AwayPresetFields()
		case "home":
			fields = HomePresetFields()
		case "eco":
			fields = map[string]any{"eco": EcoPresetValue()}
		default:
			return
		}
		_, err := b.state.Upsert(serial, "device."+serial, 0, now, fields)
		b.logCommandErr(err, serial, command)
	}
}

func (b *Bridge) logCommandErr(err error, serial, command string) {
	if err != nil {
		b.logger.Warn("mqttbridge: derived command write failed", "serial", serial, "command", command, "error", err)
	}
}
