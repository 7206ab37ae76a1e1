// Mapping tables translating between the raw device object fields and
// the derived Home Assistant climate vocabulary. Kept free of MQTT and
// transport concerns so they are unit-testable without a broker,
// mirroring the split between pure discovery-payload construction and
// transport plumbing in the sensor publisher this bridge is grounded
// on.
package mqttbridge

import "math"

// DerivedMode converts the internal target_temperature_type into the
// HA climate mode vocabulary.
func DerivedMode(targetTemperatureType string) string {
	switch targetTemperatureType {
	case "off":
		return "off"
	case "heat":
		return "heat"
	case "cool":
		return "cool"
	case "range":
		return "heat_cool"
	default:
		return "off"
	}
}

// InternalTargetTemperatureType converts a derived HA mode back to the
// internal target_temperature_type value written to shared.«serial».
func InternalTargetTemperatureType(derivedMode string) string {
	switch derivedMode {
	case "off":
		return "off"
	case "heat":
		return "heat"
	case "cool":
		return "cool"
	case "heat_cool":
		return "range"
	default:
		return "off"
	}
}

// DerivedAction computes the HA climate hvac_action from the raw
// hardware activity flags and the current mode.
func DerivedAction(hvacHeaterState, hvacACState, hvacFanState bool, targetTemperatureType string) string {
	if targetTemperatureType == "off" {
		return "off"
	}
	switch {
	case hvacHeaterState:
		return "heating"
	case hvacACState:
		return "cooling"
	case hvacFanState:
		return "fan"
	default:
		return "idle"
	}
}

// DerivedFanMode reports "on" iff the fan is under explicit timer
// control and that timer has not expired, else "auto".
func DerivedFanMode(fanControlState bool, fanTimerTimeoutSec float64, nowMS int64) string {
	if fanControlState && fanTimerTimeoutSec > float64(nowMS/1000) {
		return "on"
	}
	return "auto"
}

// DerivedPreset reports "eco" when eco mode is active, else "away"
// when the device itself is away (or its auto_away tier indicates so),
// else "home".
func DerivedPreset(ecoActive, away bool, autoAway float64) string {
	switch {
	case ecoActive:
		return "eco"
	case away || autoAway >= 1:
		return "away"
	default:
		return "home"
	}
}

// FanOnFields returns the device-object field set written for a
// derived fan_mode=on command: the fan is turned on for one hour from
// now.
func FanOnFields(nowMS int64) map[string]any {
	return map[string]any{
		"fan_control_state":  true,
		"fan_timer_active":   true,
		"fan_timer_timeout":  math.Floor(float64(nowMS)/1000) + 3600,
	}
}

// FanOffFields returns the device-object field set written for a
// derived fan_mode=off command.
func FanOffFields() map[string]any {
	return map[string]any{
		"fan_control_state": false,
		"fan_timer_active":  false,
		"fan_timer_timeout": 0,
	}
}

// AwayPresetFields returns the device-object field set written for a
// derived preset=away command.
func AwayPresetFields() map[string]any {
	return map[string]any{"auto_away": 2, "away": true}
}

// HomePresetFields returns the device-object field set written for a
// derived preset=home command.
func HomePresetFields() map[string]any {
	return map[string]any{"auto_away": 0, "away": false}
}

// EcoPresetValue returns the device.eco field value written for a
// derived preset=eco command.
func EcoPresetValue() map[string]any {
	return map[string]any{"mode": "manual-eco", "leaf": true}
}
