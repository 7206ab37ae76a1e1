package mqttbridge

import "github.com/thermserve/thermserve/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared
// across every entity published for one serial. All discovery
// payloads for a serial reference the same block so HA groups them
// under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

func newDeviceInfo(serial string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{serial},
		Name:         "Thermostat " + serial,
		Manufacturer: "thermserve",
		Model:        "legacy-thermostat",
		SWVersion:    buildinfo.Version,
	}
}

// ClimateConfig is the JSON payload for an HA MQTT climate discovery
// message, published retained at QoS 1 when a serial first joins the
// bridge's device set and again whenever the serial's derived mode
// changes. A reconnect alone does not re-publish it.
type ClimateConfig struct {
	Name                   string     `json:"name"`
	ObjectID               string     `json:"object_id,omitempty"`
	HasEntityName          bool       `json:"has_entity_name,omitempty"`
	UniqueID               string     `json:"unique_id"`
	Device                 DeviceInfo `json:"device"`
	AvailabilityTopic      string     `json:"availability_topic"`
	ModeStateTopic         string     `json:"mode_state_topic"`
	ModeCommandTopic       string     `json:"mode_command_topic"`
	Modes                  []string   `json:"modes"`
	ActionTopic            string     `json:"action_topic"`
	CurrentTemperatureTopic string    `json:"current_temperature_topic"`
	TemperatureStateTopic  string     `json:"temperature_state_topic,omitempty"`
	TemperatureCommandTopic string    `json:"temperature_command_topic,omitempty"`
	TemperatureLowStateTopic string   `json:"temperature_low_state_topic,omitempty"`
	TemperatureLowCommandTopic string `json:"temperature_low_command_topic,omitempty"`
	TemperatureHighStateTopic string  `json:"temperature_high_state_topic,omitempty"`
	TemperatureHighCommandTopic string `json:"temperature_high_command_topic,omitempty"`
	FanModeStateTopic      string     `json:"fan_mode_state_topic"`
	FanModeCommandTopic    string     `json:"fan_mode_command_topic"`
	FanModes               []string   `json:"fan_modes"`
	PresetModeStateTopic   string     `json:"preset_mode_state_topic"`
	PresetModeCommandTopic string     `json:"preset_mode_command_topic"`
	PresetModes            []string   `json:"preset_modes"`
	TemperatureUnit        string     `json:"temperature_unit"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message, for the auxiliary (non-climate) entities such as humidity
// and occupancy.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	DeviceClass       string     `json:"device_class,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
}

// climateConfig builds the climate entity discovery payload for
// serial, scoped to the given topic prefix.
func climateConfig(prefix, serial string) ClimateConfig {
	device := newDeviceInfo(serial)
	base := prefix + "/" + serial
	return ClimateConfig{
		Name:                     "Thermostat",
		HasEntityName:            true,
		UniqueID:                 serial + "_climate",
		Device:                   device,
		AvailabilityTopic:        base + "/availability",
		ModeStateTopic:           base + "/ha/mode",
		ModeCommandTopic:         base + "/ha/mode/set",
		Modes:                    []string{"off", "heat", "cool", "heat_cool"},
		ActionTopic:              base + "/ha/action",
		CurrentTemperatureTopic:  base + "/ha/current_temperature",
		TemperatureStateTopic:    base + "/ha/target_temperature",
		TemperatureCommandTopic:  base + "/ha/target_temperature/set",
		TemperatureLowStateTopic: base + "/ha/target_temperature_low",
		TemperatureLowCommandTopic: base + "/ha/target_temperature_low/set",
		TemperatureHighStateTopic:  base + "/ha/target_temperature_high",
		TemperatureHighCommandTopic: base + "/ha/target_temperature_high/set",
		FanModeStateTopic:       base + "/ha/fan_mode",
		FanModeCommandTopic:     base + "/ha/fan_mode/set",
		FanModes:                []string{"auto", "on"},
		PresetModeStateTopic:    base + "/ha/preset",
		PresetModeCommandTopic:  base + "/ha/preset/set",
		PresetModes:             []string{"home", "away", "eco"},
		TemperatureUnit:         "C",
	}
}

func humiditySensorConfig(prefix, serial string) SensorConfig {
	device := newDeviceInfo(serial)
	base := prefix + "/" + serial
	return SensorConfig{
		Name:              "Humidity",
		HasEntityName:     true,
		UniqueID:          serial + "_humidity",
		StateTopic:        base + "/ha/current_humidity",
		AvailabilityTopic: base + "/availability",
		Device:            device,
		DeviceClass:       "humidity",
		UnitOfMeasurement: "%",
		StateClass:        "measurement",
	}
}

func occupancySensorConfig(prefix, serial string) SensorConfig {
	device := newDeviceInfo(serial)
	base := prefix + "/" + serial
	return SensorConfig{
		Name:              "Occupancy",
		HasEntityName:     true,
		UniqueID:          serial + "_occupancy",
		StateTopic:        base + "/ha/occupancy",
		AvailabilityTopic: base + "/availability",
		Device:            device,
		DeviceClass:       "occupancy",
	}
}

func outdoorTemperatureSensorConfig(prefix, serial string) SensorConfig {
	device := newDeviceInfo(serial)
	base := prefix + "/" + serial
	return SensorConfig{
		Name:              "Outdoor Temperature",
		HasEntityName:     true,
		UniqueID:          serial + "_outdoor_temperature",
		StateTopic:        base + "/ha/outdoor_temperature",
		AvailabilityTopic: base + "/availability",
		Device:            device,
		DeviceClass:       "temperature",
		UnitOfMeasurement: "°C",
		StateClass:        "measurement",
	}
}
