package mqtt

import "github.com/nugget/relay/internal/buildinfo"

// DeviceInfo is the Home Assistant device block shared by every
// discovered sensor, so HA groups them under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the retained payload of an HA MQTT sensor discovery
// message. Name is relative to the device name (HasEntityName), so it
// must not repeat it.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id"`
	HasEntityName     bool       `json:"has_entity_name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	ValueTemplate     string     `json:"value_template"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo builds the device block. The instance ID is the stable
// identifier; the device name is what HA displays.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Relay",
		Model:        "Relay Agent Gateway",
		SWVersion:    buildinfo.Version,
	}
}

// sensor describes one stats field exposed through discovery.
type sensor struct {
	field      string // JSON key in the stats payload
	name       string
	icon       string
	unit       string
	stateClass string
	diagnostic bool
}

var sensors = []sensor{
	{field: "uptime_seconds", name: "Uptime", icon: "mdi:clock-outline", unit: "s", diagnostic: true},
	{field: "version", name: "Version", icon: "mdi:tag", diagnostic: true},
	{field: "calls_today", name: "Model Calls Today", icon: "mdi:counter", stateClass: "total_increasing"},
	{field: "failures_today", name: "Model Failures Today", icon: "mdi:alert-circle-outline", stateClass: "total_increasing"},
	{field: "input_tokens_today", name: "Input Tokens Today", icon: "mdi:arrow-right-bold", unit: "tokens", stateClass: "total_increasing"},
	{field: "output_tokens_today", name: "Output Tokens Today", icon: "mdi:arrow-left-bold", unit: "tokens", stateClass: "total_increasing"},
	{field: "turns_today", name: "Turns Today", icon: "mdi:chat-processing-outline", stateClass: "total_increasing"},
	{field: "tool_calls_today", name: "Tool Calls Today", icon: "mdi:tools", stateClass: "total_increasing"},
	{field: "busy_today", name: "Busy Rejections Today", icon: "mdi:timer-sand", stateClass: "total_increasing"},
	{field: "last_turn", name: "Last Turn", icon: "mdi:clock-check-outline"},
}

func (s sensor) config(device DeviceInfo, instanceID, stateTopic, availTopic string) SensorConfig {
	cfg := SensorConfig{
		Name:              s.name,
		ObjectID:          s.field,
		HasEntityName:     true,
		UniqueID:          instanceID + "_" + s.field,
		StateTopic:        stateTopic,
		ValueTemplate:     "{{ value_json." + s.field + " }}",
		AvailabilityTopic: availTopic,
		Device:            device,
		Icon:              s.icon,
		UnitOfMeasurement: s.unit,
		StateClass:        s.stateClass,
	}
	if s.field == "last_turn" {
		cfg.DeviceClass = "timestamp"
	}
	if s.diagnostic {
		cfg.EntityCategory = "diagnostic"
	}
	return cfg
}
