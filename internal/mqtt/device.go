package mqtt

import "github.com/nugget/m5bridge/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared
// across all discovery payloads, so HA groups every entity under one
// device page.
type DeviceInfo struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name"`
	Manufacturer     string   `json:"manufacturer"`
	Model            string   `json:"model"`
	SWVersion        string   `json:"sw_version"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
}

// Availability is one entry of an entity's availability list.
type Availability struct {
	Topic string `json:"topic"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor or
// binary_sensor discovery message.
type SensorConfig struct {
	Name              string         `json:"name"`
	ObjectID          string         `json:"object_id,omitempty"`
	HasEntityName     bool           `json:"has_entity_name,omitempty"`
	UniqueID          string         `json:"unique_id"`
	StateTopic        string         `json:"state_topic"`
	Availability      []Availability `json:"availability"`
	AvailabilityMode  string         `json:"availability_mode,omitempty"`
	Device            DeviceInfo     `json:"device"`
	Icon              string         `json:"icon,omitempty"`
	DeviceClass       string         `json:"device_class,omitempty"`
	UnitOfMeasurement string         `json:"unit_of_measurement,omitempty"`
	StateClass        string         `json:"state_class,omitempty"`
	EntityCategory    string         `json:"entity_category,omitempty"`
	PayloadOn         string         `json:"payload_on,omitempty"`
	PayloadOff        string         `json:"payload_off,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo. The instance ID is the primary
// HA identifier; deviceName is what the HA UI shows.
func NewDeviceInfo(instanceID, deviceName, deviceURL string) DeviceInfo {
	return DeviceInfo{
		Identifiers:      []string{instanceID},
		Name:             deviceName,
		Manufacturer:     "M5Stack",
		Model:            "M5StickC Plus 2",
		SWVersion:        buildinfo.Version,
		ConfigurationURL: deviceURL,
	}
}
