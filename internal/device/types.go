package device

import (
	"encoding/json"
	"fmt"
)

// Vector3 is a three-axis IMU reading.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Sensors is the /api/sensors reply. Acceleration is in g, rotation in
// degrees per second, temperature in °C.
type Sensors struct {
	Accelerometer Vector3 `json:"accelerometer"`
	Gyroscope     Vector3 `json:"gyroscope"`
	Temperature   float64 `json:"temperature"`
	Timestamp     int64   `json:"timestamp"` // device millis() at sample time
}

// Battery is the /api/battery reply.
type Battery struct {
	Percent    float64 `json:"percent"`
	Voltage    float64 `json:"voltage"`
	IsCharging bool    `json:"isCharging"`
}

// Buttons is the /api/buttons reply. Values are kept raw because the
// firmware has reported both booleans and press counters over time and
// the bridge renders whatever it receives.
type Buttons struct {
	BtnA   json.RawMessage `json:"btnA"`
	BtnB   json.RawMessage `json:"btnB"`
	BtnPwr json.RawMessage `json:"btnPwr"`
}

// Network is one access point from a WiFi scan.
type Network struct {
	SSID    string `json:"ssid"`
	RSSI    int    `json:"rssi"`
	Channel int    `json:"channel,omitempty"`
}

// WifiScan is the /api/wifi/scan reply. Count is the number of access
// points the radio saw; the firmware caps Networks at ten entries.
type WifiScan struct {
	Count    int       `json:"count"`
	Networks []Network `json:"networks"`
}

// DisplayResult is the /api/display reply.
type DisplayResult struct {
	Success   bool   `json:"success"`
	Displayed string `json:"displayed"`
}

// BuzzerResult is the /api/buzzer reply.
type BuzzerResult struct {
	Success   bool `json:"success"`
	Frequency int  `json:"frequency"`
	Duration  int  `json:"duration"`
}

// Wire shapes with pointer fields so a missing key can be told apart
// from a zero value.

type wireVector3 struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

type wireSensors struct {
	Accelerometer *wireVector3 `json:"accelerometer"`
	Gyroscope     *wireVector3 `json:"gyroscope"`
	Temperature   *float64     `json:"temperature"`
	Timestamp     int64        `json:"timestamp"`
}

type wireBattery struct {
	Percent    *float64 `json:"percent"`
	Voltage    *float64 `json:"voltage"`
	IsCharging *bool    `json:"isCharging"`
}

type wireNetwork struct {
	SSID    *string `json:"ssid"`
	RSSI    *int    `json:"rssi"`
	Channel int     `json:"channel"`
}

type wireWifiScan struct {
	Count    *int           `json:"count"`
	Networks *[]wireNetwork `json:"networks"`
}

type wireDisplay struct {
	Success   bool    `json:"success"`
	Displayed *string `json:"displayed"`
}

type wireBuzzer struct {
	Success   bool `json:"success"`
	Frequency *int `json:"frequency"`
	Duration  *int `json:"duration"`
}

// MissingFieldError reports a required key absent from a device reply.
type MissingFieldError struct {
	Path  string // API path
	Field string // dotted JSON key, e.g. "accelerometer.x"
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: missing field %q", e.Path, e.Field)
}

func (w *wireVector3) toVector(path, name string) (Vector3, error) {
	if w == nil {
		return Vector3{}, &MissingFieldError{Path: path, Field: name}
	}
	switch {
	case w.X == nil:
		return Vector3{}, &MissingFieldError{Path: path, Field: name + ".x"}
	case w.Y == nil:
		return Vector3{}, &MissingFieldError{Path: path, Field: name + ".y"}
	case w.Z == nil:
		return Vector3{}, &MissingFieldError{Path: path, Field: name + ".z"}
	}
	return Vector3{X: *w.X, Y: *w.Y, Z: *w.Z}, nil
}

func (w wireSensors) toSensors() (*Sensors, error) {
	accel, err := w.Accelerometer.toVector(PathSensors, "accelerometer")
	if err != nil {
		return nil, err
	}
	gyro, err := w.Gyroscope.toVector(PathSensors, "gyroscope")
	if err != nil {
		return nil, err
	}
	if w.Temperature == nil {
		return nil, &MissingFieldError{Path: PathSensors, Field: "temperature"}
	}
	return &Sensors{
		Accelerometer: accel,
		Gyroscope:     gyro,
		Temperature:   *w.Temperature,
		Timestamp:     w.Timestamp,
	}, nil
}

func (w wireBattery) toBattery() (*Battery, error) {
	switch {
	case w.Percent == nil:
		return nil, &MissingFieldError{Path: PathBattery, Field: "percent"}
	case w.Voltage == nil:
		return nil, &MissingFieldError{Path: PathBattery, Field: "voltage"}
	case w.IsCharging == nil:
		return nil, &MissingFieldError{Path: PathBattery, Field: "isCharging"}
	}
	return &Battery{Percent: *w.Percent, Voltage: *w.Voltage, IsCharging: *w.IsCharging}, nil
}

func (b *Buttons) validate() error {
	switch {
	case b.BtnA == nil:
		return &MissingFieldError{Path: PathButtons, Field: "btnA"}
	case b.BtnB == nil:
		return &MissingFieldError{Path: PathButtons, Field: "btnB"}
	case b.BtnPwr == nil:
		return &MissingFieldError{Path: PathButtons, Field: "btnPwr"}
	}
	return nil
}

func (w wireWifiScan) toScan() (*WifiScan, error) {
	if w.Count == nil {
		return nil, &MissingFieldError{Path: PathWifiScan, Field: "count"}
	}
	if w.Networks == nil {
		return nil, &MissingFieldError{Path: PathWifiScan, Field: "networks"}
	}
	scan := &WifiScan{Count: *w.Count, Networks: make([]Network, 0, len(*w.Networks))}
	for i, n := range *w.Networks {
		if n.SSID == nil {
			return nil, &MissingFieldError{Path: PathWifiScan, Field: fmt.Sprintf("networks[%d].ssid", i)}
		}
		if n.RSSI == nil {
			return nil, &MissingFieldError{Path: PathWifiScan, Field: fmt.Sprintf("networks[%d].rssi", i)}
		}
		scan.Networks = append(scan.Networks, Network{SSID: *n.SSID, RSSI: *n.RSSI, Channel: n.Channel})
	}
	return scan, nil
}

func (w wireDisplay) toResult() (*DisplayResult, error) {
	if w.Displayed == nil {
		return nil, &MissingFieldError{Path: PathDisplay, Field: "displayed"}
	}
	return &DisplayResult{Success: w.Success, Displayed: *w.Displayed}, nil
}

func (w wireBuzzer) toResult() (*BuzzerResult, error) {
	switch {
	case w.Frequency == nil:
		return nil, &MissingFieldError{Path: PathBuzzer, Field: "frequency"}
	case w.Duration == nil:
		return nil, &MissingFieldError{Path: PathBuzzer, Field: "duration"}
	}
	return &BuzzerResult{Success: w.Success, Frequency: *w.Frequency, Duration: *w.Duration}, nil
}
