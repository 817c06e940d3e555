package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/m5bridge/internal/config"
	"github.com/nugget/m5bridge/internal/device"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient records publishes; the last payload per topic wins.
type fakeClient struct {
	mu     sync.Mutex
	byTop  map[string]*paho.Publish
	topics []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{byTop: map[string]*paho.Publish{}}
}

func (f *fakeClient) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byTop[p.Topic] = p
	f.topics = append(f.topics, p.Topic)
	return &paho.PublishResponse{}, nil
}

func (f *fakeClient) payload(topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byTop[topic]
	if !ok {
		return "", false
	}
	return string(p.Payload), true
}

type fakeSource struct {
	sensorsErr error
	batteryErr error
}

func (f fakeSource) Sensors(context.Context) (*device.Sensors, error) {
	if f.sensorsErr != nil {
		return nil, f.sensorsErr
	}
	return &device.Sensors{Temperature: 36.56}, nil
}

func (f fakeSource) Battery(context.Context) (*device.Battery, error) {
	if f.batteryErr != nil {
		return nil, f.batteryErr
	}
	return &device.Battery{Percent: 87, Voltage: 4.126, IsCharging: true}, nil
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "desk-stick",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
}

func TestInstanceID(t *testing.T) {
	a := InstanceID("http://192.168.0.146")
	b := InstanceID("http://192.168.0.146")
	c := InstanceID("http://192.168.0.147")

	if a != b {
		t.Errorf("InstanceID not stable: %q vs %q", a, b)
	}
	if a == c {
		t.Error("different device URLs produced the same instance ID")
	}
	if parts := strings.Split(a, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", a)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("instance-abc", "desk-stick", "http://192.168.0.146")
	if info.Name != "desk-stick" {
		t.Errorf("Name = %q", info.Name)
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "instance-abc" {
		t.Errorf("Identifiers = %v, want [instance-abc]", info.Identifiers)
	}
	if info.Model != "M5StickC Plus 2" {
		t.Errorf("Model = %q", info.Model)
	}
	if info.ConfigurationURL != "http://192.168.0.146" {
		t.Errorf("ConfigurationURL = %q", info.ConfigurationURL)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), "test-id", "http://m5", nil, quietLogger())

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "m5bridge/desk-stick"},
		{"availabilityTopic", p.availabilityTopic(), "m5bridge/desk-stick/availability"},
		{"deviceAvailabilityTopic", p.deviceAvailabilityTopic(), "m5bridge/desk-stick/device/availability"},
		{"stateTopic battery", p.stateTopic("battery"), "m5bridge/desk-stick/battery/state"},
		{"discoveryTopic binary_sensor", p.discoveryTopic("binary_sensor", "charging"), "homeassistant/binary_sensor/desk-stick/charging/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	p := New(testConfig(), "instance-123", "http://m5", nil, quietLogger())
	defs := p.sensorDefinitions()

	wantComponents := map[string]string{
		"battery":         "sensor",
		"battery_voltage": "sensor",
		"charging":        "binary_sensor",
		"temperature":     "sensor",
		"uptime":          "sensor",
	}
	if len(defs) != len(wantComponents) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(wantComponents))
	}

	for _, d := range defs {
		want, ok := wantComponents[d.entitySuffix]
		if !ok {
			t.Errorf("unexpected entity %q", d.entitySuffix)
			continue
		}
		if d.component != want {
			t.Errorf("%s: component = %q, want %q", d.entitySuffix, d.component, want)
		}
		if strings.Contains(d.config.Name, "desk-stick") {
			t.Errorf("%s: Name %q repeats the device name", d.entitySuffix, d.config.Name)
		}
		if !d.config.HasEntityName || d.config.ObjectID != d.entitySuffix {
			t.Errorf("%s: HasEntityName=%v ObjectID=%q", d.entitySuffix, d.config.HasEntityName, d.config.ObjectID)
		}
		if d.config.UniqueID != "instance-123_"+d.entitySuffix {
			t.Errorf("%s: UniqueID = %q", d.entitySuffix, d.config.UniqueID)
		}

		// Device entities need both the bridge and the device online.
		if d.entitySuffix == "uptime" {
			if len(d.config.Availability) != 1 || d.config.AvailabilityMode != "" {
				t.Errorf("uptime availability = %+v mode %q", d.config.Availability, d.config.AvailabilityMode)
			}
		} else if len(d.config.Availability) != 2 || d.config.AvailabilityMode != "all" {
			t.Errorf("%s availability = %+v mode %q", d.entitySuffix, d.config.Availability, d.config.AvailabilityMode)
		}
	}
}

func TestPublisher_OnConnect(t *testing.T) {
	p := New(testConfig(), "instance-123", "http://m5", fakeSource{}, quietLogger())
	fc := newFakeClient()

	p.onConnect(context.Background(), fc)

	raw, ok := fc.payload("homeassistant/sensor/desk-stick/battery/config")
	if !ok {
		t.Fatal("battery discovery config not published")
	}
	var cfg SensorConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("discovery payload is not JSON: %v", err)
	}
	if cfg.UnitOfMeasurement != "%" || cfg.DeviceClass != "battery" {
		t.Errorf("battery config = %+v", cfg)
	}
	if _, ok := fc.payload("homeassistant/binary_sensor/desk-stick/charging/config"); !ok {
		t.Error("charging discovery config not published")
	}

	if got, _ := fc.payload("m5bridge/desk-stick/availability"); got != "online" {
		t.Errorf("bridge availability = %q, want online", got)
	}
	// Device state is unknown until the watcher reports in.
	if got, _ := fc.payload("m5bridge/desk-stick/device/availability"); got != "offline" {
		t.Errorf("device availability = %q, want offline", got)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, topic := range fc.topics {
		if !fc.byTop[topic].Retain {
			t.Errorf("%s published without retain", topic)
		}
	}
}

func TestPublisher_SetDeviceAvailable(t *testing.T) {
	p := New(testConfig(), "instance-123", "http://m5", fakeSource{}, quietLogger())

	// Before a connection the value is only remembered.
	p.SetDeviceAvailable(context.Background(), true)

	fc := newFakeClient()
	p.onConnect(context.Background(), fc)
	if got, _ := fc.payload("m5bridge/desk-stick/device/availability"); got != "online" {
		t.Errorf("device availability after connect = %q, want online", got)
	}

	p.SetDeviceAvailable(context.Background(), false)
	if got, _ := fc.payload("m5bridge/desk-stick/device/availability"); got != "offline" {
		t.Errorf("device availability after down = %q, want offline", got)
	}
}

func TestPublisher_PublishStates(t *testing.T) {
	p := New(testConfig(), "instance-123", "http://m5", fakeSource{}, quietLogger())
	fc := newFakeClient()
	p.onConnect(context.Background(), fc)

	p.publishStates(context.Background())

	want := map[string]string{
		"battery":         "87",
		"battery_voltage": "4.13",
		"charging":        "ON",
		"temperature":     "36.6",
	}
	for entity, value := range want {
		if got, _ := fc.payload(p.stateTopic(entity)); got != value {
			t.Errorf("%s state = %q, want %q", entity, got, value)
		}
	}
	if _, ok := fc.payload(p.stateTopic("uptime")); !ok {
		t.Error("uptime state not published")
	}
}

func TestPublisher_CollectStatesSkipsFailedReads(t *testing.T) {
	tests := []struct {
		name    string
		source  Source
		present []string
		absent  []string
	}{
		{
			name:    "sensors down",
			source:  fakeSource{sensorsErr: &device.TransportError{Path: device.PathSensors, Err: errors.New("timeout")}},
			present: []string{"uptime", "battery", "charging"},
			absent:  []string{"temperature"},
		},
		{
			name:    "battery down",
			source:  fakeSource{batteryErr: errors.New("device returned 500")},
			present: []string{"uptime", "temperature"},
			absent:  []string{"battery", "battery_voltage", "charging"},
		},
		{
			name:    "no source",
			source:  nil,
			present: []string{"uptime"},
			absent:  []string{"battery", "temperature"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(testConfig(), "instance-123", "http://m5", tt.source, quietLogger())
			states := p.collectStates(context.Background())
			for _, e := range tt.present {
				if _, ok := states[e]; !ok {
					t.Errorf("missing %s", e)
				}
			}
			for _, e := range tt.absent {
				if _, ok := states[e]; ok {
					t.Errorf("%s should be skipped", e)
				}
			}
		})
	}
}

func TestPublisher_PublishStatesBeforeConnect(t *testing.T) {
	p := New(testConfig(), "instance-123", "http://m5", fakeSource{}, quietLogger())
	// Must not panic or read the device without a connection.
	p.publishStates(context.Background())
}

func TestPublisher_StopWithoutStart(t *testing.T) {
	p := New(testConfig(), "instance-123", "http://m5", nil, quietLogger())
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop() = %v, want nil", err)
	}
}
