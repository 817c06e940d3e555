package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/m5bridge/internal/buildinfo"
	"github.com/nugget/m5bridge/internal/config"
	"github.com/nugget/m5bridge/internal/device"
)

// Source provides device readings for state publishing.
// *device.Client implements it.
type Source interface {
	Sensors(ctx context.Context) (*device.Sensors, error)
	Battery(ctx context.Context) (*device.Battery, error)
}

// client is the part of *autopaho.ConnectionManager the publisher uses.
type client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Availability payloads.
const (
	online  = "online"
	offline = "offline"
)

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and runs a periodic loop that pushes
// device and bridge state to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	source     Source
	logger     *slog.Logger

	mu       sync.Mutex
	conn     client
	cm       *autopaho.ConnectionManager
	deviceUp bool
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID, deviceURL string, source Source, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName, deviceURL),
		source:     source,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte(offline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.onConnect(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "m5bridge-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" on the bridge availability topic and closes
// the connection. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, p.availabilityTopic(), offline)
	return cm.Disconnect(ctx)
}

// SetDeviceAvailable records whether the M5Stick is reachable and
// publishes it when connected. The value is republished after every
// reconnect. Wire it to the health watcher callbacks.
func (p *Publisher) SetDeviceAvailable(ctx context.Context, up bool) {
	p.mu.Lock()
	p.deviceUp = up
	c := p.conn
	p.mu.Unlock()

	if c != nil {
		p.publishAvailability(ctx, c, p.deviceAvailabilityTopic(), availabilityPayload(up))
	}
}

// onConnect runs on every broker (re-)connect.
func (p *Publisher) onConnect(ctx context.Context, c client) {
	p.mu.Lock()
	p.conn = c
	up := p.deviceUp
	p.mu.Unlock()

	p.publishDiscovery(ctx, c)
	p.publishAvailability(ctx, c, p.availabilityTopic(), online)
	p.publishAvailability(ctx, c, p.deviceAvailabilityTopic(), availabilityPayload(up))
}

func availabilityPayload(up bool) string {
	if up {
		return online
	}
	return offline
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "m5bridge/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) deviceAvailabilityTopic() string {
	return p.baseTopic() + "/device/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

// Entity names.
const (
	entityBattery     = "battery"
	entityVoltage     = "battery_voltage"
	entityCharging    = "charging"
	entityTemperature = "temperature"
	entityUptime      = "uptime"
)

type sensorDef struct {
	component    string
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	bridgeOnly := []Availability{{Topic: p.availabilityTopic()}}
	withDevice := []Availability{{Topic: p.availabilityTopic()}, {Topic: p.deviceAvailabilityTopic()}}

	def := func(component, entity, name string, avail []Availability, fill func(*SensorConfig)) sensorDef {
		c := SensorConfig{
			Name:          name,
			ObjectID:      entity,
			HasEntityName: true,
			UniqueID:      p.instanceID + "_" + entity,
			StateTopic:    p.stateTopic(entity),
			Availability:  avail,
			Device:        p.device,
		}
		if len(avail) > 1 {
			c.AvailabilityMode = "all"
		}
		fill(&c)
		return sensorDef{component: component, entitySuffix: entity, config: c}
	}

	return []sensorDef{
		def("sensor", entityBattery, "Battery", withDevice, func(c *SensorConfig) {
			c.DeviceClass = "battery"
			c.UnitOfMeasurement = "%"
			c.StateClass = "measurement"
		}),
		def("sensor", entityVoltage, "Battery Voltage", withDevice, func(c *SensorConfig) {
			c.DeviceClass = "voltage"
			c.UnitOfMeasurement = "V"
			c.StateClass = "measurement"
			c.EntityCategory = "diagnostic"
		}),
		def("binary_sensor", entityCharging, "Charging", withDevice, func(c *SensorConfig) {
			c.DeviceClass = "battery_charging"
			c.PayloadOn = "ON"
			c.PayloadOff = "OFF"
		}),
		def("sensor", entityTemperature, "Temperature", withDevice, func(c *SensorConfig) {
			c.DeviceClass = "temperature"
			c.UnitOfMeasurement = "°C"
			c.StateClass = "measurement"
		}),
		def("sensor", entityUptime, "Bridge Uptime", bridgeOnly, func(c *SensorConfig) {
			c.DeviceClass = "duration"
			c.UnitOfMeasurement = "s"
			c.EntityCategory = "diagnostic"
			c.Icon = "mdi:clock-outline"
		}),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, c client) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic(s.component, s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := c.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, c client, topic, status string) {
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"topic", topic, "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "topic", topic, "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Duration(config.DefaultPublishIntervalSec) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// collectStates reads the device and returns entity values. A failed
// read leaves its entities out for this cycle.
func (p *Publisher) collectStates(ctx context.Context) map[string]string {
	states := map[string]string{
		entityUptime: strconv.FormatInt(int64(buildinfo.Uptime().Seconds()), 10),
	}
	if p.source == nil {
		return states
	}

	if s, err := p.source.Sensors(ctx); err != nil {
		p.logger.Debug("mqtt skipping sensor states", "error", err)
	} else {
		states[entityTemperature] = strconv.FormatFloat(s.Temperature, 'f', 1, 64)
	}

	if b, err := p.source.Battery(ctx); err != nil {
		p.logger.Debug("mqtt skipping battery states", "error", err)
	} else {
		states[entityBattery] = strconv.FormatFloat(b.Percent, 'f', -1, 64)
		states[entityVoltage] = strconv.FormatFloat(b.Voltage, 'f', 2, 64)
		states[entityCharging] = "OFF"
		if b.IsCharging {
			states[entityCharging] = "ON"
		}
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return
	}

	states := p.collectStates(ctx)
	for entity, value := range states {
		if _, err := c.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt states published",
		"entities", len(states))
}
