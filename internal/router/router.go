// Package router turns a free-text instruction into one device command
// and a human-readable reply.
//
// Route classifies the text with the intent package, performs the single
// device call that intent needs (two for the status overview), and
// renders the JSON reply as text. It never returns a Go error to its
// caller: every failure becomes reply text. Failures come in exactly two
// kinds. ErrTransport means the device could not be reached;
// ErrUnexpected covers everything else, from a 404 to a reply missing a
// field.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/m5bridge/internal/device"
	"github.com/nugget/m5bridge/internal/intent"
)

// Device is the subset of *device.Client the router drives.
type Device interface {
	BaseURL() string
	Sensors(ctx context.Context) (*device.Sensors, error)
	Battery(ctx context.Context) (*device.Battery, error)
	Buttons(ctx context.Context) (*device.Buttons, error)
	WifiScan(ctx context.Context) (*device.WifiScan, error)
	Display(ctx context.Context, text string) (*device.DisplayResult, error)
	Buzzer(ctx context.Context, freq, duration int) (*device.BuzzerResult, error)
}

// Observer receives one callback per routed instruction. The metrics
// package implements it.
type Observer interface {
	ObserveRoute(intent, outcome string, d time.Duration)
}

// ErrorKind tags a failed Result.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	// ErrTransport means the device was unreachable: refused, DNS, timeout.
	ErrTransport
	// ErrUnexpected is every other failure.
	ErrUnexpected
)

// String returns the outcome label used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "ok"
	case ErrTransport:
		return "transport_error"
	default:
		return "error"
	}
}

// Result is the outcome of one Route call. Text is always set: the
// formatted reply on success, the error message on failure.
type Result struct {
	Intent intent.Intent
	Text   string
	Kind   ErrorKind
	Err    error
}

// OK reports whether the instruction succeeded.
func (r Result) OK() bool { return r.Kind == ErrNone }

// String returns the reply text.
func (r Result) String() string { return r.Text }

// maxNetworks is how many scan entries are listed in a reply.
const maxNetworks = 5

// Option configures a Router.
type Option func(*Router)

// WithObserver registers a route observer.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

// Router routes instructions to a single device. It keeps no mutable
// state and is safe for concurrent use.
type Router struct {
	dev      Device
	logger   *slog.Logger
	observer Observer
}

// New creates a Router for dev.
func New(dev Device, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{dev: dev, logger: logger}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reply routes text and returns only the reply text. It satisfies the
// a2a.Handler interface.
func (r *Router) Reply(ctx context.Context, text string) string {
	return r.Route(ctx, text).Text
}

// Route classifies text, runs the matching device command and formats
// the reply.
func (r *Router) Route(ctx context.Context, text string) (res Result) {
	start := time.Now()
	in := intent.Classify(text)
	res.Intent = in

	defer func() {
		if p := recover(); p != nil {
			res = r.fail(in, fmt.Errorf("panic: %v", p))
		}
		elapsed := time.Since(start)
		if r.observer != nil {
			r.observer.ObserveRoute(in.Kind.String(), res.Kind.String(), elapsed)
		}
		attrs := []any{
			"intent", in.Kind.String(),
			"outcome", res.Kind.String(),
			"duration", elapsed,
		}
		if res.Err != nil {
			attrs = append(attrs, "error", res.Err)
			var te *device.TransportError
			if errors.As(res.Err, &te) {
				attrs = append(attrs, "reason", te.Reason())
			}
			r.logger.Warn("instruction failed", attrs...)
			return
		}
		r.logger.Info("instruction routed", attrs...)
	}()

	reply, err := r.execute(ctx, in)
	if err != nil {
		return r.fail(in, err)
	}
	return Result{Intent: in, Text: reply}
}

// fail converts err into a tagged failure Result.
func (r *Router) fail(in intent.Intent, err error) Result {
	var te *device.TransportError
	if errors.As(err, &te) {
		return Result{
			Intent: in,
			Kind:   ErrTransport,
			Err:    err,
			Text:   fmt.Sprintf("Error connecting to %s: %v", r.dev.BaseURL(), te.Err),
		}
	}
	return Result{
		Intent: in,
		Kind:   ErrUnexpected,
		Err:    err,
		Text:   fmt.Sprintf("Error: %v", err),
	}
}

func (r *Router) execute(ctx context.Context, in intent.Intent) (string, error) {
	switch in.Kind {
	case intent.ReadSensors:
		s, err := r.dev.Sensors(ctx)
		if err != nil {
			return "", err
		}
		return FormatSensors(s), nil

	case intent.BatteryStatus:
		b, err := r.dev.Battery(ctx)
		if err != nil {
			return "", err
		}
		return FormatBattery(b), nil

	case intent.ButtonStatus:
		b, err := r.dev.Buttons(ctx)
		if err != nil {
			return "", err
		}
		return FormatButtons(b), nil

	case intent.WifiScan:
		s, err := r.dev.WifiScan(ctx)
		if err != nil {
			return "", err
		}
		return FormatWifiScan(s), nil

	case intent.Display:
		d, err := r.dev.Display(ctx, in.Text)
		if err != nil {
			return "", err
		}
		return "Displayed: " + d.Displayed, nil

	case intent.Buzzer:
		b, err := r.dev.Buzzer(ctx, in.Frequency, in.Duration)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Played tone: %dHz for %dms", b.Frequency, b.Duration), nil

	case intent.StatusOverview:
		// Both reads must succeed; there is no partial report.
		s, err := r.dev.Sensors(ctx)
		if err != nil {
			return "", err
		}
		b, err := r.dev.Battery(ctx)
		if err != nil {
			return "", err
		}
		return FormatStatus(s, b), nil

	case intent.Help:
		return HelpText(r.dev.BaseURL()), nil

	default:
		return "", fmt.Errorf("unhandled intent %v", in.Kind)
	}
}

// FormatSensors renders an IMU and temperature reading.
func FormatSensors(s *device.Sensors) string {
	return fmt.Sprintf("Sensors:\n- Accel: X=%.2f, Y=%.2f, Z=%.2f\n- Gyro: X=%.1f, Y=%.1f, Z=%.1f\n- Temperature: %.1f°C",
		s.Accelerometer.X, s.Accelerometer.Y, s.Accelerometer.Z,
		s.Gyroscope.X, s.Gyroscope.Y, s.Gyroscope.Z,
		s.Temperature)
}

// FormatBattery renders charge level, voltage and charging state.
func FormatBattery(b *device.Battery) string {
	charging := "No"
	if b.IsCharging {
		charging = "Yes"
	}
	return fmt.Sprintf("Battery: %s%% (%.2fV) - Charging: %s", formatPercent(b.Percent), b.Voltage, charging)
}

// FormatButtons renders the raw button values.
func FormatButtons(b *device.Buttons) string {
	return fmt.Sprintf("Buttons: A=%s, B=%s, PWR=%s", b.BtnA, b.BtnB, b.BtnPwr)
}

// FormatWifiScan renders the access point count and the first few
// networks, one per line.
func FormatWifiScan(s *device.WifiScan) string {
	nets := s.Networks
	if len(nets) > maxNetworks {
		nets = nets[:maxNetworks]
	}
	lines := make([]string, len(nets))
	for i, n := range nets {
		lines[i] = fmt.Sprintf("  - %s (%d dBm)", n.SSID, n.RSSI)
	}
	return fmt.Sprintf("WiFi Networks (%d found):\n%s", s.Count, strings.Join(lines, "\n"))
}

// FormatStatus renders the combined overview.
func FormatStatus(s *device.Sensors, b *device.Battery) string {
	return fmt.Sprintf("M5Stick Status:\n- Temperature: %.1f°C\n- Battery: %s%% (%.2fV)\n- Device online and responding",
		s.Temperature, formatPercent(b.Percent), b.Voltage)
}

// HelpText lists the supported instructions and the device address.
func HelpText(baseURL string) string {
	return `M5StickC Plus 2 NANDA Agent

Available commands:
- "read sensors" - Get accelerometer, gyro, temperature
- "battery status" - Get battery level and charging status
- "button status" - Get button states
- "wifi scan" - Scan nearby networks
- "display [text]" - Show text on screen
- "beep" or "tone 1000hz 200ms" - Play buzzer tone
- "status" - Get device overview

Device: ` + baseURL
}

// formatPercent prints whole percentages without a decimal point, which
// is what the firmware sends.
func formatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
