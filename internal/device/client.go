// Package device provides a client for the M5StickC Plus 2 local HTTP API.
//
// Every endpoint is a GET returning a small JSON object. The client
// enforces a per-call deadline (the WiFi scan gets a longer one because
// the firmware blocks on the radio), decodes the reply into typed
// structs and rejects replies missing a field callers depend on.
// Failures to reach the device at all are returned as *TransportError so
// callers can tell "device unreachable" from "device said something odd".
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/m5bridge/internal/httpkit"
)

// API paths served by the device firmware.
const (
	PathSensors  = "/api/sensors"
	PathBattery  = "/api/battery"
	PathButtons  = "/api/buttons"
	PathWifiScan = "/api/wifi/scan"
	PathDisplay  = "/api/display"
	PathBuzzer   = "/api/buzzer"
)

// Default per-call deadlines.
const (
	DefaultReadTimeout = 5 * time.Second
	DefaultScanTimeout = 10 * time.Second
)

// maxBodyBytes bounds how much of a reply is read. The largest real
// reply (a ten-network scan) is well under 2 KiB.
const maxBodyBytes = 64 << 10

// TransportError means the request never produced a usable HTTP
// response: connection refused, DNS failure, timeout, reset, or a body
// cut short.
type TransportError struct {
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Reason returns the short failure classification from httpkit.Reason.
func (e *TransportError) Reason() string {
	return httpkit.Reason(e.Err)
}

// IsTransport reports whether err is, or wraps, a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Observer receives one callback per completed device request. The
// metrics package implements it. err is nil on success.
type Observer interface {
	ObserveRequest(path string, d time.Duration, err error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default httpkit client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeouts overrides the read and scan deadlines. Zero values keep
// the defaults.
func WithTimeouts(read, scan time.Duration) Option {
	return func(c *Client) {
		if read > 0 {
			c.readTimeout = read
		}
		if scan > 0 {
			c.scanTimeout = scan
		}
	}
}

// WithObserver registers a request observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client talks to one device. It holds no per-request state and is safe
// for concurrent use.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	readTimeout time.Duration
	scanTimeout time.Duration
	observer    Observer
	logger      *slog.Logger
}

// NewClient creates a client for the device at baseURL
// (e.g. "http://192.168.0.146"). A trailing slash is ignored.
func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		readTimeout: DefaultReadTimeout,
		scanTimeout: DefaultScanTimeout,
		logger:      logger,
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		c.httpClient = httpkit.NewClient()
	}
	return c
}

// BaseURL returns the device base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Sensors reads the IMU and temperature.
func (c *Client) Sensors(ctx context.Context) (*Sensors, error) {
	var w wireSensors
	if err := c.get(ctx, PathSensors, nil, c.readTimeout, &w); err != nil {
		return nil, err
	}
	return w.toSensors()
}

// Battery reads charge level, voltage and charging state.
func (c *Client) Battery(ctx context.Context) (*Battery, error) {
	var w wireBattery
	if err := c.get(ctx, PathBattery, nil, c.readTimeout, &w); err != nil {
		return nil, err
	}
	return w.toBattery()
}

// Buttons reads the A, B and power button states.
func (c *Client) Buttons(ctx context.Context) (*Buttons, error) {
	var b Buttons
	if err := c.get(ctx, PathButtons, nil, c.readTimeout, &b); err != nil {
		return nil, err
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// WifiScan asks the device to scan for access points. It uses the scan
// timeout rather than the read timeout.
func (c *Client) WifiScan(ctx context.Context) (*WifiScan, error) {
	var w wireWifiScan
	if err := c.get(ctx, PathWifiScan, nil, c.scanTimeout, &w); err != nil {
		return nil, err
	}
	return w.toScan()
}

// Display shows text on the LCD and returns what the device echoed back.
func (c *Client) Display(ctx context.Context, text string) (*DisplayResult, error) {
	var w wireDisplay
	q := url.Values{"text": {text}}
	if err := c.get(ctx, PathDisplay, q, c.readTimeout, &w); err != nil {
		return nil, err
	}
	return w.toResult()
}

// Buzzer plays a tone of freq Hz for duration ms.
func (c *Client) Buzzer(ctx context.Context, freq, duration int) (*BuzzerResult, error) {
	var w wireBuzzer
	q := url.Values{
		"freq":     {strconv.Itoa(freq)},
		"duration": {strconv.Itoa(duration)},
	}
	if err := c.get(ctx, PathBuzzer, q, c.readTimeout, &w); err != nil {
		return nil, err
	}
	return w.toResult()
}

// Ping probes the battery endpoint. It is the startup connectivity check
// and the health watcher probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Battery(ctx)
	return err
}

// get performs a GET with its own deadline and decodes the JSON reply
// into result.
func (c *Client) get(ctx context.Context, path string, query url.Values, timeout time.Duration, result any) (err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveRequest(path, time.Since(start), err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Path: path, Err: err}
	}
	// Drain and close to ensure connection reuse even on decode failure.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("%s: device returned %d: %s", path, resp.StatusCode, strings.TrimSpace(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		// The connection failed mid-body.
		return &TransportError{Path: path, Err: fmt.Errorf("read body: %w", err)}
	}

	c.logger.Log(ctx, slog.Level(-8), "device response", // config.LevelTrace
		"path", path,
		"status", resp.StatusCode,
		"body", string(body),
	)

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}

	c.logger.Debug("device request complete",
		"path", path,
		"duration", time.Since(start),
	)
	return nil
}
