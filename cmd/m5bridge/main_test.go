package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/m5bridge/internal/a2a"
	"github.com/nugget/m5bridge/internal/config"
	"github.com/nugget/m5bridge/internal/device"
)

// fakeDevice serves the two endpoints the CLI tests touch.
func fakeDevice(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/battery", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"percent":87,"voltage":4.1,"isCharging":false}`)
	})
	mux.HandleFunc("GET /api/sensors", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"accelerometer":{"x":0,"y":0,"z":1},"gyroscope":{"x":0,"y":0,"z":0},"temperature":31.5}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv keeps ambient M5STICK_URL and PORT out of the tests. Empty
// values are ignored by the config loader.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvDeviceURL, "")
	t.Setenv(config.EnvPort, "")
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, args); err != nil {
			t.Fatalf("run(%v) = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: m5bridge") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"frobnicate"}, "unknown command"},
		{[]string{"-x", "version"}, "unknown flag"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"ask"}, "usage: m5bridge ask"},
		{[]string{"card", "-png"}, "usage: m5bridge card"},
		{[]string{"-config", "/nonexistent/m5bridge.yaml", "card"}, "config file not found"},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRunVersion(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, []string{"version"}); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out.String(), "go_version:") {
			t.Errorf("text version output:\n%s", out.String())
		}
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, []string{"-o", "json", "version"}); err != nil {
			t.Fatal(err)
		}
		var info map[string]string
		if err := json.Unmarshal(out.Bytes(), &info); err != nil {
			t.Fatalf("version JSON: %v\n%s", err, out.String())
		}
		if info["version"] == "" {
			t.Error("version missing from JSON output")
		}
	})
}

func TestRunAsk(t *testing.T) {
	clearEnv(t)
	dev := fakeDevice(t)
	cfgPath := writeConfig(t, "device:\n  url: "+dev.URL+"\n")

	var out bytes.Buffer
	err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "ask", "battery", "status"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "Battery: 87% (4.10V) - Charging: No" {
		t.Errorf("ask output = %q", got)
	}
}

func TestRunAsk_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	dev := fakeDevice(t)
	cfgPath := writeConfig(t, "device:\n  url: http://192.0.2.1\n")
	t.Setenv(config.EnvDeviceURL, dev.URL)

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "ask", "temperature"}); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !strings.Contains(out.String(), "Temperature: 31.5°C") {
		t.Errorf("ask output = %q", out.String())
	}
}

func TestRunAsk_DeviceDown(t *testing.T) {
	clearEnv(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", freePort(t))
	cfgPath := writeConfig(t, "device:\n  url: "+base+"\n")

	var out bytes.Buffer
	err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "ask", "battery"})
	if err == nil || !strings.Contains(err.Error(), "transport_error") {
		t.Errorf("ask error = %v, want transport_error", err)
	}
	if !strings.HasPrefix(out.String(), "Error connecting to "+base+": ") {
		t.Errorf("ask output = %q", out.String())
	}
}

func TestRunCard(t *testing.T) {
	clearEnv(t)
	cfgPath := writeConfig(t, "listen:\n  port: 9123\nagent:\n  name: desk-stick\n")

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "card"}); err != nil {
		t.Fatal(err)
	}
	var card a2a.AgentCard
	if err := json.Unmarshal(out.Bytes(), &card); err != nil {
		t.Fatalf("card JSON: %v\n%s", err, out.String())
	}
	if card.Name != "desk-stick" {
		t.Errorf("Name = %q", card.Name)
	}
	if card.URL != "http://localhost:9123" {
		t.Errorf("URL = %q, want localhost on the listen port", card.URL)
	}
	if len(card.Skills) != 6 {
		t.Errorf("len(Skills) = %d, want 6", len(card.Skills))
	}
}

func TestRunCard_QR(t *testing.T) {
	clearEnv(t)
	cfgPath := writeConfig(t, "agent:\n  public_url: https://m5.example.com\n")

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "card", "-qr"}); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	idx := strings.Index(text, "}\n\n")
	if idx < 0 {
		t.Fatalf("expected JSON then a blank line then the QR code:\n%s", text)
	}
	qr := text[idx+3:]
	if len(strings.Split(strings.TrimRight(qr, "\n"), "\n")) < 10 {
		t.Errorf("QR code looks too small:\n%s", qr)
	}
}

func TestDeviceCheck_StartupLogsBattery(t *testing.T) {
	dev := fakeDevice(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	check := deviceProbe(device.NewClient(dev.URL, logger), logger)

	if err := check(context.Background()); err != nil {
		t.Fatalf("startup check: %v", err)
	}
	if !strings.Contains(logs.String(), "level=INFO") || !strings.Contains(logs.String(), "battery_percent=87") {
		t.Errorf("startup log missing battery at info:\n%s", logs.String())
	}

	logs.Reset()
	if err := check(context.Background()); err != nil {
		t.Fatalf("poll check: %v", err)
	}
	if strings.Contains(logs.String(), "battery_percent") {
		t.Errorf("poll should log below info:\n%s", logs.String())
	}
}

func TestRunServe(t *testing.T) {
	clearEnv(t)
	dev := fakeDevice(t)
	port := freePort(t)
	cfgPath := writeConfig(t, fmt.Sprintf(`device:
  url: %s
listen:
  address: 127.0.0.1
  port: %d
metrics:
  enabled: true
log_level: warn
`, dev.URL, port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, io.Discard, io.Discard, []string{"-config", cfgPath, "serve"})
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	var health a2a.HealthResponse
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(base + "/health")
		if err == nil {
			err = json.NewDecoder(resp.Body).Decode(&health)
			resp.Body.Close()
			if err == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became ready: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if health.Status != "healthy" || !health.Services[deviceService].Ready {
		t.Errorf("health = %+v, want device ready", health)
	}

	resp, err := http.Post(base+"/v1/message", "application/json", strings.NewReader(`{"text":"battery"}`))
	if err != nil {
		t.Fatal(err)
	}
	var msg a2a.TextMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if !strings.HasPrefix(msg.Text, "Battery: 87%") {
		t.Errorf("reply = %q", msg.Text)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		`m5bridge_intents_total{intent="battery_status",outcome="ok"} 1`,
		"m5bridge_device_up 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("serve returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
