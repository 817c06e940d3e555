// m5bridge exposes an M5StickC Plus 2 to other agents.
//
// It serves an A2A agent card and a message endpoint, turns each free
// text instruction into one call against the device's HTTP API, and
// answers with a short human-readable reply. Configuration is optional:
// a YAML file is used when found (see [config.DefaultSearchPaths]) and
// the M5STICK_URL and PORT environment variables always win.
//
// Usage:
//
//	m5bridge serve              Start the A2A server
//	m5bridge ask <text>         Route one instruction and print the reply
//	m5bridge card [-qr]         Print the agent card (and a QR code of its URL)
//	m5bridge version            Print version and build information
//	m5bridge -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nugget/m5bridge/internal/a2a"
	"github.com/nugget/m5bridge/internal/buildinfo"
	"github.com/nugget/m5bridge/internal/config"
	"github.com/nugget/m5bridge/internal/connwatch"
	"github.com/nugget/m5bridge/internal/device"
	"github.com/nugget/m5bridge/internal/metrics"
	"github.com/nugget/m5bridge/internal/mqtt"
	"github.com/nugget/m5bridge/internal/router"
	"github.com/skip2/go-qrcode"
)

// deviceService is the watcher name reported on /health.
const deviceService = "m5stick"

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. OS-level dependencies are parameters so
// tests can drive every command. Arguments are parsed by hand to keep
// flag.CommandLine globals out of parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: m5bridge ask <text>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "card":
		qr := false
		for _, a := range cmdArgs {
			switch a {
			case "-qr", "--qr":
				qr = true
			default:
				return fmt.Errorf("usage: m5bridge card [-qr]")
			}
		}
		return runCard(stdout, configPath, qr)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "m5bridge - A2A bridge for the M5StickC Plus 2")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: m5bridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the A2A server")
	fmt.Fprintln(w, "  ask <text>   Route one instruction to the device and print the reply")
	fmt.Fprintln(w, "  card [-qr]   Print the agent card, optionally with a QR code of its URL")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  %-12s Device base URL (default: %s)\n", config.EnvDeviceURL, config.DefaultDeviceURL)
	fmt.Fprintf(w, "  %-12s Listen port (default: %d)\n", config.EnvPort, config.DefaultPort)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk routes a single instruction and prints the reply. Logs go to
// stderr so stdout carries only the reply. A failed instruction still
// prints its error reply and then returns an error for the exit status.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	if cfg.LogLevel == "" {
		level = slog.LevelWarn
	}
	logger := newLogger(stderr, level, cfg.LogFormat)

	dev := newDevice(cfg, logger, nil)
	res := router.New(dev, logger).Route(ctx, strings.Join(args, " "))

	fmt.Fprintln(stdout, res.Text)
	if !res.OK() {
		return fmt.Errorf("instruction failed: %s", res.Kind)
	}
	return nil
}

// runCard prints the agent card the server would publish. Without a
// configured public URL the card points at localhost on the listen port.
func runCard(w io.Writer, configPath string, qr bool) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	card := newCard(cfg)
	if card.URL == "" {
		card.URL = fmt.Sprintf("http://localhost:%d", cfg.Listen.Port)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(card); err != nil {
		return err
	}

	if qr {
		code, err := qrcode.New(card.URL+a2a.CardPath, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("encode QR code: %w", err)
		}
		fmt.Fprintln(w)
		fmt.Fprint(w, code.ToSmallString(false))
	}
	return nil
}

// runServe is the primary operating mode. It probes the device once,
// starts the health watcher and the optional MQTT publisher, and serves
// A2A until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. The health watcher stops via defer
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting m5bridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	{
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"device", cfg.Device.URL,
		"port", cfg.Listen.Port,
		"mqtt", cfg.MQTT.Configured(),
		"metrics", cfg.Metrics.Enabled,
	)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	dev := newDevice(cfg, logger, m)

	var routerOpts []router.Option
	if m != nil {
		routerOpts = append(routerOpts, router.WithObserver(m))
	}
	rtr := router.New(dev, logger, routerOpts...)

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID := mqtt.InstanceID(cfg.Device.URL)
		mqttPub = mqtt.New(cfg.MQTT, instanceID, cfg.Device.URL, dev, logger)
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
		)
	}

	// --- Device watcher ---
	// The startup probe runs inside Watch. Its result is logged and
	// never stops the bridge.
	watchers := connwatch.NewManager(logger)
	defer watchers.Stop()

	watchers.Watch(ctx, connwatch.WatcherConfig{
		Name:         deviceService,
		Probe:        deviceProbe(dev, logger),
		PollInterval: cfg.Device.PollInterval(),
		ProbeTimeout: cfg.Device.ReadTimeout(),
		Attrs:        []any{"url", cfg.Device.URL},
		OnReady: func() {
			if m != nil {
				m.SetDeviceUp(true)
			}
			if mqttPub != nil {
				mqttPub.SetDeviceAvailable(ctx, true)
			}
		},
		OnDown: func(error) {
			if m != nil {
				m.SetDeviceUp(false)
			}
			if mqttPub != nil {
				mqttPub.SetDeviceAvailable(ctx, false)
			}
		},
	})

	if mqttPub != nil {
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}

	// --- A2A server ---
	server := a2a.NewServer(cfg.Listen.Address, cfg.Listen.Port, newCard(cfg), rtr, logger)
	server.SetHealth(watchers)
	if m != nil {
		server.SetMetricsHandler(m.Handler())
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("m5bridge stopped")
	return nil
}

// deviceProbe checks reachability with a battery read, the cheapest
// endpoint the firmware serves. The first call is the startup probe and
// reports the charge level at info.
func deviceProbe(dev *device.Client, logger *slog.Logger) connwatch.ProbeFunc {
	var probed atomic.Bool
	return func(ctx context.Context) error {
		startup := !probed.Swap(true)
		b, err := dev.Battery(ctx)
		if err != nil {
			return err
		}
		level := slog.LevelDebug
		if startup {
			level = slog.LevelInfo
		}
		logger.Log(ctx, level, "device probe ok",
			"url", dev.BaseURL(), "battery_percent", b.Percent, "charging", b.IsCharging)
		return nil
	}
}

func newDevice(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *device.Client {
	opts := []device.Option{
		device.WithTimeouts(cfg.Device.ReadTimeout(), cfg.Device.ScanTimeout()),
	}
	if m != nil {
		opts = append(opts, device.WithObserver(m))
	}
	return device.NewClient(cfg.Device.URL, logger, opts...)
}

func newCard(cfg *config.Config) a2a.AgentCard {
	return a2a.NewCard(cfg.Agent.Name, cfg.Agent.Description, cfg.Agent.PublicURL)
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig finds, loads and validates the configuration. A missing
// file is fine unless one was named explicitly; defaults and the
// environment then supply everything. The returned path is empty when
// no file was read.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil && !(explicit == "" && errors.Is(err, config.ErrNoConfigFile)) {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		if cfgPath == "" {
			return nil, "", fmt.Errorf("load config: %w", err)
		}
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, cfgPath, nil
}
