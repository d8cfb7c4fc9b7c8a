// Sensorwatch monitors live sensor telemetry published over MQTT.
//
// It subscribes to the configured broker topics, classifies every
// reading against safety thresholds, arbitrates a single active alert,
// and serves the result over HTTP and a WebSocket event stream.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	sensorwatch serve                    Connect to the broker and start the API server
//	sensorwatch init [dir]               Initialize a working directory with defaults
//	sensorwatch classify <type> <value>  Classify one value against the thresholds
//	sensorwatch acks [remove <id>|clear] Inspect persisted acknowledgments
//	sensorwatch version                  Print version and build information
//	sensorwatch -o json version          Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/sensorwatch/internal/alert"
	"github.com/nugget/sensorwatch/internal/api"
	"github.com/nugget/sensorwatch/internal/buildinfo"
	"github.com/nugget/sensorwatch/internal/config"
	"github.com/nugget/sensorwatch/internal/connection"
	"github.com/nugget/sensorwatch/internal/connwatch"
	"github.com/nugget/sensorwatch/internal/events"
	"github.com/nugget/sensorwatch/internal/monitor"
	"github.com/nugget/sensorwatch/internal/mqtt"
	"github.com/nugget/sensorwatch/internal/opstate"
	"github.com/nugget/sensorwatch/internal/readings"
	"github.com/nugget/sensorwatch/internal/sensor"
)

// ackNamespace is the opstate namespace holding acknowledged sensor ids.
const ackNamespace = "alerts.acknowledged"

// shutdownTimeout bounds draining the API server and the broker session.
const shutdownTimeout = 5 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the sensorwatch command. ctx controls
// the lifetime of the process; structured logs go to stdout. args is
// os.Args[1:], parsed by hand so that run can be called concurrently
// from tests without the flag package's global state.
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
		case command == "" && !strings.HasPrefix(args[i], "-"):
			command = args[i]
		case command != "":
			// Everything after the command belongs to it, including
			// negative numbers such as "classify temperature -3".
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
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
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "classify":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: sensorwatch classify <type> <value>")
		}
		return runClassify(stdout, configPath, outputFmt, cmdArgs[0], cmdArgs[1])
	case "acks":
		return runAcks(stdout, configPath, outputFmt, cmdArgs)
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
	info := buildinfo.Info()
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

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Sensorwatch - Live Sensor Safety Monitor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: sensorwatch [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Connect to the broker and start the API server")
	fmt.Fprintln(w, "  init [dir]             Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  classify <type> <val>  Classify a value against the thresholds")
	fmt.Fprintln(w, "  acks [remove <id>|clear]")
	fmt.Fprintln(w, "                         List or re-arm persisted acknowledgments")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/sensorwatch/config.yaml, /etc/sensorwatch/config.yaml")
	return nil
}

// runClassify classifies a single value. Thresholds come from the
// config file when -config is given, otherwise the built-in table.
func runClassify(w io.Writer, configPath, outputFmt, kindArg, valueArg string) error {
	rules := sensor.DefaultRules()
	if configPath != "" {
		cfg, _, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		rules = cfg.Rules()
	}

	value, err := strconv.ParseFloat(valueArg, 64)
	if err != nil {
		return fmt.Errorf("invalid value %q: %w", valueArg, err)
	}
	kind, _ := sensor.ParseKind(kindArg)
	status := rules.Classify(kind, value)

	if outputFmt == "json" {
		return json.NewEncoder(w).Encode(map[string]any{
			"type":   kind,
			"value":  value,
			"status": status,
		})
	}
	fmt.Fprintln(w, status)
	return nil
}

// runServe handles the "sensorwatch serve" subcommand. It connects to
// the broker, starts the pipeline and the API server, and blocks until
// a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The monitor unsubscribes and closes the broker session
//  4. The acknowledgment database and log file close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting sensorwatch", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that level, format and file sink are
	// known. config.Validate has already checked the level.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		out := stdout
		if cfg.LogFile != "" {
			lf, err := cfg.OpenLogFile()
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer lf.Close()
			out = io.MultiWriter(stdout, lf)
		}
		logger = newLogger(out, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"protocol", cfg.MQTT.Protocol,
		"topics", cfg.MQTT.Topics,
		"listen", cfg.Listen.Addr(),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Broker transport ---
	clientID, err := mqtt.ResolveClientID(cfg.MQTT.ClientID, cfg.DataDir)
	if err != nil {
		return err
	}

	bus := events.New()

	transport, err := mqtt.New(mqtt.Options{
		Config:   cfg.MQTT,
		ClientID: clientID,
		Backoff:  connwatch.DefaultBackoff(),
		Logger:   logger,
		Bus:      bus,
	})
	if err != nil {
		return fmt.Errorf("create mqtt transport: %w", err)
	}
	conn := connection.New(transport,
		connection.WithLogger(logger),
		connection.WithBus(bus),
	)

	// --- Reading store and alert arbiter ---
	store := readings.NewStore(
		readings.WithRules(cfg.Rules()),
		readings.WithLogger(logger),
		readings.WithBus(bus),
	)

	alertOpts := []alert.Option{
		alert.WithWindow(cfg.Alerts.Window()),
		alert.WithRearm(cfg.Alerts.Rearm()),
		alert.WithLogger(logger),
		alert.WithBus(bus),
	}
	if cfg.Alerts.PersistAcknowledgments {
		dbPath := filepath.Join(cfg.DataDir, stateDBName)
		state, err := opstate.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open state database %s: %w", dbPath, err)
		}
		defer state.Close()
		alertOpts = append(alertOpts, alert.WithStore(state.KeySet(ackNamespace)))
		logger.Info("acknowledgment persistence enabled", "path", dbPath)
	}
	arbiter := alert.New(alertOpts...)
	if err := arbiter.Restore(); err != nil {
		return fmt.Errorf("restore acknowledgments: %w", err)
	}

	// --- Pipeline ---
	mon, err := monitor.New(monitor.Config{
		Topics:       cfg.MQTT.Topics,
		StaleAfter:   cfg.Feed.StaleAfter(),
		PollInterval: cfg.Feed.PollInterval(),
	}, monitor.Deps{
		Conn:    conn,
		Store:   store,
		Arbiter: arbiter,
		Bus:     bus,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	server := api.NewServer(cfg.Listen.Addr(), mon, bus, logger)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
		if err := mon.Close(shutdownCtx); err != nil {
			logger.Error("monitor shutdown failed", "error", err)
		}
	}()

	// Start blocks until the server is shut down or fails to bind.
	if err := server.Start(ctx); err != nil {
		cancel()
		<-stopped
		return fmt.Errorf("server failed: %w", err)
	}
	<-stopped

	logger.Info("sensorwatch stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
