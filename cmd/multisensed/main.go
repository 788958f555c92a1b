// Multisensed is a network-attached multisensor node daemon.
//
// On first boot it raises a provisioning access point with a captive
// configuration page; once provisioned it joins the configured
// wireless network and publishes sensor readings to an MQTT broker.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	multisensed run          Run the node
//	multisensed init [dir]   Initialize a directory with an example config
//	multisensed qr           Print the provisioning network join code
//	multisensed version      Print version and build information
//	multisensed -o json version   Output version information as JSON
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
	"path/filepath"
	"strings"
	"syscall"

	"github.com/seaborne/multisense/internal/buildinfo"
	"github.com/seaborne/multisense/internal/config"
	"github.com/seaborne/multisense/internal/confstore"
	"github.com/seaborne/multisense/internal/identity"
	"github.com/seaborne/multisense/internal/lifecycle"
	"github.com/seaborne/multisense/internal/web"
	"github.com/seaborne/multisense/internal/wireless"
)

// restartExitCode tells the process supervisor to restart multisensed
// immediately instead of applying failure backoff. The lifecycle
// controller requests it when a provisioning session runs unattended
// past its timeout.
const restartExitCode = 3

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	if err == nil {
		return
	}
	if errors.Is(err, lifecycle.ErrRestart) {
		os.Exit(restartExitCode)
	}
	fmt.Fprintf(os.Stderr, "%s\n", err)
	os.Exit(1)
}

// run is the real entry point for the multisensed command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the
//     program name. We parse these manually rather than using the flag
//     package to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
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
	case "run":
		return runNode(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "qr":
		return runQR(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runNode handles the "multisensed run" subcommand: load config, open
// the device configuration store, and hand control to the lifecycle
// controller until a shutdown signal arrives or a restart is requested.
func runNode(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting multisensed",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger covers only the startup banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate().
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"interface", cfg.Network.Interface,
		"data_dir", cfg.DataDir,
		"channels", len(cfg.Channels))

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "multisense.db")
	store, err := confstore.New(dbPath)
	if err != nil {
		return fmt.Errorf("open configuration store %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("configuration store opened", "path", dbPath)

	wifi := wireless.NewNMCLIManager(cfg.Network.Interface)
	controller := lifecycle.New(cfg, store, wifi, nil, logger)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Diagnostics.Enabled {
		dash := web.NewWebServer(web.Config{
			Listen: cfg.Diagnostics.Listen,
			Status: controller.Status,
			Logger: logger,
		})
		go func() {
			if err := dash.Run(ctx); err != nil {
				logger.Error("diagnostics dashboard failed", "error", err)
			}
		}()
	}

	if err := controller.Run(ctx); err != nil {
		return err
	}
	logger.Info("multisensed stopped")
	return nil
}

// runQR handles the "multisensed qr" subcommand. It prints the node's
// provisioning network name and a terminal QR code that joins it, for
// printing on the enclosure. Works without a config file; the default
// interface is used when none is found.
func runQR(w io.Writer, configPath string) error {
	cfg := config.Default()
	if found, err := config.FindConfig(configPath); err == nil {
		loaded, err := config.Load(found)
		if err != nil {
			return fmt.Errorf("load config %s: %w", found, err)
		}
		cfg = loaded
	} else if configPath != "" {
		return err
	}

	id, err := identity.Detect(cfg.Network.Interface)
	if err != nil {
		return fmt.Errorf("detect hardware identity on %s: %w", cfg.Network.Interface, err)
	}
	apName := identity.AccessPointName(id)

	fmt.Fprintf(w, "Provisioning network: %s\n\n", apName)
	return writeJoinQR(w, apName)
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	fields := buildinfo.Fields()
	if outputFmt == "json" {
		info := make(map[string]string, len(fields))
		for _, f := range fields {
			info[f.Key] = f.Value
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range fields {
		fmt.Fprintf(w, "  %-12s %s\n", f.Key+":", f.Value)
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// multisensed is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Multisensed - Network-attached multisensor node")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: multisensed [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Run the node")
	fmt.Fprintln(w, "  init [dir]   Initialize directory with example config (default: .)")
	fmt.Fprintln(w, "  qr           Print the provisioning network join code")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./multisense.yaml, ~/.config/multisense/multisense.yaml,")
	fmt.Fprintln(w, "  /etc/multisense/multisense.yaml")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output in multisensed goes through slog;
// this helper standardizes the handler configuration across
// subcommands.
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

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise, [config.FindConfig] searches the default locations.
// Returns the parsed config, the path that was loaded, and any error.
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
