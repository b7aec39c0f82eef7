// Command agent runs the RF range agent.
//
// # Usage
//
//	agent --config /etc/rfrange/agent.yaml
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (RFRANGE_*)
// - Config file (--config)
//
// # Examples
//
// Run a listener with a config file:
//
//	agent --config /etc/rfrange/listener.yaml
//
// First boot with the enrollment grant in the environment:
//
//	RFRANGE_CONTROL_PLANE_URL=https://range.fieldsignal.net \
//	RFRANGE_ENROLLMENT_TOKEN=<token> \
//	RFRANGE_API_KEY=<key> \
//	agent --config /etc/rfrange/agent.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldsignal/rf-range/agent"
	"github.com/fieldsignal/rf-range/agent/internal/config"
)

func main() {
	var (
		configFile   = flag.String("config", "", "Path to config file")
		controlPlane = flag.String("control-plane", "", "Control plane URL")
		role         = flag.String("role", "", "Agent role (runner or listener)")
		debug        = flag.Bool("debug", false, "Enable debug logging")
		version      = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("rfrange-agent %s\n", agent.Version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()

	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	cfg.ApplyEnvOverrides()

	if *controlPlane != "" {
		cfg.ControlPlane.URL = *controlPlane
	}
	if *role != "" {
		cfg.Agent.Role = *role
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("starting rfrange agent",
		"role", cfg.Agent.Role,
		"control_plane", cfg.ControlPlane.URL)

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("agent shutdown complete")
}
