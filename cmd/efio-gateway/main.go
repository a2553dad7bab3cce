package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"efio-gateway/pkg/config"
	"efio-gateway/pkg/daemon"
	"efio-gateway/pkg/logger"
)

func usage() {
	fmt.Printf("Usage: %s [config_path]\n", os.Args[0])
	fmt.Printf("  config_path: Path to gateway.yaml (optional)\n")
	fmt.Printf("  --version, -v: Print version and exit\n")
}

func main() {
	// Parse command line arguments
	configPath := ""
	for i, arg := range os.Args[1:] {
		if arg == "--help" || arg == "-h" {
			usage()
			return
		} else if arg == "--version" || arg == "-v" {
			fmt.Printf("efio-gateway %s\n", daemon.Version)
			return
		} else if i == 0 { // First argument is config path
			configPath = arg
		}
	}

	// Load configuration; a fresh image has no gateway.yaml yet, so a
	// missing file boots on defaults instead of refusing to start.
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		cfg = config.DefaultConfig()
		logger.NewLogger(&cfg.Logging)
		logger.LogWarn("⚠️ Configuration not loaded (%v) - using defaults", err)
	} else {
		logger.NewLogger(&cfg.Logging)
	}
	logger.LogStartup("🔧 Logging initialized with level: %s", cfg.Logging.Level)

	// Assemble the daemon
	app, err := daemon.NewBuilder(cfg).Build()
	if err != nil {
		logger.LogError("Daemon build error: %v", err)
		os.Exit(1)
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT and SIGTERM for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start daemon
	if err := app.Start(ctx); err != nil {
		logger.LogError("Daemon start error: %v", err)
		os.Exit(1)
	}

	// Wait for a stop signal or for the daemon to die on its own
	select {
	case sig := <-sigChan:
		logger.LogInfo("📢 Received %s, shutting down...", sig)
	case <-app.Done():
		if runErr := app.Err(); runErr != nil {
			logger.LogError("❌ Daemon exited: %v", runErr)
			app.Stop()
			os.Exit(1)
		}
		logger.LogInfo("📢 Daemon finished")
	}

	// Stop daemon
	app.Stop()
}
