package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/strandline/tether/internal/config"
	"github.com/strandline/tether/internal/logging"
	"github.com/strandline/tether/internal/supervisor"
	"github.com/strandline/tether/pkg/tether"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	args, err := parseFlags(cfg, os.Args[1:])
	if err != nil {
		return err
	}

	if len(args) > 0 {
		switch args[0] {
		case "help", "--help", "-h":
			printUsage()
			return nil
		case "version", "--version", "-v":
			fmt.Println("tetherd v1.0.0")
			return nil
		}
	}

	logging.ConfigureRuntime()
	log := logging.Component("tetherd")

	if cfg.Debug {
		log.Info().Str("server", cfg.ServerURL).Str("home", cfg.TetherHome).
			Strs("bridge", cfg.BridgeCommand).Msg("configuration loaded")
	}

	if len(cfg.BridgeCommand) == 0 {
		return fmt.Errorf("no bridge command configured (set bridge_command in config.toml or --bridge)")
	}

	token, err := readToken(cfg.AccessKeyPath)
	if err != nil {
		return fmt.Errorf("failed to read access token: %w", err)
	}

	client, err := tether.New(tether.Config{
		ServerURL:   cfg.ServerURL,
		AccessToken: token,
		// The token file is rotated by an external agent; a refresh is just a
		// re-read.
		TokenRefresher:  func() (string, error) { return readToken(cfg.AccessKeyPath) },
		BridgeCommand:   cfg.BridgeCommand,
		DataDir:         cfg.TetherHome,
		SnapshotKeyPath: cfg.SnapshotKeyPath,
		InvokeTimeout:   cfg.InvokeTimeout,
		InvokeRetries:   cfg.InvokeRetries,
		QueueCapacity:   cfg.QueueCapacity,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		Supervisor: supervisor.Config{
			HeartbeatInterval:     cfg.HeartbeatInterval,
			HeartbeatTimeout:      cfg.HeartbeatTimeout,
			ReconnectInitialDelay: cfg.ReconnectInitialDelay,
			ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
			ReconnectMaxAttempts:  cfg.ReconnectMaxAttempts,
			ConnectWait:           cfg.InvokeTimeout,
			AckTimeout:            cfg.HeartbeatTimeout,
		},
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	states, unsubscribe := client.ConnectionStates().Subscribe()
	defer unsubscribe()

	if err := client.Start(); err != nil {
		return err
	}
	log.Info().Str("server", cfg.ServerURL).Msg("tetherd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			return nil
		case state, ok := <-states:
			if !ok {
				return nil
			}
			log.Info().Str("state", string(state)).Msg("connection state changed")
			if state == tether.StateError {
				m := client.Metrics()
				log.Error().Int64("connects", m.Connects).Int64("disconnects", m.Disconnects).
					Msg("connection is unrecoverable, exiting")
				return fmt.Errorf("connection entered terminal error state")
			}
		}
	}
}

func parseFlags(cfg *config.Config, args []string) ([]string, error) {
	fs := flag.NewFlagSet("tetherd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	serverURL := fs.String("server", "", "Remote service URL")
	bridge := fs.String("bridge", "", "Host process command line for the bridge")
	showHelp := fs.Bool("help", false, "Show help")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *bridge != "" {
		cfg.BridgeCommand = strings.Fields(*bridge)
	}

	return fs.Args(), nil
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("access token file %s is empty", path)
	}
	return token, nil
}

func printUsage() {
	fmt.Println(`tetherd - resilient communication daemon

Usage:
  tetherd              Start the daemon
  tetherd help         Show this help message
  tetherd version      Show version information

Environment Variables:
  TETHER_SERVER_URL  Remote service URL
  TETHER_HOME_DIR    State directory (default: ~/.tether)
  TETHER_CONFIG      Path to config.toml
  TETHER_LOG_LEVEL   trace|debug|info|warn|error
  DEBUG              Enable debug logging (true/1)

Flags:
  --server            Remote service URL
  --bridge            Host process command line, e.g. "tether-host --stdio"

Examples:
  # Start against a local server
  TETHER_SERVER_URL=http://localhost:3005 tetherd --bridge "tether-host --stdio"`)
}
