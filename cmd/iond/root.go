package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joshuapare/ionkit/internal/buildinfo"
	"github.com/joshuapare/ionkit/internal/config"
	"github.com/joshuapare/ionkit/internal/logger"
)

var (
	configPath string
	grpcAddr   string
	httpAddr   string
	logLevel   string
	logDir     string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "iond",
	Short: "Physical memory allocator daemon",
	Long: `iond builds an ion device from its configuration file, serves it over
gRPC and exposes heap statistics on an HTTP debug endpoint.

Background reclaim runs on the configured interval. Sending SIGUSR2 reclaims
everything reclaimable at once.

Example:
  iond --config /etc/iond.yaml
  iond --grpc 127.0.0.1:7070 --http "" --log-level debug`,
	Args:          cobra.NoArgs,
	Version:       buildinfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file (defaults apply when empty)")
	rootCmd.Flags().StringVar(&grpcAddr, "grpc", "", "Override the gRPC listen address")
	rootCmd.Flags().StringVar(&httpAddr, "http", "", "Override the HTTP debug address (empty string disables)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Override the log level")
	rootCmd.Flags().StringVar(&logDir, "log-dir", "", "Write logs to dated files in this directory")
	rootCmd.Flags().BoolVar(&logJSON, "log-json", false, "Log in JSON")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("grpc") {
		cfg.Listen.GRPC = grpcAddr
	}
	if flags.Changed("http") {
		cfg.Listen.HTTP = httpAddr
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-dir") {
		cfg.Log.Dir = logDir
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = logJSON
	}
	return cfg, cfg.Validate()
}

func runDaemon(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	opts, err := cfg.LoggerOptions()
	if err != nil {
		return err
	}
	log, closeLog, err := logger.Init(opts)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, log, nil)
}
