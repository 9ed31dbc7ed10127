package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/busybox42/testmail/internal/config"
	"github.com/busybox42/testmail/internal/delivery"
	"github.com/busybox42/testmail/internal/logging"
	"github.com/busybox42/testmail/internal/message"
	"github.com/busybox42/testmail/internal/metrics"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// sendOptions holds the flags that override the settings file
type sendOptions struct {
	configPath string
	host       string
	port       int
	envelope   string
	dryRun     bool
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &sendOptions{}

	rootCmd := &cobra.Command{
		Use:   "testmail",
		Short: "testmail - submit one test message to a mail endpoint",
		Long: `testmail reads a sender and recipient from a JSON envelope file, builds a
plain-text test message, logs in to the submission endpoint and sends it.
Running it without a subcommand is the same as "testmail send".`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, opts)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file")
	addSendFlags(rootCmd, opts)

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send the test message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, opts)
		},
	}
	addSendFlags(sendCmd, opts)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
		Long:  "Commands for generating and validating testmail configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "generate [path]",
		Short: "Generate default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  generateConfig,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(cmd, args, opts.configPath)
		},
	})

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "testmail %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}

	rootCmd.AddCommand(sendCmd, configCmd, versionCmd)
	return rootCmd
}

func addSendFlags(cmd *cobra.Command, opts *sendOptions) {
	cmd.Flags().StringVar(&opts.host, "host", "", "endpoint host (overrides config)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "endpoint port (overrides config)")
	cmd.Flags().StringVar(&opts.envelope, "envelope", "", "path to the JSON envelope file (overrides config)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "build and print the message without connecting")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level for this run: debug, info, warn, error (overrides config)")
}

func runSend(cmd *cobra.Command, opts *sendOptions) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}

	if err := applyOverrides(cmd, cfg, opts); err != nil {
		return err
	}

	logging.InitializeLogging(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
	if cmd.Flags().Changed("log-level") {
		level, err := logging.StringToLevel(opts.logLevel)
		if err != nil {
			return &config.ConfigError{Field: "logging.level", Err: fmt.Errorf("%w: %q", err, opts.logLevel)}
		}
		logging.GetLogLevelManager().SetLevel(level)
	}
	logger := logging.Component("cli")

	rec := metrics.NewRecorder()
	if cfg.Metrics.Textfile != "" {
		defer func() {
			if err := rec.WriteTextfile(cfg.Metrics.Textfile); err != nil {
				logger.Warn("Failed to write metrics", "path", cfg.Metrics.Textfile, "error", err)
			}
		}()
	}

	env, err := config.LoadEnvelope(cfg.Message.EnvelopeFile)
	if err != nil {
		rec.RecordFailure(cfg.Addr(), metrics.ReasonConfig, 0)
		logger.Error("Failed to load envelope", "path", cfg.Message.EnvelopeFile, "error", err)
		return err
	}

	msg := message.New(env.From, env.To)
	dispatcher := delivery.NewDispatcher(dispatcherConfig(cfg), rec)

	result, err := dispatcher.Send(cmd.Context(), msg)
	if err != nil {
		logFailure(logger, err)
		return err
	}

	out := cmd.OutOrStdout()
	if result.DryRun {
		_, err := out.Write(result.Data)
		return err
	}

	fmt.Fprintf(out, "Message %s accepted by %s\n", result.MessageID, result.Endpoint)
	return nil
}

// applyOverrides copies explicitly set flags onto cfg and revalidates
func applyOverrides(cmd *cobra.Command, cfg *config.Config, opts *sendOptions) error {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Endpoint.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Endpoint.Port = opts.port
	}
	if flags.Changed("envelope") {
		cfg.Message.EnvelopeFile = opts.envelope
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = opts.dryRun
	}

	result := cfg.Validate()
	if !result.Valid {
		return &config.ConfigError{Field: result.Errors[0].Field, Err: errors.New(result.Errors[0].Message)}
	}
	return nil
}

func dispatcherConfig(cfg *config.Config) *delivery.Config {
	return &delivery.Config{
		Host:        cfg.Endpoint.Host,
		Port:        cfg.Endpoint.Port,
		Helo:        cfg.Endpoint.Helo,
		AuthEnabled: cfg.Auth.Enabled,
		Username:    cfg.Auth.Username,
		Password:    cfg.Auth.Password,
		Mechanism:   cfg.Auth.Mechanism,
		DryRun:      cfg.DryRun,
	}
}

func logFailure(logger *slog.Logger, err error) {
	var connErr *delivery.ConnectionError
	var delErr *delivery.DeliveryError

	switch {
	case errors.As(err, &connErr):
		logger.Error("Endpoint refused the connection", "endpoint", connErr.Addr, "stage", connErr.Stage, "error", connErr.Err)
	case errors.As(err, &delErr):
		logger.Error("Endpoint rejected the message",
			"stage", delErr.Stage,
			"code", delErr.Code,
			"enhanced_code", delErr.EnhancedCode,
			"temporary", delErr.Temporary(),
			"error", delErr.Err)
	case errors.Is(err, context.Canceled):
		logger.Warn("Send canceled")
	default:
		logger.Error("Send failed", "error", err)
	}
}

func generateConfig(cmd *cobra.Command, args []string) error {
	outputPath := "testmail.toml"
	if len(args) > 0 {
		outputPath = args[0]
	}

	if err := config.CreateDefaultConfig(outputPath); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
	return nil
}

func validateConfig(cmd *cobra.Command, args []string, configPath string) error {
	configFile := configPath
	if len(args) > 0 {
		configFile = args[0]
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	result := cfg.Validate()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "=== Configuration Validation Report ===\n\n")
	if result.Valid {
		fmt.Fprintf(out, "Configuration is VALID\n\n")
	} else {
		fmt.Fprintf(out, "Configuration has ERRORS\n\n")
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "ERRORS (%d):\n", len(result.Errors))
		for i, err := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, err.Error())
		}
		fmt.Fprintln(out)
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "WARNINGS (%d):\n", len(result.Warnings))
		for i, warning := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, warning.Error())
		}
		fmt.Fprintln(out)
	}

	if result.Valid {
		fmt.Fprintf(out, "Configuration Summary:\n")
		fmt.Fprintf(out, "  Endpoint: %s (HELO %s)\n", cfg.Addr(), cfg.Endpoint.Helo)
		if cfg.Auth.Enabled {
			mech := cfg.Auth.Mechanism
			if mech == "" {
				mech = "best advertised"
			}
			fmt.Fprintf(out, "  Authentication: Enabled (%s as %s)\n", mech, cfg.Auth.Username)
		} else {
			fmt.Fprintf(out, "  Authentication: Disabled\n")
		}
		fmt.Fprintf(out, "  Envelope: %s\n", cfg.Message.EnvelopeFile)
		if cfg.DryRun {
			fmt.Fprintf(out, "  Dry run: Enabled\n")
		}
	}

	if !result.Valid {
		return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
	}

	return nil
}
