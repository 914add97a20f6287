package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/isantolin/mcubridge/internal/logger"
	"github.com/isantolin/mcubridge/pkg/bridge"
	"github.com/isantolin/mcubridge/pkg/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the MCU/MQTT bridge",
	Long: `Start the mcubridge daemon: opens the configured serial port, connects
to the configured MQTT broker, and bridges frames between them until
interrupted.

Examples:
  # Start with the default config location
  mcubridged start

  # Start with a custom config file
  mcubridged start --config /etc/mcubridge/config.yaml

  # Override a setting via environment variable
  MCUBRIDGE_LOGGING_LEVEL=DEBUG mcubridged start

  # Override the log level for one run
  mcubridged start --log-level debug`,
	RunE: runStart,
}

var startLogLevel string

func init() {
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "override the configured log level (DEBUG, INFO, WARN, ERROR)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if startLogLevel != "" {
		cfg.Logging.Level = startLogLevel
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := bridge.New(cfg, logger.With())
	if err != nil {
		return fmt.Errorf("failed to initialize bridge: %w", err)
	}

	logger.Info("mcubridged starting", "serial_port", cfg.Serial.Port, "mqtt_broker", cfg.MQTT.BrokerURL)

	serviceDone := make(chan error, 1)
	go func() {
		serviceDone <- svc.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("mcubridged is running, press Ctrl+C to stop")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, stopping")
		cancel()
		if err := <-serviceDone; err != nil {
			logger.Error("bridge stopped with error", "error", err)
			return err
		}
		logger.Info("mcubridged stopped gracefully")

	case err := <-serviceDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("bridge exited with error", "error", err)
			return err
		}
		logger.Info("mcubridged stopped")
	}
	return nil
}

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
