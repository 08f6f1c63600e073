package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bmsd/internal/bms"
	"github.com/srg/bmsd/internal/pipeline"
	"github.com/srg/bmsd/internal/poller"
	"github.com/srg/bmsd/internal/sink"
)

var _ poller.Drainer = (*bms.Link)(nil)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the BMS and publish its telemetry",
	Long: `Connect to the BMS, then every interval request pack info and cell
voltages, decode the notifications and deliver the metrics to every enabled
output. Runs until interrupted; losing the BMS connection ends the process
with an error so a service manager can restart it.`,
	Example: `  bmsd run -a a4:c1:38:12:34:56 -m house
  bmsd run -c /etc/bmsd.yaml --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	addDeviceFlags(runCmd)
	addBrokerFlags(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateDevice(); err != nil {
		return err
	}

	logger, closeLog, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := sink.NewRouter(logger)
	out, err := buildOutputs(ctx, cfg, router, outputOptions{mqttSink: true}, logger)
	if err != nil {
		return err
	}
	defer out.close()
	out.start(ctx)

	link := bms.NewLink(cfg.ConnectOptions(), logger)
	if err := link.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("failed to connect to %s: %w", cfg.Device.Address, err)
	}

	checkers := make([]poller.HealthChecker, 0, len(out.supervisors))
	for _, sup := range out.supervisors {
		checkers = append(checkers, sup)
	}

	pipe := pipeline.New(cfg.Device.Meter, router, logger)
	p, err := poller.New(cfg.PollerConfig(), link, pipe, logger, checkers...)
	if err != nil {
		_ = link.Disconnect()
		return err
	}

	err = p.Run(ctx)

	stats := pipe.Stats()
	logger.WithFields(logrus.Fields{
		"handled":      stats.Handled,
		"malformed":    stats.Malformed,
		"unrecognized": stats.Unrecognized,
		"tuples":       stats.Tuples,
		"dropped":      link.Dropped(),
	}).Info("Polling stopped")

	if errors.Is(err, poller.ErrDeviceLost) {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	if err == nil && ctx.Err() != nil {
		return context.Canceled
	}
	return err
}
