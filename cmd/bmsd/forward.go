package main

import (
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"github.com/srg/bmsd/internal/forward"
	"github.com/srg/bmsd/internal/sink"
)

// forwardCmd represents the forward command
var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Re-publish values from an MQTT topic tree into the other outputs",
	Long: `Subscribe to a topic filter on the MQTT broker and deliver every value to
the non-MQTT outputs (InfluxDB, Redis, CloudWatch). Numeric payloads go to the
numeric measurement, everything else to the text measurement; unit topics are
ignored. The subscription is renewed after every reconnect.`,
	Example: `  bmsd forward --topic 'get_status/status/#' --node meter1`,
	Args:    cobra.NoArgs,
	RunE:    runForward,
}

func init() {
	addBrokerFlags(forwardCmd)
	forwardCmd.Flags().String("topic", "", "Topic filter to subscribe to")
	forwardCmd.Flags().String("node", "", "Node name attached to every value")
}

func runForward(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if topic, _ := cmd.Flags().GetString("topic"); topic != "" {
		cfg.Forward.Topic = topic
	}
	if node, _ := cmd.Flags().GetString("node"); node != "" {
		cfg.Forward.Node = node
	}

	logger, closeLog, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := sink.NewRouter(logger)
	src := forward.NewSource(ctx, cfg.ForwardOptions(), router, logger)

	out, err := buildOutputs(ctx, cfg, router, outputOptions{
		onBrokerConnect: func(c mqtt.Client) { src.Subscribe(c) },
	}, logger)
	if err != nil {
		return err
	}
	defer out.close()
	out.start(ctx)

	checkers := make([]forward.HealthChecker, 0, len(out.supervisors))
	for _, sup := range out.supervisors {
		checkers = append(checkers, sup)
	}

	logger.WithField("topic", cfg.Forward.Topic).Info("Forwarding started")
	forward.Watch(ctx, cfg.Forward.CheckInterval, checkers...)
	logger.Info("Forwarding stopped")
	return nil
}
