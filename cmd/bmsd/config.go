package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/srg/bmsd/pkg/config"
)

// configCmd prints the effective configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the configuration file, BMSD_*
environment variables and command-line flags have been applied. Passwords are
redacted.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	out, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// flagOverride copies a changed flag into the configuration
type flagOverride struct {
	name  string
	apply func(fs *pflag.FlagSet, cfg *config.Config) error
}

var deviceOverrides = []flagOverride{
	{"address", func(fs *pflag.FlagSet, cfg *config.Config) (err error) {
		cfg.Device.Address, err = fs.GetString("address")
		return
	}},
	{"meter", func(fs *pflag.FlagSet, cfg *config.Config) (err error) {
		cfg.Device.Meter, err = fs.GetString("meter")
		return
	}},
	{"interval", func(fs *pflag.FlagSet, cfg *config.Config) (err error) {
		cfg.Device.Interval, err = fs.GetDuration("interval")
		return
	}},
}

var brokerOverrides = []flagOverride{
	{"mqtt-host", func(fs *pflag.FlagSet, cfg *config.Config) (err error) {
		cfg.MQTT.Host, err = fs.GetString("mqtt-host")
		return
	}},
	{"mqtt-port", func(fs *pflag.FlagSet, cfg *config.Config) (err error) {
		cfg.MQTT.Port, err = fs.GetInt("mqtt-port")
		return
	}},
	{"topic-prefix", func(fs *pflag.FlagSet, cfg *config.Config) (err error) {
		cfg.MQTT.TopicPrefix, err = fs.GetString("topic-prefix")
		return
	}},
}

func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("address", "a", "", "BLE address of the BMS")
	cmd.Flags().StringP("meter", "m", "", "Meter name attached to every metric")
	cmd.Flags().DurationP("interval", "i", 0, "Poll interval")
}

func addBrokerFlags(cmd *cobra.Command) {
	cmd.Flags().String("mqtt-host", "", "MQTT broker host")
	cmd.Flags().Int("mqtt-port", 0, "MQTT broker port")
	cmd.Flags().String("topic-prefix", "", "MQTT topic prefix")
}

// loadConfig layers defaults, .env, the configuration file, the environment
// and the flags the user actually set, then validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	for _, o := range append(deviceOverrides, brokerOverrides...) {
		f := cmd.Flags().Lookup(o.name)
		if f == nil || !f.Changed {
			continue
		}
		if err := o.apply(cmd.Flags(), cfg); err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", o.name, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
