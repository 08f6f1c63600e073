package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bmsd/pkg/config"
)

// configureLogger builds the logger from the logging section, then applies
// --log-level or, when that is not given, --verbose. The returned func closes
// the log file.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, func(), error) {
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug", "info", "warn", "error":
			cfg.Logging.Level = logLevelStr
		default:
			return nil, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Logging.Level = logrus.DebugLevel.String()
	}

	logger, closer := cfg.NewLogger()
	return logger, func() { _ = closer.Close() }, nil
}
