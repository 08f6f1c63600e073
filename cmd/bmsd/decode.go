package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bmsd/internal/frame"
	"github.com/srg/bmsd/internal/pipeline"
	"github.com/srg/bmsd/internal/sink"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Decode captured notifications offline",
	Long: `Decode hex-encoded notifications, one per line, and print the resulting
metrics as JSON lines. Reads stdin when no file (or "-") is given. Bytes may be
separated by spaces or colons; blank lines and lines starting with # are
skipped.`,
	Example: `  echo "dd 04 00 10 0c e4 0c ee 0c da 0c e9 0c df 0c f3 0c d0 0c f8" | bmsd decode
  bmsd decode capture.txt -m house`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().StringP("meter", "m", "bms", "Meter name attached to every metric")
}

func runDecode(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open capture: %w", err)
		}
		defer f.Close()
		in = f
	}

	// decode needs no configuration file; only the logging flags apply
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(logrus.WarnLevel)
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		parsed, err := logrus.ParseLevel(lvl)
		if err != nil {
			return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", lvl)
		}
		logger.SetLevel(parsed)
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cmd.SilenceUsage = true

	meter, _ := cmd.Flags().GetString("meter")
	pipe := pipeline.New(meter, sink.NewRouter(logger, sink.NewWriter(cmd.OutOrStdout())), logger)

	stats, err := decodeStream(cmd.Context(), in, pipe)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d frames decoded, %d malformed, %d unrecognized\n",
		stats.Handled, stats.Malformed, stats.Unrecognized)
	return nil
}

func decodeStream(ctx context.Context, in io.Reader, pipe *pipeline.Pipeline) (pipeline.Stats, error) {
	scanner := bufio.NewScanner(in)
	var seq uint64
	line := 0

	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		data, err := parseHex(text)
		if err != nil {
			return pipe.Stats(), fmt.Errorf("line %d: %w", line, err)
		}

		seq++
		err = pipe.Handle(ctx, frame.RawFrame{Data: data, At: time.Now(), Seq: seq})
		if err != nil && !errors.Is(err, frame.ErrMalformedFrame) && !errors.Is(err, frame.ErrUnrecognizedFrame) {
			return pipe.Stats(), err
		}
	}
	if err := scanner.Err(); err != nil {
		return pipe.Stats(), fmt.Errorf("failed to read capture: %w", err)
	}
	return pipe.Stats(), nil
}

// parseHex accepts "dd0300", "dd 03 00" and "dd:03:00"
func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "\t", "", "0x", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return data, nil
}
