package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/bmsd/internal/bms"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby BMS devices",
	Long: `Listen for BLE advertisements and list the devices found, strongest
signal first. Devices advertising the JBD BMS service (0xff00) are marked; use
their address with "bmsd run -a".`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanOnlyBMS  bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanOnlyBMS, "bms-only", false, "Only list devices advertising the BMS service")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closeLog, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := bms.DefaultScanOptions()
	opts.Duration = scanDuration
	opts.OnlyBMS = scanOnlyBMS

	if scanFormat == "table" && isTerminal(cmd.ErrOrStderr()) {
		progress := NewCountdown(cmd.ErrOrStderr(), "Scanning for BLE devices", scanDuration)
		progress.Start(ctx)
		defer progress.Stop()
	}

	found, err := bms.NewScanner(logger).Scan(ctx, opts)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scan failed: %w", err)
	}

	if scanFormat == "json" {
		return displayPeripheralsJSON(cmd.OutOrStdout(), found)
	}
	return displayPeripheralsTable(cmd.OutOrStdout(), found, isTerminal(cmd.OutOrStdout()))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func displayPeripheralsTable(out io.Writer, found []bms.Peripheral, colorize bool) error {
	if len(found) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	highlight := color.New(color.FgGreen, color.Bold)
	if colorize {
		highlight.EnableColor()
	} else {
		highlight.DisableColor()
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	// colored column last; escape codes would skew tabwriter widths
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tLAST SEEN\tBMS")
	fmt.Fprintln(w, strings.Repeat("-", 64))

	for _, p := range found {
		name := p.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		marker := ""
		if p.IsBMS {
			marker = highlight.Sprint("yes")
		}

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s ago\t%s\n",
			name, p.Address, p.RSSI, time.Since(p.LastSeen).Truncate(time.Second), marker)
	}

	return w.Flush()
}

func displayPeripheralsJSON(out io.Writer, found []bms.Peripheral) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if found == nil {
		found = []bms.Peripheral{}
	}
	return encoder.Encode(found)
}
