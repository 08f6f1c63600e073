package bms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// Peripheral is one device seen while scanning
type Peripheral struct {
	Address  string    `json:"address"`
	Name     string    `json:"name"`
	RSSI     int       `json:"rssi"`
	IsBMS    bool      `json:"is_bms"`
	LastSeen time.Time `json:"last_seen"`
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	OnlyBMS         bool
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner handles BLE device discovery
type Scanner struct {
	devices *hashmap.Map[string, *Peripheral]
	logger  *logrus.Logger
	opts    ScanOptions
}

// NewScanner creates a new BLE scanner
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{logger: logger}
}

// Scan listens for advertisements for opts.Duration (0 scans until ctx ends)
// and returns the discovered peripherals, strongest signal first.
func (s *Scanner) Scan(ctx context.Context, opts ScanOptions) ([]Peripheral, error) {
	s.devices = hashmap.New[string, *Peripheral]()
	s.opts = opts

	dev, err := hostDevice()
	if err != nil {
		return nil, err
	}

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	err = dev.Scan(ctx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	out := make([]Peripheral, 0, s.devices.Len())
	s.devices.Range(func(_ string, p *Peripheral) bool {
		out = append(out, *p)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})

	s.logger.WithField("device_count", len(out)).Info("BLE scan completed")
	return out, nil
}

// handleAdvertisement updates an existing peripheral or adds a new one
func (s *Scanner) handleAdvertisement(adv ble.Advertisement) {
	isBMS := IsBMS(adv)
	if s.opts.OnlyBMS && !isBMS {
		return
	}

	addr := adv.Addr().String()
	p, existing := s.devices.GetOrInsert(addr, &Peripheral{Address: addr})

	// advertisements arrive on a single callback goroutine
	if name := adv.LocalName(); name != "" {
		p.Name = name
	}
	p.RSSI = adv.RSSI()
	p.IsBMS = p.IsBMS || isBMS
	p.LastSeen = time.Now()

	if !existing {
		s.logger.WithFields(logrus.Fields{
			"device":  p.Name,
			"address": addr,
			"rssi":    p.RSSI,
			"bms":     p.IsBMS,
		}).Debug("Discovered new device")
	}
}
