// Package poller drives the BMS: on every cycle it health-checks the outbound
// transports, writes the read requests and feeds each notification that
// arrives within the wait window through the pipeline.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bmsd/internal/frame"
)

// ErrDeviceLost is returned by Run when the BLE link goes away.
var ErrDeviceLost = errors.New("device connection lost")

// Device abstracts the BLE link the poller needs.
type Device interface {
	Write(ctx context.Context, payload []byte) error
	Frames() <-chan frame.RawFrame
	Done() <-chan struct{}
	Disconnect() error
}

// Handler processes one frame synchronously
type Handler interface {
	Handle(ctx context.Context, raw frame.RawFrame) error
}

// Drainer is implemented by devices that can discard queued notifications.
// Frames still queued when a cycle starts arrived after the previous window
// closed and are dropped instead of being counted in the new cycle.
type Drainer interface {
	Drain() int
}

// HealthChecker is run once per cycle, before the device is read. Check must
// not block.
type HealthChecker interface {
	Check(ctx context.Context) bool
}

// Config is the runtime config the poller needs.
type Config struct {
	Interval time.Duration
	// How long to wait for the first notification after a request
	NotifyTimeout time.Duration
	// Once notifications flow, the window closes after this much silence
	Settle   time.Duration
	Requests [][]byte
}

// CycleResult summarizes one poll cycle
type CycleResult struct {
	At       time.Time
	Frames   int
	Rejected int // frames the handler dropped
	Requests int // requests written successfully
	Stale    int // late frames from the previous cycle, discarded
}

// Poller is a clock-driven reader. Frames are handled one at a time on the
// goroutine calling Run.
type Poller struct {
	cfg      Config
	device   Device
	handler  Handler
	checkers []HealthChecker
	logger   *logrus.Entry
}

// New creates a poller with immutable config.
func New(cfg Config, device Device, handler Handler, logger *logrus.Logger, checkers ...HealthChecker) (*Poller, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be > 0")
	}
	if cfg.NotifyTimeout <= 0 {
		return nil, errors.New("poller: notify timeout must be > 0")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = cfg.NotifyTimeout
	}
	if len(cfg.Requests) == 0 {
		cfg.Requests = frame.DefaultPollRequests
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Poller{
		cfg:      cfg,
		device:   device,
		handler:  handler,
		checkers: checkers,
		logger:   logger.WithField("component", "poller"),
	}, nil
}

// Run polls until ctx is cancelled or the device is lost. On cancellation the
// device is disconnected and Run returns nil.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.WithField("interval", p.cfg.Interval).Info("Polling started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.shutdown()
		case <-p.device.Done():
			return ErrDeviceLost
		case <-timer.C:
		}

		res, err := p.PollOnce(ctx)
		switch {
		case errors.Is(err, ErrDeviceLost):
			return err
		case ctx.Err() != nil:
			return p.shutdown()
		}

		p.logger.WithFields(logrus.Fields{
			"frames":   res.Frames,
			"rejected": res.Rejected,
			"requests": res.Requests,
			"stale":    res.Stale,
		}).Debug("Cycle complete")

		timer.Reset(p.cfg.Interval)
	}
}

func (p *Poller) shutdown() error {
	p.logger.Info("Interrupted, disconnecting device")
	if err := p.device.Disconnect(); err != nil {
		p.logger.WithError(err).Warn("Disconnect failed")
	}
	return nil
}

// PollOnce performs exactly one poll cycle. Write and decode failures are
// logged and do not abort the cycle; only device loss or ctx cancellation do.
func (p *Poller) PollOnce(ctx context.Context) (CycleResult, error) {
	res := CycleResult{At: time.Now()}

	for _, c := range p.checkers {
		c.Check(ctx)
	}

	if d, ok := p.device.(Drainer); ok {
		if res.Stale = d.Drain(); res.Stale > 0 {
			p.logger.WithField("frames", res.Stale).Debug("Discarded late notifications")
		}
	}

	for _, req := range p.cfg.Requests {
		if err := p.device.Write(ctx, req); err != nil {
			if p.lost() {
				return res, ErrDeviceLost
			}
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			p.logger.WithError(err).Warn("Request failed")
			continue
		}
		res.Requests++

		if err := p.collect(ctx, &res); err != nil {
			return res, err
		}
	}

	return res, nil
}

// collect handles notifications until the wait window closes.
func (p *Poller) collect(ctx context.Context, res *CycleResult) error {
	window := time.NewTimer(p.cfg.NotifyTimeout)
	defer window.Stop()

	got := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.device.Done():
			return ErrDeviceLost
		case raw := <-p.device.Frames():
			got++
			res.Frames++
			if err := p.handle(ctx, raw); err != nil {
				res.Rejected++
			}
			window.Reset(p.cfg.Settle)
		case <-window.C:
			if got == 0 {
				p.logger.WithField("timeout", p.cfg.NotifyTimeout).Debug("No notification within wait window")
			}
			return nil
		}
	}
}

func (p *Poller) handle(ctx context.Context, raw frame.RawFrame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
			p.logger.WithField("seq", raw.Seq).WithError(err).Error("Frame handling failed")
		}
	}()
	return p.handler.Handle(ctx, raw)
}

func (p *Poller) lost() bool {
	select {
	case <-p.device.Done():
		return true
	default:
		return false
	}
}
