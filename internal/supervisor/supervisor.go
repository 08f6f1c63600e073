package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/srg/bmsd/internal/groutine"
)

// Transport is a connection the supervisor can (re)establish. Connect must
// honour ctx and return once the connection is usable or has failed.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
}

// Reconnect delays always stay within [BackoffFloor, BackoffCeiling].
const (
	BackoffFloor   = time.Second
	BackoffCeiling = 60 * time.Second
)

// Options bound the reconnect schedule
type Options struct {
	MinBackoff     time.Duration `default:"1s"`
	MaxBackoff     time.Duration `default:"60s"`
	AttemptTimeout time.Duration `default:"10s"`
	// Consecutive failures after which reconnect failures log at error level
	EscalateAfter int `default:"5"`
}

// DefaultOptions returns the schedule used when no configuration is given
func DefaultOptions() Options {
	return Options{
		MinBackoff:     time.Second,
		MaxBackoff:     60 * time.Second,
		AttemptTimeout: 10 * time.Second,
		EscalateAfter:  5,
	}
}

// Supervisor owns the lifecycle of one transport. The state cell is written by
// the lost-connection callback and by reconnect attempts; everything else only
// reads it.
type Supervisor struct {
	transport Transport
	opts      Options
	logger    *logrus.Entry
	cell      *Cell

	mu          sync.Mutex
	backoff     *backoff.Backoff
	nextAttempt time.Time
	lastDelay   time.Duration
	lastErr     error
	failures    int

	inflight sync.WaitGroup
	now      func() time.Time
}

// New creates a supervisor in the Disconnected state. Nothing is attempted
// until Start or Check is called.
func New(t Transport, opts Options, logger *logrus.Logger) *Supervisor {
	def := DefaultOptions()
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = def.MinBackoff
	}
	opts.MinBackoff = min(opts.MinBackoff, BackoffCeiling)
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(def.MaxBackoff, opts.MinBackoff)
	}
	opts.MaxBackoff = min(opts.MaxBackoff, BackoffCeiling)
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = def.AttemptTimeout
	}
	if opts.EscalateAfter <= 0 {
		opts.EscalateAfter = def.EscalateAfter
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Supervisor{
		transport: t,
		opts:      opts,
		logger:    logger.WithFields(logrus.Fields{"component": "supervisor", "transport": t.Name()}),
		cell:      &Cell{},
		backoff: &backoff.Backoff{
			Min:    opts.MinBackoff,
			Max:    opts.MaxBackoff,
			Factor: 2,
			Jitter: true,
		},
		now: time.Now,
	}
}

// Cell exposes the state cell so sinks can consult it before delivering.
func (s *Supervisor) Cell() *Cell { return s.cell }

func (s *Supervisor) Name() string { return s.transport.Name() }

func (s *Supervisor) State() State { return s.cell.Load() }

// LastError returns the most recent connect or lost-connection error.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LastDelay returns the backoff chosen after the most recent failed attempt.
func (s *Supervisor) LastDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelay
}

// Start launches the initial connect attempt without waiting for it.
func (s *Supervisor) Start(ctx context.Context) {
	if s.cell.CompareAndSwap(Disconnected, Connecting) {
		s.launch(ctx)
	}
}

// Check is the per-cycle health check. When the transport is Disconnected and
// its backoff has elapsed it launches one reconnect attempt in the background
// and reports true. It never blocks.
func (s *Supervisor) Check(ctx context.Context) bool {
	if s.cell.Load() != Disconnected {
		return false
	}

	s.mu.Lock()
	due := !s.now().Before(s.nextAttempt)
	s.mu.Unlock()
	if !due {
		return false
	}

	if !s.cell.CompareAndSwap(Disconnected, Connecting) {
		return false
	}
	s.launch(ctx)
	return true
}

// OnConnectionLost is the transport's asynchronous failure callback.
func (s *Supervisor) OnConnectionLost(err error) {
	if err == nil {
		err = errors.New("connection lost")
	}

	prev := s.cell.Load()
	s.cell.Store(Disconnected)

	s.mu.Lock()
	s.lastErr = err
	// reconnect on the next check; the backoff only grows while attempts fail
	s.nextAttempt = s.now()
	s.mu.Unlock()

	if prev == Connected {
		s.logger.WithError(err).Warn("Connection lost")
	}
}

// Wait blocks until any in-flight attempt has finished.
func (s *Supervisor) Wait() {
	s.inflight.Wait()
}

func (s *Supervisor) launch(ctx context.Context) {
	s.inflight.Add(1)
	groutine.Go(ctx, "connect-"+s.transport.Name(), func(ctx context.Context) {
		defer s.inflight.Done()
		s.attempt(ctx)
	})
}

func (s *Supervisor) attempt(ctx context.Context) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
	defer cancel()

	s.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Connecting...")
	err := s.transport.Connect(attemptCtx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		recovered := s.failures > 0
		s.failures = 0
		s.lastErr = nil
		s.lastDelay = 0
		s.backoff.Reset()
		s.cell.Store(Connected)

		if recovered {
			s.logger.Info("Reconnected")
		} else {
			s.logger.Info("Connected")
		}
		return
	}

	s.failures++
	s.lastErr = err
	s.lastDelay = s.backoff.Duration()
	s.nextAttempt = s.now().Add(s.lastDelay)
	s.cell.Store(Disconnected)

	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		"failures": s.failures,
		"retry_in": s.lastDelay.Round(time.Millisecond),
	})
	switch {
	case s.failures == 1:
		entry.Info("Connect attempt failed")
	case s.failures < s.opts.EscalateAfter:
		entry.Warn("Connect attempt failed")
	default:
		entry.Error("Transport still unreachable")
	}
}
