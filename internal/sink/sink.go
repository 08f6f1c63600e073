// Package sink delivers metric tuples to downstream consumers.
//
// Every sink owns its transport error handling. A transport failure (broker
// down, connection refused) is logged by the sink and swallowed so decoding
// never stalls. A permanent failure (a name the destination can never accept)
// is returned as *PermanentError and logged once by the Router.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/bmsd/internal/metric"
	"github.com/srg/bmsd/internal/supervisor"
)

// Sink is a downstream consumer of tuples.
type Sink interface {
	Name() string
	// Deliver publishes one pipeline pass worth of tuples.
	Deliver(ctx context.Context, tuples []metric.Tuple) error
}

// ErrTransportUnavailable indicates that the sink's connection is down and the
// pass was skipped. Sinks log it themselves; it never reaches the router.
var ErrTransportUnavailable = errors.New("transport unavailable")

// PermanentError is a failure retrying cannot fix.
type PermanentError struct {
	Sink        string
	Destination string
	Err         error
}

func (e *PermanentError) Error() string {
	if e.Destination == "" {
		return fmt.Sprintf("%s: %v", e.Sink, e.Err)
	}
	return fmt.Sprintf("%s: destination %q: %v", e.Sink, e.Destination, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func permanent(sink, destination string, err error) error {
	return &PermanentError{Sink: sink, Destination: destination, Err: err}
}

// IsPermanent reports whether err carries a *PermanentError
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// base carries what every networked sink shares: a logger, the state cell of
// its transport and the callback that reports a broken transport.
type base struct {
	name   string
	logger *logrus.Entry
	cell   *supervisor.Cell
	onLost func(error)
}

func newBase(name string, logger *logrus.Logger) base {
	if logger == nil {
		logger = logrus.New()
	}
	return base{name: name, logger: logger.WithFields(logrus.Fields{"component": "sink", "sink": name})}
}

func (b *base) Name() string { return b.name }

// Supervise binds the sink to a transport state cell. A nil cell means the
// transport is always available. onLost is called on a transport failure and
// is usually the supervisor's OnConnectionLost.
func (b *base) Supervise(cell *supervisor.Cell, onLost func(error)) {
	b.cell = cell
	b.onLost = onLost
}

// available reports whether a pass may be attempted, logging the skip otherwise.
func (b *base) available(n int) bool {
	if b.cell == nil {
		return true
	}
	if state := b.cell.Load(); state != supervisor.Connected {
		b.logger.WithFields(logrus.Fields{
			"state":  state.String(),
			"tuples": n,
		}).Debugf("%v, pass skipped", ErrTransportUnavailable)
		return false
	}
	return true
}

// transportFailed logs err and hands it to the lost-connection callback.
func (b *base) transportFailed(err error) {
	b.logger.WithError(err).Warn("Delivery failed, transport marked down")
	if b.onLost != nil {
		b.onLost(fmt.Errorf("%w: %w", ErrTransportUnavailable, err))
	}
}

// group splits tuples by destination, keeping first-seen order for both the
// destinations and the tuples inside each.
func group(tuples []metric.Tuple) ([]metric.Destination, map[metric.Destination][]metric.Tuple) {
	var order []metric.Destination
	groups := make(map[metric.Destination][]metric.Tuple)
	for _, t := range tuples {
		if _, ok := groups[t.Destination]; !ok {
			order = append(order, t.Destination)
		}
		groups[t.Destination] = append(groups[t.Destination], t)
	}
	return order, groups
}
