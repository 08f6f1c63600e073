// Package pipeline runs one notification through classify, decode, map and
// route.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bmsd/internal/frame"
	"github.com/srg/bmsd/internal/metric"
	"github.com/srg/bmsd/internal/sink"
)

// Deliverer is satisfied by *sink.Router
type Deliverer interface {
	Deliver(ctx context.Context, tuples []metric.Tuple) int
}

var _ Deliverer = (*sink.Router)(nil)

// timeNow stamps frames that arrive without a receipt time
var timeNow = time.Now

// Pipeline is not safe for concurrent use; frames are handled one at a time.
type Pipeline struct {
	mapper metric.Mapper
	router Deliverer
	logger *logrus.Entry

	stats Stats
}

// Stats counts frames by outcome
type Stats struct {
	Handled      uint64
	Malformed    uint64
	Unrecognized uint64
	Tuples       uint64
}

func New(meter string, router Deliverer, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{
		mapper: metric.Mapper{Meter: meter},
		router: router,
		logger: logger.WithField("component", "pipeline"),
	}
}

// Handle processes one frame synchronously. It returns the decode error for
// dropped frames so callers can count them; routing problems never surface.
func (p *Pipeline) Handle(ctx context.Context, raw frame.RawFrame) error {
	kind := frame.Classify(raw.Data)
	entry := p.logger.WithFields(logrus.Fields{"kind": kind.String(), "seq": raw.Seq})

	rec, err := frame.Decode(raw)
	switch {
	case errors.Is(err, frame.ErrUnrecognizedFrame):
		p.stats.Unrecognized++
		entry.WithField("bytes", len(raw.Data)).Debug("Unrecognized frame dropped")
		return err
	case err != nil:
		p.stats.Malformed++
		entry.WithError(err).Warn("Malformed frame dropped")
		return err
	}

	at := raw.At
	if at.IsZero() {
		at = timeNow()
	}

	tuples := p.mapper.Map(rec, at)
	p.router.Deliver(ctx, tuples)

	p.stats.Handled++
	p.stats.Tuples += uint64(len(tuples))
	entry.WithField("tuples", len(tuples)).Debug("Frame routed")
	return nil
}

// Stats returns the counters accumulated so far
func (p *Pipeline) Stats() Stats { return p.stats }
