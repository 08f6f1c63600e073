package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/bmsd/internal/metric"
)

// Router fans every pass out to all registered sinks. Sinks are not load
// balanced: a failing sink never keeps the others from receiving tuples.
type Router struct {
	logger *logrus.Entry

	mu    sync.RWMutex
	sinks []Sink

	// permanent failures already reported, keyed by error text
	reported *hashmap.Map[string, struct{}]
}

func NewRouter(logger *logrus.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = logrus.New()
	}
	return &Router{
		logger:   logger.WithField("component", "router"),
		sinks:    sinks,
		reported: hashmap.New[string, struct{}](),
	}
}

func (r *Router) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Sinks returns a snapshot of the registered sinks
func (r *Router) Sinks() []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Sink(nil), r.sinks...)
}

// Deliver forwards tuples to every sink in registration order and returns the
// number of sinks that reported an error. Errors are logged here and go no
// further.
func (r *Router) Deliver(ctx context.Context, tuples []metric.Tuple) int {
	if len(tuples) == 0 {
		return 0
	}

	failed := 0
	for _, s := range r.Sinks() {
		if err := r.deliverOne(ctx, s, tuples); err != nil {
			failed++
			r.report(s, err)
		}
	}
	return failed
}

func (r *Router) deliverOne(ctx context.Context, s Sink, tuples []metric.Tuple) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panicked: %v", p)
		}
	}()
	return s.Deliver(ctx, tuples)
}

func (r *Router) report(s Sink, err error) {
	entry := r.logger.WithField("sink", s.Name()).WithError(err)

	if !IsPermanent(err) {
		entry.Warn("Sink delivery failed")
		return
	}

	// Insert only succeeds for the first occurrence
	if r.reported.Insert(s.Name()+"\x00"+err.Error(), struct{}{}) {
		entry.Error("Sink rejected tuples permanently, further identical failures are not logged")
	}
}
