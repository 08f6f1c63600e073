// Package forward re-publishes values read from an MQTT topic tree into the
// sinks, e.g. power meter readings published as one topic per quantity:
//
//	get_status/status/voltage      -> 230.1
//	get_status/status/voltage/unit -> V       (ignored)
//	get_status/status/state        -> on
package forward

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/srg/bmsd/internal/groutine"
	"github.com/srg/bmsd/internal/metric"
)

// Deliverer is satisfied by *sink.Router
type Deliverer interface {
	Deliver(ctx context.Context, tuples []metric.Tuple) int
}

// Subscriber is the part of mqtt.Client the source needs
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

type Options struct {
	Topic string
	QoS   byte
	// Zero-based topic level holding the measurement name
	MeasurementLevel int
	// Tag attached to every tuple
	Node string

	SubscribeTimeout time.Duration
}

// DefaultOptions mirrors the power meter layout
func DefaultOptions() Options {
	return Options{
		Topic:            "get_status/status/#",
		MeasurementLevel: 2,
		Node:             "get_status",
		SubscribeTimeout: 10 * time.Second,
	}
}

// Source turns bus messages into tuples for the router.
type Source struct {
	ctx    context.Context
	opts   Options
	router Deliverer
	logger *logrus.Entry
	now    func() time.Time
}

// NewSource creates a source; ctx bounds deliveries made from paho callbacks.
func NewSource(ctx context.Context, opts Options, router Deliverer, logger *logrus.Logger) *Source {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 10 * time.Second
	}
	return &Source{
		ctx:    ctx,
		opts:   opts,
		router: router,
		logger: logger.WithFields(logrus.Fields{"component": "forward", "topic": opts.Topic}),
		now:    time.Now,
	}
}

// Subscribe (re)subscribes to the topic filter. It is meant to run from the
// client's on-connect handler, so a clean session after a reconnect gets its
// subscription back.
func (s *Source) Subscribe(c Subscriber) {
	token := c.Subscribe(s.opts.Topic, s.opts.QoS, s.HandleMessage)

	// the on-connect handler runs on paho's goroutine; wait off it
	groutine.Go(s.ctx, "forward-subscribe", func(context.Context) {
		if !token.WaitTimeout(s.opts.SubscribeTimeout) {
			s.logger.Warn("Subscribe not acknowledged in time")
			return
		}
		if err := token.Error(); err != nil {
			s.logger.WithError(err).Error("Subscribe failed")
			return
		}
		s.logger.Info("Subscribed")
	})
}

// HandleMessage is the paho message callback.
func (s *Source) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.logger.WithFields(logrus.Fields{
		"msg_topic": msg.Topic(),
		"payload":   string(msg.Payload()),
	}).Debug("Received message")

	tuple, ok := s.Tuple(msg.Topic(), msg.Payload(), s.now())
	if !ok {
		return
	}
	s.router.Deliver(s.ctx, []metric.Tuple{tuple})
}

// Tuple converts one message. ok is false for messages that carry no value:
// unit topics, topics too short to hold a measurement and non-UTF-8 payloads.
func (s *Source) Tuple(topic string, payload []byte, at time.Time) (t metric.Tuple, ok bool) {
	levels := strings.Split(topic, "/")
	if levels[len(levels)-1] == "unit" {
		return t, false
	}
	if s.opts.MeasurementLevel < 0 || s.opts.MeasurementLevel >= len(levels) {
		s.logger.WithField("msg_topic", topic).Debug("Topic has no measurement level")
		return t, false
	}
	if !utf8.Valid(payload) {
		s.logger.WithField("msg_topic", topic).Warn("Payload is not UTF-8, dropped")
		return t, false
	}

	t = metric.Tuple{
		Meter: s.opts.Node,
		Field: levels[s.opts.MeasurementLevel],
		Time:  at,
	}

	text := string(payload)
	if f, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		t.Destination = metric.PowerMeasurement
		t.Value = metric.Number(f)
	} else {
		t.Destination = metric.PowerMeasurementStrings
		t.Value = metric.Text(text)
	}
	return t, true
}

// HealthChecker is implemented by *supervisor.Supervisor
type HealthChecker interface {
	Check(ctx context.Context) bool
}

// Watch runs the health checks every interval until ctx ends. The fan-in has
// no poll loop of its own, so this stands in for the per-cycle check.
func Watch(ctx context.Context, interval time.Duration, checkers ...HealthChecker) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, c := range checkers {
			c.Check(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
