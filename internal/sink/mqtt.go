package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/bmsd/internal/metric"
)

// Publisher is the part of mqtt.Client the sink needs
type Publisher interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTOptions configures topic naming and publish semantics
type MQTTOptions struct {
	TopicPrefix    string
	QoS            byte
	Retain         bool
	PublishTimeout time.Duration
	Names          metric.NameTable
}

// MQTT publishes one JSON object per destination to <prefix>/<name>:
//
//	{"meter":"house","volts":13.2,"amps":-2.5,...}
type MQTT struct {
	base
	client Publisher
	opts   MQTTOptions
}

func NewMQTT(client Publisher, opts MQTTOptions, logger *logrus.Logger) *MQTT {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &MQTT{base: newBase("mqtt", logger), client: client, opts: opts}
}

// Topic returns the topic a destination publishes to.
func (s *MQTT) Topic(d metric.Destination) string {
	name := s.opts.Names.Name(d)
	if s.opts.TopicPrefix == "" {
		return name
	}
	return strings.TrimSuffix(s.opts.TopicPrefix, "/") + "/" + name
}

func (s *MQTT) Deliver(ctx context.Context, tuples []metric.Tuple) error {
	if !s.available(len(tuples)) {
		return nil
	}

	var errs []error
	order, groups := group(tuples)
	for _, d := range order {
		topic := s.Topic(d)
		if err := ValidateTopic(topic); err != nil {
			errs = append(errs, permanent(s.name, string(d), err))
			continue
		}

		payload, err := Payload(groups[d])
		if err != nil {
			errs = append(errs, permanent(s.name, string(d), err))
			continue
		}

		if err := s.publish(ctx, topic, payload); err != nil {
			s.transportFailed(err)
			// the remaining destinations would fail the same way
			return nil
		}

		s.logger.WithFields(logrus.Fields{
			"topic": topic,
			"bytes": len(payload),
		}).Debug("Published")
	}

	return errors.Join(errs...)
}

func (s *MQTT) publish(ctx context.Context, topic string, payload []byte) error {
	if !s.client.IsConnectionOpen() {
		return errors.New("client connection is not open")
	}

	token := s.client.Publish(topic, s.opts.QoS, s.opts.Retain, payload)

	timer := time.NewTimer(s.opts.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("publish to %s timed out after %s", topic, s.opts.PublishTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Payload renders one destination group as a JSON object with "meter" first
// and fields in tuple order.
func Payload(tuples []metric.Tuple) ([]byte, error) {
	obj := orderedmap.New[string, any]()
	if len(tuples) > 0 {
		obj.Set("meter", tuples[0].Meter)
	}
	for _, t := range tuples {
		field := t.Field
		if field == "" {
			field = "value"
		}
		obj.Set(field, t.Value)
	}
	return json.Marshal(obj)
}

// ValidateTopic rejects topics a broker will never accept for publishing.
func ValidateTopic(topic string) error {
	if topic == "" {
		return errors.New("empty topic")
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("topic %q contains a wildcard", topic)
	}
	for _, level := range strings.Split(topic, "/") {
		if level == "" {
			return fmt.Errorf("topic %q has an empty level", topic)
		}
	}
	return nil
}
