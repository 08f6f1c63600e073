package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/sirupsen/logrus"

	"github.com/srg/bmsd/internal/metric"
)

// InfluxWriter is the part of client.Client the sink needs
type InfluxWriter interface {
	Write(bp client.BatchPoints) error
	Ping(timeout time.Duration) (time.Duration, string, error)
}

type InfluxOptions struct {
	Database  string
	Precision string
	Names     metric.NameTable
}

// Influx writes one point per tuple, all tuples of a pass in one batch:
//
//	<name>,sensor=<field>,meter=<meter> value=<v>
type Influx struct {
	base
	client InfluxWriter
	opts   InfluxOptions
}

func NewInflux(c InfluxWriter, opts InfluxOptions, logger *logrus.Logger) *Influx {
	if opts.Precision == "" {
		opts.Precision = "s"
	}
	return &Influx{base: newBase("influx", logger), client: c, opts: opts}
}

func (s *Influx) Deliver(ctx context.Context, tuples []metric.Tuple) error {
	if !s.available(len(tuples)) {
		return nil
	}

	bp, buildErr := s.batch(tuples)
	if bp == nil || len(bp.Points()) == 0 {
		return buildErr
	}

	if err := s.client.Write(bp); err != nil {
		if rejected(err) {
			return errors.Join(buildErr, permanent(s.name, "", err))
		}
		s.transportFailed(err)
		return buildErr
	}

	s.logger.WithField("points", len(bp.Points())).Debug("Batch written")
	return buildErr
}

// serverBusy lists the response bodies InfluxDB and common proxies send with
// a 5xx status. The client hands back only the body text, not the status.
var serverBusy = []string{
	"timeout",
	"engine: cache maximum memory size exceeded",
	"hinted handoff queue not empty",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}

// rejected reports whether err is the server refusing the batch (database
// not found, field type conflict, bad credentials) rather than the server
// being unreachable or overloaded.
func rejected(err error) bool {
	var uerr *url.Error
	var nerr net.Error
	if errors.As(err, &uerr) || errors.As(err, &nerr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return false
	}
	msg := strings.ToLower(err.Error())
	if msg == "" {
		return false
	}
	for _, m := range serverBusy {
		if strings.Contains(msg, m) {
			return false
		}
	}
	return true
}

// batch builds the points; points that cannot be built are dropped and
// reported as permanent failures while the rest are still written.
func (s *Influx) batch(tuples []metric.Tuple) (client.BatchPoints, error) {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  s.opts.Database,
		Precision: s.opts.Precision,
	})
	if err != nil {
		return nil, permanent(s.name, "", err)
	}

	var errs []error
	for _, t := range tuples {
		name := s.opts.Names.Name(t.Destination)
		tags := map[string]string{"meter": t.Meter}
		if t.Field != "" {
			tags["sensor"] = t.Field
		}

		pt, err := client.NewPoint(name, tags, map[string]interface{}{"value": t.Value.Interface()}, t.Time)
		if err != nil {
			errs = append(errs, permanent(s.name, string(t.Destination), err))
			continue
		}
		bp.AddPoint(pt)
	}

	return bp, errors.Join(errs...)
}

// InfluxTransport checks the server with a ping so the supervisor can track it
type InfluxTransport struct {
	client InfluxWriter
}

func NewInfluxTransport(c InfluxWriter) *InfluxTransport {
	return &InfluxTransport{client: c}
}

func (t *InfluxTransport) Name() string { return "influx" }

func (t *InfluxTransport) Connect(ctx context.Context) error {
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if _, _, err := t.client.Ping(timeout); err != nil {
		return fmt.Errorf("ping influx: %w", err)
	}
	return nil
}
