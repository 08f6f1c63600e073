package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bmsd/internal/frame"
	"github.com/srg/bmsd/internal/metric"
	"github.com/srg/bmsd/internal/sink"
)

type captureSink struct {
	mu  sync.Mutex
	got []metric.Tuple
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(_ context.Context, tuples []metric.Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, tuples...)
	return nil
}

func (s *captureSink) byDestination(d metric.Destination) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64)
	for _, t := range s.got {
		if t.Destination == d {
			out[t.Field], _ = t.Value.Float()
		}
	}
	return out
}

type failingSink struct{}

func (failingSink) Name() string { return "down" }

func (failingSink) Deliver(context.Context, []metric.Tuple) error {
	return errors.New("connection refused")
}

func newPipeline(t *testing.T) (*Pipeline, *captureSink) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	capture := &captureSink{}
	return New("house", sink.NewRouter(logger, failingSink{}, capture), logger), capture
}

func TestHandle_AlarmFrameEndToEnd(t *testing.T) {
	// GOAL: A status frame with the dot and coc bits set produces exactly
	// those two alarms, even with a broken sink registered first
	p, capture := newPipeline(t)

	raw := frame.RawFrame{
		// protect=0x0280, ver, soc, fet, cells, ntc, 2 temps, checksum, trailer
		Data: []byte{0x02, 0x80, 0x10, 0x50, 0x03, 0x04, 0x02, 0x0b, 0xb9, 0x0b, 0xc3, 0xfc, 0x9a, 0x77},
		At:   time.Unix(1700000000, 0),
		Seq:  1,
	}
	require.NoError(t, p.Handle(context.Background(), raw))

	alarms := capture.byDestination(metric.Alarms)
	require.Len(t, alarms, frame.AlarmCount)
	for code, v := range alarms {
		if code == "dot" || code == "coc" {
			assert.Equal(t, 1.0, v, code)
		} else {
			assert.Equal(t, 0.0, v, code)
		}
	}

	info := capture.byDestination(metric.BasicInfo)
	assert.Equal(t, 80.0, info["percent"])
	assert.InDelta(t, 27.0, info["temp1"], 1e-9)
	assert.InDelta(t, 28.0, info["temp2"], 1e-9)
}

func TestHandle_CellVoltages(t *testing.T) {
	p, capture := newPipeline(t)

	raw := frame.RawFrame{Data: []byte{0xdd, 0x04, 0x00, 0x10,
		0x0c, 0xe4, 0x0c, 0xee, 0x0c, 0xda, 0x0c, 0xe9, 0x0c, 0xdf, 0x0c, 0xf3, 0x0c, 0xd0, 0x0c, 0xf8}}
	require.NoError(t, p.Handle(context.Background(), raw))

	summary := capture.byDestination(metric.CellVoltageSummary)
	assert.Equal(t, map[string]float64{"mincell": 7, "cellsmin": 3280, "maxcell": 8, "cellsmax": 3320, "delta": 40}, summary)
}

func TestHandle_DropsBadFrames(t *testing.T) {
	p, capture := newPipeline(t)

	err := p.Handle(context.Background(), frame.RawFrame{Data: []byte{0xdd, 0x04, 0x00, 0x10, 0x0c}})
	assert.ErrorIs(t, err, frame.ErrMalformedFrame)

	err = p.Handle(context.Background(), frame.RawFrame{Data: []byte{0x01, 0x02, 0x03}})
	assert.ErrorIs(t, err, frame.ErrUnrecognizedFrame)

	assert.Empty(t, capture.got)
	assert.Equal(t, Stats{Malformed: 1, Unrecognized: 1}, p.Stats())
}

func TestHandle_StampsMissingTime(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	orig := timeNow
	timeNow = func() time.Time { return fixed }
	t.Cleanup(func() { timeNow = orig })

	p, capture := newPipeline(t)
	raw := frame.RawFrame{Data: []byte{0xdd, 0x03, 0x00, 0x1b,
		0x04, 0xe2, 0x00, 0x00, 0x1f, 0x40, 0x27, 0x10, 0x00, 0x01, 0x2a, 0x21, 0x00, 0x00}}
	require.NoError(t, p.Handle(context.Background(), raw))

	require.NotEmpty(t, capture.got)
	assert.Equal(t, fixed, capture.got[0].Time)
	assert.Equal(t, "house", capture.got[0].Meter)
	assert.Equal(t, uint64(1), p.Stats().Handled)
	assert.Equal(t, uint64(len(capture.got)), p.Stats().Tuples)
}
