package metric

import (
	"fmt"
	"time"

	"github.com/srg/bmsd/internal/frame"
)

// Mapper expands records into tuples tagged with one meter name.
type Mapper struct {
	Meter string
}

// Map returns the tuples for rec in a fixed order. Unknown record types map to
// nothing.
func (m Mapper) Map(rec frame.Record, at time.Time) []Tuple {
	b := builder{meter: m.Meter, at: at}

	switch r := rec.(type) {
	case *frame.PackSummary:
		b.packSummary(r)
	case *frame.CellVoltages:
		b.cellVoltages(r)
	case *frame.PackStatus:
		b.packStatus(r)
	}

	return b.out
}

type builder struct {
	meter string
	at    time.Time
	out   []Tuple
}

func (b *builder) add(d Destination, field string, v Value) {
	b.out = append(b.out, Tuple{Destination: d, Meter: b.meter, Field: field, Value: v, Time: b.at})
}

func (b *builder) packSummary(p *frame.PackSummary) {
	b.add(BatterySummary, "volts", Number(p.Voltage))
	b.add(BatterySummary, "amps", Number(p.Current))
	b.add(BatterySummary, "watts", Number(p.Power))
	b.add(BatterySummary, "remain", Number(p.RemainingCapacity))
	b.add(BatterySummary, "capacity", Number(p.RatedCapacity))
	b.add(BatterySummary, "cycles", Number(float64(p.Cycles)))

	// c16 first, matching the wire bit order
	for cell := 16; cell >= 1; cell-- {
		b.add(BalancingStatus, fmt.Sprintf("c%02d", cell), Flag(p.Balancing(cell)))
	}
}

func (b *builder) cellVoltages(c *frame.CellVoltages) {
	for i, mv := range c.Cells {
		b.add(CellVoltages, fmt.Sprintf("cell%d", i+1), Number(float64(mv)))
	}

	b.add(CellVoltageSummary, "mincell", Number(float64(c.MinIndex)))
	b.add(CellVoltageSummary, "cellsmin", Number(float64(c.Min)))
	b.add(CellVoltageSummary, "maxcell", Number(float64(c.MaxIndex)))
	b.add(CellVoltageSummary, "cellsmax", Number(float64(c.Max)))
	b.add(CellVoltageSummary, "delta", Number(float64(c.Delta)))
}

func (b *builder) packStatus(s *frame.PackStatus) {
	for _, a := range frame.Alarms() {
		b.add(Alarms, a.Code(), Flag(s.Triggered(a)))
	}

	b.add(BasicInfo, "protect", Number(float64(s.Protection)))
	b.add(BasicInfo, "version", Number(float64(s.Version)))
	b.add(BasicInfo, "percent", Number(float64(s.StateOfCharge)))
	b.add(BasicInfo, "fet", Number(float64(s.FET)))
	b.add(BasicInfo, "cells", Number(float64(s.CellCount)))
	b.add(BasicInfo, "sensors", Number(float64(s.SensorCount)))
	for i, t := range s.Temperatures {
		b.add(BasicInfo, fmt.Sprintf("temp%d", i+1), Number(t))
	}
}
