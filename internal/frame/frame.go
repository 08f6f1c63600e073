// Package frame decodes the fixed-layout notification frames sent by JBD-style
// battery management systems over BLE.
//
// A request written to the BMS is answered with one or more notifications.
// Each notification is a RawFrame; Classify decides which decoder applies and
// Decode turns it into a typed Record.
package frame

import (
	"errors"
	"fmt"
	"time"
)

// Frame errors
var (
	// ErrMalformedFrame indicates a frame whose length or header does not match
	// the fixed layout of its kind. The frame is dropped.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnrecognizedFrame indicates a frame no classifier rule matched.
	ErrUnrecognizedFrame = errors.New("unrecognized frame")
)

// MalformedError carries the details of a frame that failed to decode.
type MalformedError struct {
	Kind   Kind
	Length int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: %s frame (%d bytes): %s", ErrMalformedFrame, e.Kind, e.Length, e.Reason)
}

// Is allows errors.Is(err, ErrMalformedFrame)
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedFrame
}

func malformed(kind Kind, data []byte, format string, args ...any) error {
	return &MalformedError{Kind: kind, Length: len(data), Reason: fmt.Sprintf(format, args...)}
}

// RawFrame is one notification payload as received from the device.
// Data must not be modified after the frame is created.
type RawFrame struct {
	Data []byte
	At   time.Time
	Seq  uint64
}

// Record is a decoded frame. The set of implementations is closed:
// *PackSummary, *CellVoltages and *PackStatus.
type Record interface {
	Kind() Kind
}

// Decode classifies raw and runs the matching decoder.
func Decode(raw RawFrame) (Record, error) {
	kind := Classify(raw.Data)
	switch kind {
	case KindCellVoltages:
		return DecodeCellVoltages(raw.Data)
	case KindPackSummary:
		return DecodePackSummary(raw.Data)
	case KindPackStatus:
		return DecodePackStatus(raw.Data)
	default:
		return nil, fmt.Errorf("%w: % x", ErrUnrecognizedFrame, raw.Data)
	}
}
