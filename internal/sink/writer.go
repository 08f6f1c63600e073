package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/srg/bmsd/internal/metric"
)

// Writer emits one JSON line per tuple. It backs offline decoding, where the
// output is stdout or a file.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

type line struct {
	Time        time.Time    `json:"time"`
	Meter       string       `json:"meter"`
	Destination string       `json:"destination"`
	Field       string       `json:"field,omitempty"`
	Value       metric.Value `json:"value"`
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

func (*Writer) Name() string { return "writer" }

func (s *Writer) Deliver(_ context.Context, tuples []metric.Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tuples {
		err := s.enc.Encode(line{
			Time:        t.Time,
			Meter:       t.Meter,
			Destination: string(t.Destination),
			Field:       t.Field,
			Value:       t.Value,
		})
		if err != nil {
			return fmt.Errorf("write tuple: %w", err)
		}
	}
	return nil
}
