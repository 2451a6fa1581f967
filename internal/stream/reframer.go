package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

type flusher interface {
	Flush()
}

// ReframeStats summarizes one reframing pass.
type ReframeStats struct {
	Records   int
	Forwarded int
	Skipped   int
}

// Reframer converts a backend's output into event records.
type Reframer struct {
	logger *slog.Logger

	// OnIncrement, if set, receives each forwarded fragment.
	OnIncrement func(text string)
}

// NewReframer creates a Reframer.
func NewReframer(logger *slog.Logger) *Reframer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reframer{logger: logger}
}

// Reframe decodes src using the framing declared by contentType and forwards
// every record that carries non-empty text to dst as an event record,
// flushing after each one. It returns when src ends, a write fails or ctx is
// cancelled. No terminating record is written.
func (r *Reframer) Reframe(ctx context.Context, src io.Reader, contentType string, dst io.Writer) (ReframeStats, error) {
	dec := DecoderFor(contentType, r.logger)
	f, _ := dst.(flusher)

	var stats ReframeStats
	for rec, err := range Records(ctx, src, dec) {
		if err != nil {
			stats.Skipped = dec.Skipped()
			return stats, err
		}
		stats.Records++
		if !rec.HasText || rec.Text == "" {
			continue
		}

		event, err := EncodeEvent(rec.Text)
		if err != nil {
			return stats, err
		}
		if _, err := dst.Write(event); err != nil {
			stats.Skipped = dec.Skipped()
			return stats, fmt.Errorf("write event: %w", err)
		}
		if f != nil {
			f.Flush()
		}
		stats.Forwarded++
		if r.OnIncrement != nil {
			r.OnIncrement(rec.Text)
		}
	}

	stats.Skipped = dec.Skipped()
	return stats, nil
}
