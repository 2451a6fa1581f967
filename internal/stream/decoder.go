package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"strings"
)

// readChunkSize is the size of each read from the underlying stream.
const readChunkSize = 4 * 1024

const (
	ContentTypeEventStream = "text/event-stream"
	ContentTypeNDJSON      = "application/x-ndjson"
)

// Decoder reconstructs complete records from arbitrarily split chunks.
// A Decoder holds the state of exactly one stream and cannot be reused.
type Decoder interface {
	// Feed consumes the next chunk and returns the records it completed.
	Feed(chunk []byte) []Record
	// Flush parses whatever is left once the stream has ended.
	Flush() []Record
	// Skipped returns how many malformed records were dropped.
	Skipped() int
}

// DecoderFor picks the framing strategy for a declared content type.
func DecoderFor(contentType string, logger *slog.Logger) Decoder {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if mediaType == ContentTypeEventStream {
		return NewEventDecoder(logger)
	}
	return NewNewlineDecoder(logger)
}

// Records pulls chunks from r and lazily yields decoded records in order.
// Read failures are yielded once and end the sequence. Cancelling ctx
// closes r when it is an io.Closer, so a blocked read returns promptly.
func Records(ctx context.Context, r io.Reader, dec Decoder) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if c, ok := r.(io.Closer); ok {
			stop := context.AfterFunc(ctx, func() { _ = c.Close() })
			defer stop()
		}

		buf := make([]byte, readChunkSize)
		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}

			n, err := r.Read(buf)
			if n > 0 {
				for _, rec := range dec.Feed(buf[:n]) {
					if !yield(rec, nil) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				for _, rec := range dec.Flush() {
					if !yield(rec, nil) {
						return
					}
				}
				return
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				yield(Record{}, fmt.Errorf("read stream: %w", err))
				return
			}
		}
	}
}

// decoderBase carries what both framing strategies share.
type decoderBase struct {
	buf     []byte
	scanned int // offset where the next delimiter search resumes
	skipped int
	logger  *slog.Logger
}

func newDecoderBase(logger *slog.Logger) decoderBase {
	if logger == nil {
		logger = slog.Default()
	}
	return decoderBase{logger: logger}
}

func (d *decoderBase) Skipped() int {
	return d.skipped
}

// emit parses payload and appends the result to out, dropping bad records.
func (d *decoderBase) emit(out []Record, payload []byte) []Record {
	rec, err := parseRecord(payload)
	if err != nil {
		d.skipped++
		d.logger.Warn("skipping malformed stream record", "error", err)
		return out
	}
	return append(out, rec)
}

// consume drops the first n buffered bytes.
func (d *decoderBase) consume(n int) {
	if n == 0 {
		return
	}
	d.buf = append(d.buf[:0], d.buf[n:]...)
	d.scanned -= n
	if d.scanned < 0 {
		d.scanned = 0
	}
}
