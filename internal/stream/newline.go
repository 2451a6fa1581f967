package stream

import (
	"bytes"
	"log/slog"
)

// NewlineDecoder decodes records separated by a single newline, the framing
// model backends use for their native output.
type NewlineDecoder struct {
	decoderBase
}

// NewNewlineDecoder creates a decoder for newline-delimited JSON.
func NewNewlineDecoder(logger *slog.Logger) *NewlineDecoder {
	return &NewlineDecoder{decoderBase: newDecoderBase(logger)}
}

func (d *NewlineDecoder) Feed(chunk []byte) []Record {
	d.buf = append(d.buf, chunk...)

	var out []Record
	start := 0
	for {
		i := bytes.IndexByte(d.buf[d.scanned:], '\n')
		if i < 0 {
			break
		}
		end := d.scanned + i
		out = d.line(out, d.buf[start:end])
		start = end + 1
		d.scanned = start
	}
	d.scanned = len(d.buf)
	d.consume(start)
	return out
}

func (d *NewlineDecoder) Flush() []Record {
	rest := d.buf
	d.buf, d.scanned = nil, 0
	return d.line(nil, rest)
}

func (d *NewlineDecoder) line(out []Record, line []byte) []Record {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return out
	}
	return d.emit(out, line)
}
