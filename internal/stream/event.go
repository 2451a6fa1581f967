package stream

import (
	"bytes"
	"log/slog"
)

const (
	dataField  = "data:"
	dataPrefix = "data: "
)

// EventDecoder decodes blank-line delimited event records. Only the data
// field is read; event, id, retry and comment lines are ignored.
type EventDecoder struct {
	decoderBase
}

// NewEventDecoder creates a decoder for event-stream framing.
func NewEventDecoder(logger *slog.Logger) *EventDecoder {
	return &EventDecoder{decoderBase: newDecoderBase(logger)}
}

func (d *EventDecoder) Feed(chunk []byte) []Record {
	d.buf = append(d.buf, chunk...)

	var out []Record
	start := 0
	for {
		end, next, ok := d.nextDelimiter()
		if !ok {
			break
		}
		out = d.event(out, d.buf[start:end])
		start = next
		d.scanned = next
	}
	d.consume(start)
	return out
}

func (d *EventDecoder) Flush() []Record {
	rest := d.buf
	d.buf, d.scanned = nil, 0
	if len(bytes.TrimSpace(rest)) == 0 {
		return nil
	}
	return d.event(nil, rest)
}

// nextDelimiter looks for a blank line starting at d.scanned. It returns the
// end of the record body and the offset just past the delimiter. When the
// buffer ends before a decision can be made, d.scanned is left at the last
// newline so the next Feed resumes there instead of rescanning.
func (d *EventDecoder) nextDelimiter() (end, next int, ok bool) {
	for {
		i := bytes.IndexByte(d.buf[d.scanned:], '\n')
		if i < 0 {
			d.scanned = len(d.buf)
			return 0, 0, false
		}
		nl := d.scanned + i
		rest := d.buf[nl+1:]
		switch {
		case len(rest) == 0:
			d.scanned = nl
			return 0, 0, false
		case rest[0] == '\n':
			return trimCR(d.buf, nl), nl + 2, true
		case rest[0] == '\r' && len(rest) == 1:
			d.scanned = nl
			return 0, 0, false
		case rest[0] == '\r' && rest[1] == '\n':
			return trimCR(d.buf, nl), nl + 3, true
		}
		d.scanned = nl + 1
	}
}

// event extracts the data payload of one record body.
func (d *EventDecoder) event(out []Record, body []byte) []Record {
	var data [][]byte
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if !bytes.HasPrefix(line, []byte(dataField)) {
			continue
		}
		v := line[len(dataField):]
		if len(v) > 0 && v[0] == ' ' {
			v = v[1:]
		}
		data = append(data, v)
	}
	if len(data) == 0 {
		// Comment or keepalive record.
		return out
	}
	return d.emit(out, bytes.Join(data, []byte("\n")))
}

func trimCR(buf []byte, nl int) int {
	if nl > 0 && buf[nl-1] == '\r' {
		return nl - 1
	}
	return nl
}
