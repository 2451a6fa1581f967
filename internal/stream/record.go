// Package stream implements the incremental chat wire protocol: framing
// decoders for chunked byte streams, the increment reducer used by clients
// and the reframer used by the server.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// doneSentinel is the data payload some backends send as an explicit end marker.
var doneSentinel = []byte("[DONE]")

var (
	errNotObject   = errors.New("payload is not a JSON object")
	errEmptyRecord = errors.New("empty payload")
)

// Record is one decoded logical unit from the wire.
type Record struct {
	// Text is the incremental fragment; valid only when HasText is set.
	Text    string
	HasText bool
	// Done is set for terminal markers ([DONE] or "done": true).
	Done bool
	Raw  []byte
}

// DecodeError describes a record that was dropped.
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode record %q: %v", preview(e.Payload, 64), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type recordPayload struct {
	Response *string `json:"response"`
	Done     bool    `json:"done"`
}

// parseRecord turns one framed payload into a Record. The payload is copied
// because decoders reuse their buffers.
func parseRecord(payload []byte) (Record, error) {
	payload = bytes.Clone(bytes.TrimSpace(payload))
	if len(payload) == 0 {
		return Record{}, &DecodeError{Payload: payload, Err: errEmptyRecord}
	}
	if bytes.Equal(payload, doneSentinel) {
		return Record{Done: true, Raw: payload}, nil
	}
	if payload[0] != '{' {
		return Record{}, &DecodeError{Payload: payload, Err: errNotObject}
	}

	var p recordPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Record{}, &DecodeError{Payload: payload, Err: err}
	}

	rec := Record{Done: p.Done, Raw: payload}
	if p.Response != nil {
		rec.Text = *p.Response
		rec.HasText = true
	}
	return rec, nil
}

// EncodeEvent renders text as one event-framed record.
func EncodeEvent(text string) ([]byte, error) {
	body, err := json.Marshal(struct {
		Response string `json:"response"`
	}{Response: text})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	out := make([]byte, 0, len(dataPrefix)+len(body)+2)
	out = append(out, dataPrefix...)
	out = append(out, body...)
	out = append(out, '\n', '\n')
	return out, nil
}

func preview(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
