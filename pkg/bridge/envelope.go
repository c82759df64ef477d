package bridge

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

const (
	// EnvelopeSource tags every envelope with its origin.
	EnvelopeSource = "binance-websocket"
	// EnvelopeVersion is the envelope schema version.
	EnvelopeVersion = "1.0"

	// envelopeTimeFormat is ISO-8601 UTC with millisecond precision.
	envelopeTimeFormat = "2006-01-02T15:04:05.000Z"
)

var (
	errEmptyStream = errors.New("envelope stream must not be empty")
	errNilData     = errors.New("envelope data must not be nil")
)

// Envelope is the canonical record published to the bus. The bridge treats
// Data as opaque; it is the parsed upstream payload passed through verbatim.
type Envelope struct {
	Stream       string            `json:"stream"`
	Data         map[string]any    `json:"data"`
	Timestamp    string            `json:"timestamp"`
	MessageID    string            `json:"message_id"`
	Source       string            `json:"source"`
	Version      string            `json:"version"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// NewEnvelope builds an envelope for a derived stream and payload. It
// validates the required fields; traceContext may be nil and is then
// omitted from the wire form.
func NewEnvelope(stream string, data map[string]any, at time.Time, messageID string, traceContext map[string]string) (Envelope, error) {
	if stream == "" {
		return Envelope{}, errEmptyStream
	}
	if data == nil {
		return Envelope{}, errNilData
	}
	return Envelope{
		Stream:       stream,
		Data:         data,
		Timestamp:    at.UTC().Format(envelopeTimeFormat),
		MessageID:    messageID,
		Source:       EnvelopeSource,
		Version:      EnvelopeVersion,
		TraceContext: traceContext,
	}, nil
}

// Marshal serializes the envelope to its wire form. Serialization is
// deterministic for equal inputs and equal clock readings.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
