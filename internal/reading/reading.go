// Package reading defines the sensor sample that flows from the datagram
// receiver to the cache, the store and every subscriber, and its wire codecs.
package reading

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
	"unicode/utf8"

	"codeberg.org/mutker/spacenose/internal/errors"
	"github.com/tidwall/jsonc"
)

const (
	ErrDecode          = errors.ErrorCode("reading_decode_failed")
	ErrMissingField    = errors.ErrorCode("reading_missing_field")
	ErrInvalidEncoding = errors.ErrorCode("reading_invalid_encoding")
	ErrEncode          = errors.ErrorCode("reading_encode_failed")
)

// TimeFormat is used for timestamps on the wire.
const TimeFormat = time.RFC3339Nano

// Reading is one decoded sample. Values are copied, never shared, so a
// Reading cannot change after Decode returns it.
type Reading struct {
	Counter   int64
	ADC       int64
	Voltage   float64
	Timestamp time.Time
	Source    string
}

// inbound mirrors the device payload. Pointers tell "absent" from zero.
type inbound struct {
	Counter *int64   `json:"counter"`
	ADC     *int64   `json:"adc"`
	Voltage *float64 `json:"voltage"`
}

type outbound struct {
	Counter   int64   `json:"counter"`
	ADC       int64   `json:"adc"`
	Voltage   float64 `json:"voltage"`
	Timestamp string  `json:"timestamp"`
	Source    string  `json:"source_ip,omitempty"`
}

// Decode parses a datagram payload. The device's own timestamp, if any, is
// discarded in favour of receivedAt.
func Decode(payload []byte, receivedAt time.Time, source string) (Reading, error) {
	errFactory := errors.New()

	payload = bytes.TrimRight(payload, "\x00")
	if !utf8.Valid(payload) {
		return Reading{}, errFactory.New(ErrInvalidEncoding)
	}

	var in inbound
	if err := json.Unmarshal(jsonc.ToJSON(payload), &in); err != nil {
		return Reading{}, errFactory.Wrap(ErrDecode, err)
	}

	switch {
	case in.Counter == nil:
		return Reading{}, errFactory.WithData(ErrMissingField, "counter")
	case in.ADC == nil:
		return Reading{}, errFactory.WithData(ErrMissingField, "adc")
	case in.Voltage == nil:
		return Reading{}, errFactory.WithData(ErrMissingField, "voltage")
	}

	if math.IsNaN(*in.Voltage) || math.IsInf(*in.Voltage, 0) {
		return Reading{}, errFactory.WithData(ErrDecode, "voltage is not finite")
	}

	return Reading{
		Counter:   *in.Counter,
		ADC:       *in.ADC,
		Voltage:   *in.Voltage,
		Timestamp: receivedAt,
		Source:    source,
	}, nil
}

// Encode renders the subscriber payload.
func Encode(r Reading) ([]byte, error) {
	data, err := json.Marshal(toOutbound(r))
	if err != nil {
		return nil, errors.New().Wrap(ErrEncode, err)
	}
	return data, nil
}

// MarshalJSON lets a Reading be embedded in API responses with the same shape
// subscribers receive.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(toOutbound(r))
}

func toOutbound(r Reading) outbound {
	return outbound{
		Counter:   r.Counter,
		ADC:       r.ADC,
		Voltage:   r.Voltage,
		Timestamp: r.Timestamp.UTC().Format(TimeFormat),
		Source:    r.Source,
	}
}

// Equal compares two readings, using time.Time.Equal for the timestamp.
func (r Reading) Equal(o Reading) bool {
	return r.Counter == o.Counter &&
		r.ADC == o.ADC &&
		r.Voltage == o.Voltage &&
		r.Timestamp.Equal(o.Timestamp) &&
		r.Source == o.Source
}
