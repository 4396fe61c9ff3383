package storage

import (
	"encoding/json"

	"codeberg.org/mutker/spacenose/internal/reading"
)

// Record is a stored reading and its row id.
type Record struct {
	ID      int64
	Reading reading.Reading
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        int64   `json:"id"`
		Counter   int64   `json:"counter"`
		ADC       int64   `json:"adc"`
		Voltage   float64 `json:"voltage"`
		Timestamp string  `json:"timestamp"`
		Source    string  `json:"source_ip,omitempty"`
	}{
		ID:        r.ID,
		Counter:   r.Reading.Counter,
		ADC:       r.Reading.ADC,
		Voltage:   r.Reading.Voltage,
		Timestamp: r.Reading.Timestamp.UTC().Format(reading.TimeFormat),
		Source:    r.Reading.Source,
	})
}
