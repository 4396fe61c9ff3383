// Package cache holds the most recent reading for the lifetime of the process.
package cache

import (
	"sync/atomic"

	"codeberg.org/mutker/spacenose/internal/reading"
)

type entry struct {
	reading reading.Reading
	payload []byte
}

// Latest is a single-slot cache. It has one writer (the dispatcher) and any
// number of readers; a Store is visible to every Peek that starts after it
// returns. The zero value is an empty cache.
type Latest struct {
	slot atomic.Pointer[entry]
}

// New returns an empty cache.
func New() *Latest {
	return &Latest{}
}

// Store replaces the held reading. payload is the reading's encoded form and
// must not be modified afterwards.
func (c *Latest) Store(r reading.Reading, payload []byte) {
	c.slot.Store(&entry{reading: r, payload: payload})
}

// Peek returns the latest reading, or false before the first Store.
func (c *Latest) Peek() (reading.Reading, bool) {
	e := c.slot.Load()
	if e == nil {
		return reading.Reading{}, false
	}
	return e.reading, true
}

// Payload returns the encoded form of the latest reading, or false before
// the first Store.
func (c *Latest) Payload() ([]byte, bool) {
	e := c.slot.Load()
	if e == nil {
		return nil, false
	}
	return e.payload, true
}
