package storage

import (
	"context"

	"codeberg.org/mutker/spacenose/internal/reading"
)

// Noop discards every reading. It stands in for Store when persistence is
// disabled.
type Noop struct{}

func (Noop) Write(context.Context, reading.Reading) error { return nil }

func (Noop) Close() error { return nil }
