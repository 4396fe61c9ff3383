package dispatch

import "codeberg.org/mutker/spacenose/internal/errors"

const (
	ErrClosed        = errors.ErrClosed
	ErrEncode        = errors.ErrorCode("dispatch_encode_failed")
	ErrDrainTimeout  = errors.ErrorCode("dispatch_drain_timeout")
	ErrInvalidConfig = errors.ErrInvalidConfig
)
