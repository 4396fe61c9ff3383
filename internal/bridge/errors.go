package bridge

import "codeberg.org/mutker/spacenose/internal/errors"

const (
	ErrConnect        = errors.ErrorCode("bridge_connect_failed")
	ErrConnectTimeout = errors.ErrorCode("bridge_connect_timeout")
	ErrNotConnected   = errors.ErrorCode("bridge_not_connected")
	ErrPublish        = errors.ErrorCode("bridge_publish_failed")
	ErrInvalidConfig  = errors.ErrInvalidConfig
)
