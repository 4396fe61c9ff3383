package httpapi

import "codeberg.org/mutker/spacenose/internal/errors"

const (
	ErrServe    = errors.ErrorCode("http_serve_failed")
	ErrShutdown = errors.ErrShutdownFailed
)
