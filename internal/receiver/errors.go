package receiver

import "codeberg.org/mutker/spacenose/internal/errors"

const (
	ErrBind          = errors.ErrorCode("receiver_bind_failed")
	ErrResolve       = errors.ErrorCode("receiver_resolve_failed")
	ErrInvalidConfig = errors.ErrInvalidConfig
)

func init() {
	errors.RegisterMessages(map[errors.ErrorCode]string{
		ErrBind:    "Failed to bind UDP socket",
		ErrResolve: "Failed to resolve UDP address",
	})
}
