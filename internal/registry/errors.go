package registry

import "codeberg.org/mutker/spacenose/internal/errors"

const (
	ErrInitialPush  = errors.ErrorCode("registry_initial_push_failed")
	ErrSendTimeout  = errors.ErrorCode("registry_send_timeout")
	ErrNilChannel   = errors.ErrorCode("registry_nil_channel")
	ErrRegistryDown = errors.ErrorCode("registry_closed")
)
