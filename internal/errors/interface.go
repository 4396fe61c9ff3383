package errors

// ErrorCode identifies an error class. Packages declare their own codes as
// "<package>_<what>" and may alias a common one.
type ErrorCode string

// Error is a coded error. Two Errors match under Is when their codes are
// equal, so callers compare against a code rather than a sentinel value.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
	Is(target error) bool
}

// Factory creates Errors. Callers take one per function with New().
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
