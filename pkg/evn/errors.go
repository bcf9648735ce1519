package evn

import "errors"

var (
	// ErrInvalidAuth means the provider rejected the credentials or session.
	ErrInvalidAuth = errors.New("invalid credentials")
	// ErrCannotConnect means the provider returned an unexpected HTTP status.
	ErrCannotConnect = errors.New("cannot connect to provider")
	// ErrNotSupported means the provider does not support the operation.
	ErrNotSupported = errors.New("operation not supported by provider")
	// ErrEmpty means the provider returned an empty body. Some endpoints use
	// an empty response to mean "nothing owed" rather than failure.
	ErrEmpty = errors.New("empty response from provider")
	// ErrUnknownPayload means the provider returned a body we could not parse.
	ErrUnknownPayload = errors.New("unexpected payload from provider")
)
