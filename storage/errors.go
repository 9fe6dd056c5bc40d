package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match with errors.Is;
// implementations wrap them with context using fmt.Errorf("...: %w", err).
var (
	// ErrNotFound is the generic not-found error that every specific
	// not-found error below wraps.
	ErrNotFound = errors.New("not found")

	ErrClientNotFound             = notFound("client not found")
	ErrScopeNotFound              = notFound("scope not found")
	ErrUserNotFound               = notFound("user not found")
	ErrTokenNotFound              = notFound("token not found")
	ErrPushedRequestNotFound      = notFound("pushed authorization request not found")
	ErrBackchannelRequestNotFound = notFound("backchannel authentication request not found")

	// ErrBackchannelNotPending is returned when a completion targets a request
	// that is no longer pending (already decided, consumed or expired).
	ErrBackchannelNotPending = errors.New("backchannel authentication request is not pending")

	// ErrBackchannelNotConsumable is returned when a token exchange targets a
	// request that is not in the authorized state.
	ErrBackchannelNotConsumable = errors.New("backchannel authentication request cannot be consumed")

	// ErrReplayDetected is returned when a single-use identifier is presented twice.
	ErrReplayDetected = errors.New("identifier has already been used")

	// ErrAlreadyExists is returned when saving a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrUnavailable marks infrastructure failures (connection, timeout, script errors).
	// It is never reported to clients as not-found.
	ErrUnavailable = errors.New("storage unavailable")
)

type notFoundError struct {
	msg string
}

func notFound(msg string) error {
	return &notFoundError{msg: msg}
}

func (e *notFoundError) Error() string { return e.msg }

func (e *notFoundError) Unwrap() error { return ErrNotFound }

// IsNotFound reports whether err is any of the not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
