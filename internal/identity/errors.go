package identity

import "errors"

var (
	// ErrInvalidCredentials covers unknown users, inactive accounts and
	// password mismatches alike.
	ErrInvalidCredentials = errors.New("invalid user ID or password")
	// ErrUserNotFound is returned by directories for unknown user ids.
	ErrUserNotFound = errors.New("user not found")
)
