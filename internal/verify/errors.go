package verify

import (
	"errors"
	"fmt"
)

// UserError is caused by user input or user state. It carries a message safe
// to show in chat and is logged at warn level.
type UserError struct {
	Msg string
}

func (e *UserError) Error() string { return e.Msg }

// PlatformError wraps a failed platform call (approve, decline, send).
// These are logged at error level and surfaced to operators.
type PlatformError struct {
	Op  string
	Err error
}

func (e *PlatformError) Error() string { return "platform: " + e.Op + ": " + e.Err.Error() }
func (e *PlatformError) Unwrap() error { return e.Err }

func platformErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PlatformError{Op: op, Err: err}
}

// ErrNoVerification is returned when an operation targets a user with no
// pending verification.
var ErrNoVerification = &UserError{Msg: "no pending verification for this user"}

// ErrBlocked is returned when an operation targets a blocked user.
var ErrBlocked = &UserError{Msg: "user is blocked"}

// IsUserError reports whether err is (or wraps) a UserError.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

func wrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
