// Package flow holds the form and dialog state machines of the account
// screens. Each flow validates its input with pure validators, calls the
// credential facade or the RPC procedures through a small injected client
// interface, updates its own view state and reports the outcome through an
// injected Notifier and Navigator.
//
// Flows are safe for concurrent use. A flow refuses to submit while its own
// request is in flight (ErrBusy); different flows never block each other.
package flow

import (
	"errors"
	"fmt"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/auth"
)

var (
	// ErrBusy is returned when a submit starts while the same flow still
	// has a request in flight.
	ErrBusy = errors.New("flow: request already in progress")
	// ErrInvalid is returned when client-side validation fails. The
	// per-field messages are on the flow's fields.
	ErrInvalid = errors.New("flow: validation failed")
	// ErrWrongState is returned when an action is not available in the
	// flow's current state.
	ErrWrongState = errors.New("flow: action not available in current state")
	// ErrCurrentSession is returned when asked to revoke the caller's own
	// session from the session list.
	ErrCurrentSession = errors.New("flow: the current session cannot be revoked here")
	// ErrInvalidLink is returned by the reset-password flow when no usable
	// token is present.
	ErrInvalidLink = errors.New("flow: invalid or expired link")
)

// Level distinguishes success notifications from error notifications.
type Level int

const (
	LevelSuccess Level = iota
	LevelError
)

func (l Level) String() string {
	if l == LevelError {
		return "error"
	}
	return "success"
}

// Notifier shows short-lived messages to the user.
type Notifier interface {
	Notify(level Level, message string)
}

// Navigator moves the user to another page. Replace does not leave the
// current page in history.
type Navigator interface {
	Push(path string)
	Replace(path string)
}

// Pages are the redirect targets used after sign-in and when a session or
// two-factor challenge is missing.
type Pages struct {
	Authenticated   string
	Unauthenticated string
}

// DefaultPages matches the server defaults.
var DefaultPages = Pages{Authenticated: "/dashboard", Unauthenticated: "/auth/sign-in"}

const (
	twoFactorPage     = "/auth/2fa"
	resetPasswordPage = "/auth/reset-password"
	profilePage       = "/settings/profile"
)

// ErrorMessage returns the user-facing message carried by err: the facade
// message for coded auth errors, the procedure message for RPC errors and
// err.Error() otherwise.
func ErrorMessage(err error) string {
	if ae, ok := auth.AsError(err); ok {
		return ae.Message
	}
	var re *api.RPCError
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}

// ErrorCode returns the machine-readable code carried by err, or "".
func ErrorCode(err error) string {
	if ae, ok := auth.AsError(err); ok {
		return ae.Code
	}
	var re *api.RPCError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

func failed(n Notifier, action string, err error) {
	n.Notify(LevelError, fmt.Sprintf("Failed to %s, %s", action, ErrorMessage(err)))
}
