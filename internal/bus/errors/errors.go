// Package errors defines the error taxonomy shared by the interbus engine.
package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired  = sterrors.New("interbus: bus service is required")
	ErrHandlerRequired  = sterrors.New("interbus: handler function is required")
	ErrActionRequired   = sterrors.New("interbus: action name is required")
	ErrIdentityRequired = sterrors.New("interbus: identity uuid is required")
	ErrConfigRequired   = sterrors.New("interbus: config is required")
	ErrLoggerRequired   = sterrors.New("interbus: logger is required")
	ErrDuplicateAction  = sterrors.New("interbus: action is already registered")
	ErrPayloadRequired  = sterrors.New("interbus: payload is required")
)

// ErrNoProvider is the nack reason used when a connection request matches no
// registered channel. Remote adapters pattern-match on this exact text to
// decide whether to wait for a channel-connected event, so it must never
// change.
var ErrNoProvider = sterrors.New("internal-nack")

// ErrAmbiguousTarget signals that an identity-only connection request matched
// more than one channel. Recoverable: the caller should supply a channelName.
var ErrAmbiguousTarget = sterrors.New("interbus: more than one channel matches the requested identity, specify a channelName")

// ErrOrphanResult signals a result message whose correlation key has no
// matching pending entry.
var ErrOrphanResult = sterrors.New("interbus: original message not found")

// ErrUnreachableDestination signals that a buffered flush target had no
// routing information at flush time. The batch is dropped, never retried.
var ErrUnreachableDestination = sterrors.New("interbus: destination is not reachable")

// ErrOriginSuperseded is the nack reason used by the frame-origin gate when a
// newer frame in the same window has taken over the identity. A policy
// outcome, not a fault; callers must not retry automatically.
var ErrOriginSuperseded = sterrors.New("interbus: access superseded by a newer frame")

// ErrSyncHandlerIncomplete is returned on the synchronous dispatch path when
// a handler neither acknowledged inline nor returned a value.
var ErrSyncHandlerIncomplete = sterrors.New("interbus: synchronous handler did not produce a result")

// RegistrationError reports a failed channel registration: either the owning
// entity could not be resolved or a channel already exists for the computed
// channelId. Non-recoverable for that call.
type RegistrationError struct {
	ChannelID string
	Reason    string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("interbus: channel registration failed for %q: %s", e.ChannelID, e.Reason)
}

// IsRegistrationError reports whether err is a RegistrationError.
func IsRegistrationError(err error) bool {
	var re *RegistrationError
	return sterrors.As(err, &re)
}
