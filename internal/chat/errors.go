package chat

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrMessageNotFound     = errors.New("message not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrForbidden           = errors.New("forbidden")
)

// ValidationError rejects a request before any side effect. Rule names the
// violated check, e.g. "content.too_long".
type ValidationError struct {
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return "validation failed: " + e.Rule
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Rule, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(rule, format string, args ...any) error {
	return &ValidationError{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// CapacityError rejects a join into a full room.
type CapacityError struct {
	RoomID int64
	Max    int
	Active int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("room %d is full (%d/%d active)", e.RoomID, e.Active, e.Max)
}

// NotAMemberError rejects an operation by someone who is not an active
// participant. It also matches errors.As(*ValidationError).
type NotAMemberError struct {
	RoomID int64
	UserID int64
}

func (e *NotAMemberError) Error() string {
	return fmt.Sprintf("user %d is not an active participant of room %d", e.UserID, e.RoomID)
}

func (e *NotAMemberError) Unwrap() error {
	return &ValidationError{Rule: "sender.not_member", Message: e.Error()}
}

// TransientInfraError marks a backend failure worth retrying.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string { return e.Op + ": transient: " + e.Err.Error() }
func (e *TransientInfraError) Unwrap() error { return e.Err }

// FatalInfraError marks a backend that is permanently stopped.
type FatalInfraError struct {
	Op  string
	Err error
}

func (e *FatalInfraError) Error() string { return e.Op + ": fatal: " + e.Err.Error() }
func (e *FatalInfraError) Unwrap() error { return e.Err }

// PoisonEntryError marks a stream entry that can never be decoded.
type PoisonEntryError struct {
	EntryID string
	Field   string
	Err     error
}

func (e *PoisonEntryError) Error() string {
	return fmt.Sprintf("poison entry %s: field %q: %v", e.EntryID, e.Field, e.Err)
}
func (e *PoisonEntryError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientInfraError unless it already is classified.
func Transient(op string, err error) error {
	if err == nil || IsTransient(err) || IsFatal(err) {
		return err
	}
	return &TransientInfraError{Op: op, Err: err}
}

// Fatal wraps err as a FatalInfraError.
func Fatal(op string, err error) error {
	if err == nil || IsFatal(err) {
		return err
	}
	return &FatalInfraError{Op: op, Err: err}
}

// IsTransient reports whether err is a TransientInfraError.
func IsTransient(err error) bool {
	var t *TransientInfraError
	return errors.As(err, &t)
}

// IsFatal reports whether err is a FatalInfraError.
func IsFatal(err error) bool {
	var f *FatalInfraError
	return errors.As(err, &f)
}

// IsPoison reports whether err is a PoisonEntryError.
func IsPoison(err error) bool {
	var p *PoisonEntryError
	return errors.As(err, &p)
}
