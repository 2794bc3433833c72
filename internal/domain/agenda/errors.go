package agenda

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the agenda service.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflictChanged   = errors.New("bookings changed since the conflict check, check again")
	ErrSlotUnavailable   = errors.New("no free slot at the requested time")
	ErrSlotExpired       = errors.New("slot is in the past")
	ErrDayClosed         = errors.New("day is closed for bookings")
	ErrInvalidTransition = errors.New("invalid resolver transition")
	ErrBatchAborted      = errors.New("not written, batch aborted")
	ErrNoDispatcher      = errors.New("notification delivery is not configured")
)

// ValidationFailed reports a local validation error on a single field.
type ValidationFailed struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationFailed) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationFailed{Field: field, Reason: reason}
}

// PersistenceFailed wraps a storage failure. Callers decide whether to retry.
type PersistenceFailed struct {
	Op  string
	Err error
}

func (e *PersistenceFailed) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceFailed) Unwrap() error { return e.Err }

// persistence wraps err unless it already carries a domain meaning.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var vf *ValidationFailed
	var pf *PersistenceFailed
	var bf *PartialBatchFailure
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflictChanged) ||
		errors.Is(err, ErrSlotUnavailable) || errors.Is(err, ErrDayClosed) ||
		errors.Is(err, ErrSlotExpired) || errors.Is(err, ErrNoDispatcher) ||
		errors.As(err, &vf) || errors.As(err, &pf) || errors.As(err, &bf) {
		return err
	}
	return &PersistenceFailed{Op: op, Err: err}
}

// BatchItemError pairs a rule that was not written with the reason.
type BatchItemError struct {
	Rule  AvailabilityRule `json:"rule"`
	Error string           `json:"error"`
}

// PartialBatchFailure reports a rule batch that could not be written as a
// whole. When RolledBack is set, none of the Succeeded rows remain stored.
type PartialBatchFailure struct {
	Succeeded  []AvailabilityRule `json:"succeeded"`
	Failed     []BatchItemError   `json:"failed"`
	RolledBack bool               `json:"rolled_back"`
	Cause      error              `json:"-"`
}

func (e *PartialBatchFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rule batch failed: %d written, %d failed", len(e.Succeeded), len(e.Failed))
	if e.RolledBack {
		b.WriteString(", rolled back")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *PartialBatchFailure) Unwrap() error { return e.Cause }
