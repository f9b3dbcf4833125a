// Package apperr defines the typed errors raised by the reconciliation core.
//
// Every error type matches one sentinel kind through errors.Is, so the
// boundary layer can map failures without knowing the concrete type:
//
//	if errors.Is(err, apperr.ErrNotFound) { ... }
package apperr

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error kinds.
var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrStateTransition      = errors.New("invalid state transition")
	ErrExceedsOutstanding   = errors.New("exceeds outstanding balance")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrConsistency          = errors.New("consistency violation")
)

// ValidationError reports malformed or out-of-policy input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string        { return e.Msg }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation returns a ValidationError with the given message.
func Validation(msg string) error { return &ValidationError{Msg: msg} }

// NotFoundError reports a missing referenced record.
type NotFoundError struct {
	Resource string
	ID       string
	Msg      string
}

func (e *NotFoundError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound returns a NotFoundError for resource/id with the default message.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// NotFoundMsg returns a NotFoundError carrying a fixed user-facing message.
func NotFoundMsg(resource, id, msg string) error {
	return &NotFoundError{Resource: resource, ID: id, Msg: msg}
}

// StateTransitionError reports an illegal status change.
type StateTransitionError struct {
	From string
	To   string
	Msg  string
}

func (e *StateTransitionError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("Invalid status transition from %s to %s", e.From, e.To)
}

func (e *StateTransitionError) Is(target error) bool { return target == ErrStateTransition }

// InvalidTransition returns a StateTransitionError for from → to.
func InvalidTransition[S ~string](from, to S) error {
	return &StateTransitionError{From: string(from), To: string(to)}
}

// ExceedsOutstandingError reports a paydown larger than the outstanding balance.
type ExceedsOutstandingError struct {
	Requested   decimal.Decimal
	Outstanding decimal.Decimal
}

func (e *ExceedsOutstandingError) Error() string {
	return fmt.Sprintf("Paydown amount %s exceeds outstanding balance %s",
		e.Requested.String(), e.Outstanding.String())
}

func (e *ExceedsOutstandingError) Is(target error) bool { return target == ErrExceedsOutstanding }

// InsufficientPositionError reports a transfer larger than the seller's commitment.
type InsufficientPositionError struct {
	LenderID  string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientPositionError) Error() string {
	return fmt.Sprintf("Par amount %s exceeds seller commitment %s",
		e.Requested.String(), e.Available.String())
}

func (e *InsufficientPositionError) Is(target error) bool {
	return target == ErrInsufficientPosition
}

// ConsistencyError reports a ledger invariant violated by a computed state.
type ConsistencyError struct {
	FacilityID string
	Msg        string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("facility %s: %s", e.FacilityID, e.Msg)
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }
