package blood

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrPermission         = errors.New("permission denied")
	ErrInvalidState       = errors.New("invalid state transition")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrNotFound           = errors.New("not found")
	ErrReservationExpired = errors.New("reservation expired")
)

// InsufficientStockError reports how many millilitres a match fell short by.
// It matches ErrInsufficientStock with errors.Is.
type InsufficientStockError struct {
	BloodType   Type
	RequestedML int64
	ShortfallML int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: %s short by %d ml of %d ml", e.BloodType, e.ShortfallML, e.RequestedML)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// Shortfall extracts the shortfall from err, or 0 when err is not a stock error.
func Shortfall(err error) int64 {
	var se *InsufficientStockError
	if errors.As(err, &se) {
		return se.ShortfallML
	}
	return 0
}

// InvariantError describes a ledger integrity failure. It matches
// ErrInvariantViolation with errors.Is.
type InvariantError struct {
	Subject string
	Detail  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", e.Subject, e.Detail)
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariantViolation }

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermission, fmt.Sprintf(format, args...))
}

func BadState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func Missing(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}
