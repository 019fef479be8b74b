package services

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("not found")
	ErrConcurrentUpdate    = errors.New("concurrent update")
	ErrDuplicatePayment    = errors.New("payment already processed")
	ErrFreezeUnavailable   = errors.New("streak freeze unavailable")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ReasonCapReached is the Reason of a result rejected by a daily cap.
const ReasonCapReached = "cap_reached"
