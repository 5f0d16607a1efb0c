package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInsufficientBalance is the class matched by errors.Is for any
	// pool shortfall. The concrete error carries the pool and available
	// amount.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrDuplicateReference is returned when a reference id has already
	// been used for the same user.
	ErrDuplicateReference = errors.New("ledger: duplicate reference")

	// ErrInvalidLockType is returned for lock types outside the closed set.
	ErrInvalidLockType = errors.New("ledger: invalid lock type")

	// ErrInvalidDirection is returned for unknown transfer directions.
	ErrInvalidDirection = errors.New("ledger: invalid transfer direction")
)

// InsufficientBalanceError reports which pool was short and by how much
// it could have covered.
type InsufficientBalanceError struct {
	Pool      string // "funding" or "trading"
	Asset     string
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: available %s %s", e.Pool, e.Available.String(), e.Asset)
}

// Is lets errors.Is match the ErrInsufficientBalance class.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
