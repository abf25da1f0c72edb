// Package store holds the errors shared by the storage backends so callers
// can branch on them without importing a specific driver.
package store

import "errors"

var (
	// ErrNotFound reports a missing row (profile, ritual base, cycle, record).
	ErrNotFound = errors.New("store: not found")
	// ErrConflict reports a uniqueness violation or a lost compare-and-set.
	ErrConflict = errors.New("store: conflict")
	// ErrInsufficientFunds reports a balance that cannot cover a debit.
	ErrInsufficientFunds = errors.New("store: insufficient funds")
)
