package confirm

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyConsumed = errors.New("confirmation already consumed")
	ErrExpired         = errors.New("confirmation expired")
	ErrMismatch        = errors.New("confirmation does not match request")
)

// AlreadyConsumedError carries the original consumption time for audit.
type AlreadyConsumedError struct {
	ID         string
	ConsumedAt string
}

func (e AlreadyConsumedError) Error() string {
	if e.ConsumedAt == "" {
		return fmt.Sprintf("confirmation %s already consumed", e.ID)
	}
	return fmt.Sprintf("confirmation %s already consumed at %s", e.ID, e.ConsumedAt)
}

func (e AlreadyConsumedError) Is(target error) bool { return target == ErrAlreadyConsumed }

type ExpiredError struct {
	ID        string
	ExpiresAt string
}

func (e ExpiredError) Error() string {
	return fmt.Sprintf("confirmation %s expired at %s", e.ID, e.ExpiresAt)
}

func (e ExpiredError) Is(target error) bool { return target == ErrExpired }

// MismatchError reports which part of the request differs from what was confirmed.
type MismatchError struct {
	ID       string
	Field    string
	Expected string
	Actual   string
}

func (e MismatchError) Error() string {
	return fmt.Sprintf("confirmation %s %s mismatch: confirmed %s, requested %s", e.ID, e.Field, e.Expected, e.Actual)
}

func (e MismatchError) Is(target error) bool { return target == ErrMismatch }
