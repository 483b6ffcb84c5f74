package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnknownAsset  = errors.New("unknown asset")
	ErrOrderNotFound = errors.New("order not found")
	ErrPersistence   = errors.New("persistence failure")

	ErrSubmissionInProgress = errors.New("submission with this idempotency key is in progress")
)

func persistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
