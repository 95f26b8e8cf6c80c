package domain

import "errors"

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadyQueued       = errors.New("already queued")
	ErrAlreadyResolved     = errors.New("already resolved")
	ErrExecutionFailed     = errors.New("execution failed")
	ErrAuditFailure        = errors.New("audit failure")

	ErrInvalidCommand = errors.New("invalid command")
	ErrInvalidRule    = errors.New("invalid rule")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidUser    = errors.New("invalid user")
	ErrConflict       = errors.New("conflict")
)
