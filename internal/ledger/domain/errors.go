package domain

import "errors"

var (
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidReason        = errors.New("invalid_reason")
	ErrInvalidQuota         = errors.New("invalid_quota")
	ErrAccountNotFound      = errors.New("account_not_found")
	ErrAccountExists        = errors.New("account_exists")
	ErrAccountInactive      = errors.New("account_inactive")
	ErrInsufficientCredits  = errors.New("insufficient_credits")
	ErrBalanceOverflow      = errors.New("balance_overflow")
	ErrFreeQuotaExceeded    = errors.New("free_quota_exceeded")
	ErrDuplicateSourceEvent = errors.New("duplicate_source_event")
	ErrVersionConflict      = errors.New("version_conflict")
	ErrLockTimeout          = errors.New("lock_timeout")
)
