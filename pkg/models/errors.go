package models

import "errors"

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrInvalidInput = NewError(ErrCodeInvalidInput, "invalid input", nil)

	ErrAuthenticationFailed = NewError(ErrCodeAuthenticationFailed, "authentication failed", nil)
	ErrCryptoUnavailable    = NewError(ErrCodeCryptoUnavailable, "cryptographic provider unavailable", nil)

	ErrLedgerRejected      = NewError(ErrCodeLedgerRejected, "ledger rejected request", nil)
	ErrNotFound            = NewError(ErrCodeNotFound, "not found", nil)
	ErrSignerUnavailable   = NewError(ErrCodeSignerUnavailable, "signer unavailable", nil)
	ErrUserDeclined        = NewError(ErrCodeUserDeclined, "user declined to sign", nil)
	ErrLocationUnavailable = NewError(ErrCodeLocationUnavailable, "location unavailable", nil)
	ErrPermissionDenied    = NewError(ErrCodePermissionDenied, "location permission denied", nil)
	ErrTimeout             = NewError(ErrCodeTimeout, "timed out", nil)
	ErrStorageUnavailable  = NewError(ErrCodeStorageUnavailable, "storage unavailable", nil)

	ErrNotEligible = NewError(ErrCodeNotEligible, "capsule is not eligible for unlock", nil)
)

var (
	// Repository errors
	ErrCapsuleNotFound      = errors.New("capsule not found")
	ErrCapsuleAlreadyExists = errors.New("capsule already exists")

	// Validation errors
	ErrEmptyContent        = errors.New("content must not be empty")
	ErrUnlockNotInFuture   = errors.New("unlock time must be in the future")
	ErrInvalidRadius       = errors.New("geofence radius must be positive")
	ErrInvalidLatitude     = errors.New("latitude must be between -90 and 90")
	ErrInvalidLongitude    = errors.New("longitude must be between -180 and 180")
	ErrMissingTitle        = errors.New("title is required")
	ErrMissingOwner        = errors.New("owner is required")
	ErrInvalidClass        = errors.New("invalid classification")
	ErrMissingContent      = errors.New("content pointer is required")
	ErrMissingWrappedKey   = errors.New("wrapped content key is required")
	ErrMissingCapsuleID    = errors.New("capsule id is required")
	ErrInvalidAccuracy     = errors.New("location accuracy must not be negative")
	ErrCapsuleNotSealed    = errors.New("capsule has no sealed content")
	ErrTransitionForbidden = errors.New("lifecycle transition not allowed")
)
