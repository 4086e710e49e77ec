package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind groups error codes into the four failure families callers branch on.
type ErrorKind string

const (
	KindValidation   ErrorKind = "VALIDATION_ERROR"
	KindCrypto       ErrorKind = "CRYPTO_ERROR"
	KindCollaborator ErrorKind = "COLLABORATOR_ERROR"
	KindPolicy       ErrorKind = "POLICY_DENIED"
)

// Error codes
const (
	ErrCodeInvalidInput = "INVALID_INPUT"

	ErrCodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	ErrCodeCryptoUnavailable    = "CRYPTO_UNAVAILABLE"

	ErrCodeLedgerRejected      = "LEDGER_REJECTED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeSignerUnavailable   = "SIGNER_UNAVAILABLE"
	ErrCodeUserDeclined        = "USER_DECLINED"
	ErrCodeLocationUnavailable = "LOCATION_UNAVAILABLE"
	ErrCodePermissionDenied    = "PERMISSION_DENIED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeStorageUnavailable  = "STORAGE_UNAVAILABLE"

	ErrCodeNotEligible = "NOT_ELIGIBLE"
)

var codeKinds = map[string]ErrorKind{
	ErrCodeInvalidInput:         KindValidation,
	ErrCodeAuthenticationFailed: KindCrypto,
	ErrCodeCryptoUnavailable:    KindCrypto,
	ErrCodeLedgerRejected:       KindCollaborator,
	ErrCodeNotFound:             KindCollaborator,
	ErrCodeSignerUnavailable:    KindCollaborator,
	ErrCodeUserDeclined:         KindCollaborator,
	ErrCodeLocationUnavailable:  KindCollaborator,
	ErrCodePermissionDenied:     KindCollaborator,
	ErrCodeTimeout:              KindCollaborator,
	ErrCodeStorageUnavailable:   KindCollaborator,
	ErrCodeNotEligible:          KindPolicy,
}

// KindForCode returns the family of an error code.
func KindForCode(code string) ErrorKind {
	if kind, ok := codeKinds[code]; ok {
		return kind
	}
	return KindCollaborator
}

// Step names a pipeline stage.
type Step string

const (
	StepValidate         Step = "validate"
	StepAcquireLock      Step = "acquire_lock"
	StepGenerateKey      Step = "generate_key"
	StepEncrypt          Step = "encrypt"
	StepUpload           Step = "upload"
	StepSign             Step = "sign"
	StepDeriveKey        Step = "derive_key"
	StepWrapKey          Step = "wrap_key"
	StepRegister         Step = "register"
	StepQueryEligibility Step = "query_eligibility"
	StepLocate           Step = "locate"
	StepUnwrapKey        Step = "unwrap_key"
	StepDownload         Step = "download"
	StepDecrypt          Step = "decrypt"
	StepRefresh          Step = "refresh"
)

// Error is the error type returned across the vault core. Every pipeline
// failure carries a Kind, a Code and the Step it occurred at.
type Error struct {
	Kind    ErrorKind `json:"kind" yaml:"kind"`
	Code    string    `json:"code" yaml:"code"`
	Step    Step      `json:"step,omitempty" yaml:"step,omitempty"`
	Message string    `json:"message" yaml:"message"`
	Err     error     `json:"-" yaml:"-"`
}

// NewError builds an Error with the kind implied by code.
func NewError(code, message string, err error) *Error {
	return &Error{
		Kind:    KindForCode(code),
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Errorf builds an Error with a formatted message and no cause.
func Errorf(code, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...), nil)
}

func (e *Error) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Step != "" {
		msg = "[" + string(e.Step) + "] " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so sentinels like
// ErrAuthenticationFailed match regardless of step or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithStep returns a copy of e tagged with step. An existing step is kept.
func (e *Error) WithStep(step Step) *Error {
	c := *e
	if c.Step == "" {
		c.Step = step
	}
	return &c
}

// AtStep tags err with step. Errors that are not already *Error are wrapped
// under fallbackCode, which is also how collaborator timeouts surface.
func AtStep(step Step, fallbackCode string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.WithStep(step)
	}
	msg := string(step) + " failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = string(step) + " timed out"
	}
	return NewError(fallbackCode, msg, err).WithStep(step)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StepOf returns the step of the first *Error in err's chain, or "".
func StepOf(err error) Step {
	var e *Error
	if errors.As(err, &e) {
		return e.Step
	}
	return ""
}
