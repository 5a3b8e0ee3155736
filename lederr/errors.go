package lederr

import (
	"errors"
	"fmt"
)

// Code is a standardized, machine-readable error code. Codes partition into
// four classes: validation (caller must fix and resubmit), conflict (caller
// should refresh state before retrying), integrity (fatal for the affected
// store) and transient (safe to retry as-is).
type Code string

const (
	// Validation errors
	CodeInvalidRequest   Code = "invalid_request"
	CodeInvalidSignature Code = "invalid_signature"
	CodeInvalidPayload   Code = "invalid_payload"
	CodeInvalidAmount    Code = "invalid_amount"
	CodeInvalidPubkey    Code = "invalid_pubkey"
	CodeEntryTooLarge    Code = "entry_too_large"
	CodeBlockTooLarge    Code = "block_too_large"
	CodeNotRegistered    Code = "not_registered"
	CodeBadFee           Code = "bad_fee"
	CodeTooOld           Code = "too_old"
	CodeCreatedInFuture  Code = "created_in_future"
	CodeAmountOverflow   Code = "amount_overflow"
	CodeUnauthorized     Code = "unauthorized"
	CodeNotFound         Code = "not_found"

	// Conflict errors
	CodeDuplicateTransfer     Code = "duplicate_transfer"
	CodeDuplicateContract     Code = "duplicate_contract"
	CodeContractClosed        Code = "contract_already_replied"
	CodeAllowanceChanged      Code = "allowance_changed"
	CodeInsufficientFunds     Code = "insufficient_funds"
	CodeInsufficientAllowance Code = "insufficient_allowance"
	CodeCursorOutOfRange      Code = "cursor_out_of_range"
	CodeFingerprintMismatch   Code = "fingerprint_mismatch"

	// Integrity errors
	CodeChainMismatch Code = "chain_mismatch"
	CodeStorePoisoned Code = "store_poisoned"

	// Transient errors
	CodeStorageIO              Code = "storage_io"
	CodeTemporarilyUnavailable Code = "temporarily_unavailable"

	CodeInternal Code = "internal_error"
)

// Error carries a code alongside the human-readable message and an optional
// wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two coded errors by code, so callers can compare against
// sentinel instances with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the code from err, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

var validationCodes = map[Code]bool{
	CodeInvalidRequest: true, CodeInvalidSignature: true, CodeInvalidPayload: true,
	CodeInvalidAmount: true, CodeInvalidPubkey: true, CodeEntryTooLarge: true,
	CodeBlockTooLarge: true, CodeNotRegistered: true, CodeUnauthorized: true,
	CodeNotFound: true, CodeBadFee: true, CodeTooOld: true,
	CodeCreatedInFuture: true, CodeAmountOverflow: true,
}

var conflictCodes = map[Code]bool{
	CodeDuplicateTransfer: true, CodeDuplicateContract: true, CodeContractClosed: true,
	CodeAllowanceChanged: true, CodeInsufficientFunds: true,
	CodeInsufficientAllowance: true, CodeCursorOutOfRange: true,
	CodeFingerprintMismatch: true,
}

var integrityCodes = map[Code]bool{
	CodeChainMismatch: true, CodeStorePoisoned: true,
}

func IsValidation(err error) bool { return validationCodes[CodeOf(err)] }
func IsConflict(err error) bool   { return conflictCodes[CodeOf(err)] }
func IsIntegrity(err error) bool  { return integrityCodes[CodeOf(err)] }

// IsTransient reports whether the operation may be retried unchanged.
func IsTransient(err error) bool {
	code := CodeOf(err)
	return code == CodeStorageIO || code == CodeTemporarilyUnavailable
}
