package errors

import (
	stderrors "errors"
	"fmt"
)

// Code enumerates the discrete validation failures surfaced to clients.
type Code int

const (
	CodeUnknown Code = iota
	CodeInvalidSignature
	CodeEonOutOfSync
	CodeOverspending
	CodeWalletBlacklisted
	CodeWalletNotAdmitted
	CodeInvalidSwapStage
	CodeOutstandingActiveTransfer
	CodeTxSetMismatch
	CodeInvalidStateValues
	CodeNonceReuse
	CodeInvalidAmount
	CodeSelfTransfer
	CodeTokenMismatch
	CodeTransferNotFound
	CodeSwapExpired
	CodeInvalidTransferStage
)

var codeNames = map[Code]string{
	CodeUnknown:                   "UNKNOWN",
	CodeInvalidSignature:          "INVALID_SIGNATURE",
	CodeEonOutOfSync:              "EON_OUT_OF_SYNC",
	CodeOverspending:              "OVERSPENDING",
	CodeWalletBlacklisted:         "WALLET_BLACKLISTED",
	CodeWalletNotAdmitted:         "WALLET_NOT_ADMITTED",
	CodeInvalidSwapStage:          "INVALID_SWAP_STAGE",
	CodeOutstandingActiveTransfer: "OUTSTANDING_ACTIVE_TRANSFER",
	CodeTxSetMismatch:             "TX_SET_MISMATCH",
	CodeInvalidStateValues:        "INVALID_STATE_VALUES",
	CodeNonceReuse:                "NONCE_REUSE",
	CodeInvalidAmount:             "INVALID_AMOUNT",
	CodeSelfTransfer:              "SELF_TRANSFER",
	CodeTokenMismatch:             "TOKEN_MISMATCH",
	CodeTransferNotFound:          "TRANSFER_NOT_FOUND",
	CodeSwapExpired:               "SWAP_EXPIRED",
	CodeInvalidTransferStage:      "INVALID_TRANSFER_STAGE",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// ValidationError reports a request that can be corrected and resubmitted.
// Nothing is persisted when one is returned.
type ValidationError struct {
	Code    Code
	Message string
}

// Validation builds a ValidationError with a formatted message.
func Validation(code Code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return "validation: " + e.Code.String()
	}
	return fmt.Sprintf("validation: %s: %s", e.Code, e.Message)
}

// Is matches any ValidationError carrying the same code, so callers can test
// with errors.Is(err, &ValidationError{Code: CodeOverspending}).
func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	if !stderrors.As(target, &other) || other == nil {
		return false
	}
	return other.Code == e.Code
}

// CodeOf extracts the validation code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var verr *ValidationError
	if stderrors.As(err, &verr) && verr != nil {
		return verr.Code, true
	}
	return CodeUnknown, false
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	_, ok := CodeOf(err)
	return ok
}

var (
	// ErrIntegrity marks consistency failures: constraint violations and
	// cross-check mismatches. The current batch item is abandoned and an
	// operator must be alerted; no automatic retry.
	ErrIntegrity = stderrors.New("integrity failure")
	// ErrRetryLater marks missing-counterparty lookups that resolve on their own
	// (e.g. the operator wallet has not been admitted for a token yet).
	ErrRetryLater = stderrors.New("retry later")
)

// Integrity wraps a formatted message with ErrIntegrity.
func Integrity(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

// RetryLater wraps a formatted message with ErrRetryLater.
func RetryLater(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRetryLater, fmt.Sprintf(format, args...))
}
