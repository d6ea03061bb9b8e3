package ledger

import (
	"context"
	"net/http"
	"strings"

	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/internal/httpclient"
)

// Ledger status codes
const (
	CodeBusy                   = "BUSY"
	CodeRateLimited            = "RATE_LIMITED"
	CodeInsufficientTxFee      = "INSUFFICIENT_TX_FEE"
	CodeTransactionExpired     = "TRANSACTION_EXPIRED"
	CodePlatformNotCreated     = "PLATFORM_TRANSACTION_NOT_CREATED"
	CodeInvalidSignature       = "INVALID_SIGNATURE"
	CodeBatchSizeLimitExceeded = "BATCH_SIZE_LIMIT_EXCEEDED"
	CodeInvalidAccount         = "INVALID_ACCOUNT_ID"
	CodeInvalidToken           = "INVALID_TOKEN_ID"
	CodeAccountFrozen          = "ACCOUNT_FROZEN_FOR_TOKEN"
	CodeInsufficientBalance    = "INSUFFICIENT_ACCOUNT_BALANCE"
	CodeSerialNotOwned         = "SENDER_DOES_NOT_OWN_NFT_SERIAL_NO"
	CodeInvalidSerial          = "INVALID_NFT_ID"
)

var transientCodes = map[string]bool{
	CodeBusy:               true,
	CodeRateLimited:        true,
	CodeInsufficientTxFee:  true,
	CodeTransactionExpired: true,
	CodePlatformNotCreated: true,
}

// message fragments that mark an uncoded error as transient
var transientPatterns = []string{
	"busy",
	"rate limit",
	"too many requests",
	"fee too low",
	"expired",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
}

// Error is a ledger rejection
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TxID    string `json:"tx_id,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "ledger: " + e.Code
	}
	return "ledger: " + e.Code + ": " + e.Message
}

// NewError builds a ledger error with code
func NewError(code, message string) error {
	return errors.WithStack(&Error{Code: code, Message: message})
}

// CodeOf returns the ledger status code carried by err, if any
func CodeOf(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// IsTransient classifies err: ledger status code first, HTTP status
// second, message patterns last. Deadline expiry is transient; caller
// cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if code := CodeOf(err); code != "" {
		return transientCodes[code]
	}

	var se *httpclient.StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
