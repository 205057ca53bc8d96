package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// Venue business error codes the engine branches on (Binance futures).
const (
	CodeDisconnected        = -1001
	CodeTooManyRequests     = -1003
	CodeTooManyOrders       = -1015
	CodeServiceShuttingDown = -1016
	CodeUnknownOrder        = -2011
	CodeMarginInsufficient  = -2019
	CodeLeverageNotModified = -4161
	CodeNotionalTooSmall    = -4164
)

// APIError is a venue business error parsed from the response body.
// Business errors are never retried; the caller decides how to surface
// them.
type APIError struct {
	Code    int64  `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Message)
}

// ErrUnsupportedOrderType is returned when a client-side conditional
// type reaches the venue boundary.
var ErrUnsupportedOrderType = errors.New("order type is client-side only")

// IsLeverageNotModified reports the "leverage not changed because a
// position exists" rejection, which the leverage manager downgrades to
// a warning.
func IsLeverageNotModified(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == CodeLeverageNotModified {
			return true
		}
		msg := strings.ToLower(apiErr.Message)
		return strings.Contains(msg, "leverage not modified") ||
			strings.Contains(msg, "no need to change leverage")
	}
	return false
}

// IsMarginInsufficient reports the insufficient-margin rejection.
func IsMarginInsufficient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeMarginInsufficient
}

// IsUnknownOrder reports a cancel targeting an order the venue no
// longer knows, which usually means it already filled or was cancelled.
func IsUnknownOrder(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeUnknownOrder
}

// IsTransient reports whether the error is worth retrying: transport
// failures and the venue's rate-limit / availability codes. Business
// rejections are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case CodeDisconnected, CodeTooManyRequests, CodeTooManyOrders, CodeServiceShuttingDown:
			return true
		}
		return false
	}
	// Non-APIError failures are transport-level: timeouts, resets, DNS,
	// or 5xx bodies that did not parse as a venue error.
	return true
}

// FailureReason maps an error onto the order_failures_total label set.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsMarginInsufficient(err):
		return "margin_insufficient"
	case IsLeverageNotModified(err):
		return "leverage_not_modified"
	case IsUnknownOrder(err):
		return "unknown_order"
	case IsTransient(err):
		return "transient"
	default:
		return "venue_rejected"
	}
}
