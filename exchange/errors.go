package exchange

import (
	"errors"
	"strings"
)

var (
	// ErrSymbolNotFound is returned when the exchange reports no data for a symbol
	ErrSymbolNotFound = errors.New("symbol not found")
)

// IsPositionNotFound reports whether an order failure was caused by placing a
// reduce-only order against a position that no longer exists. Exchanges word
// this differently, so match on the common fragments.
func IsPositionNotFound(errMsg string) bool {
	msg := strings.ToLower(errMsg)
	return strings.Contains(msg, "position not found") ||
		strings.Contains(msg, "no position") ||
		strings.Contains(msg, "reduceonly order is rejected") ||
		strings.Contains(msg, "reduce-only")
}

// IsIOCRejected reports whether the exchange rejected an immediate-or-cancel
// order type, in which case the caller falls back to a resting limit order.
func IsIOCRejected(errMsg string) bool {
	msg := strings.ToLower(errMsg)
	return strings.Contains(msg, "ioc") ||
		strings.Contains(msg, "timeinforce") ||
		strings.Contains(msg, "time in force")
}
