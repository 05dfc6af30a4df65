// Package tpuerr classifies delivery-path failures into a small stable
// taxonomy so callers can decide whether to retry without inspecting
// error strings themselves.
package tpuerr

import "strings"

// Code is one of a fixed set of stable error classifications.
type Code string

const (
	CodeConnectionFailed    Code = "CONNECTION_FAILED"
	CodeStreamClosed        Code = "STREAM_CLOSED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeTimeout             Code = "TIMEOUT"
	CodeZeroRTTRejected     Code = "ZERO_RTT_REJECTED"
	CodeNoLeaders           Code = "NO_LEADERS"
	CodeValidatorUnreachable Code = "VALIDATOR_UNREACHABLE"
)

// retryable codes, in classification priority order. ZERO_RTT_REJECTED,
// NO_LEADERS and VALIDATOR_UNREACHABLE are deliberately excluded.
var retryable = map[Code]bool{
	CodeConnectionFailed: true,
	CodeStreamClosed:     true,
	CodeRateLimited:      true,
	CodeTimeout:          true,
}

// IsRetryable reports whether a caller should attempt redelivery after
// seeing this code.
func (c Code) IsRetryable() bool {
	return retryable[c]
}

// TpuError wraps an underlying error together with its classified code.
type TpuError struct {
	Code Code
	Err  error
}

func (e *TpuError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *TpuError) Unwrap() error {
	return e.Err
}

// Classify inspects err's message (case-insensitively) and returns the
// first matching Code in priority order, falling back to
// VALIDATOR_UNREACHABLE when nothing matches. The order mirrors the
// original classifier exactly: connection, stream, rate, timeout,
// 0-RTT, then no-leaders.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset"):
		return CodeConnectionFailed
	case strings.Contains(msg, "stream") && (strings.Contains(msg, "closed") || strings.Contains(msg, "reset")):
		return CodeStreamClosed
	case strings.Contains(msg, "rate") || strings.Contains(msg, "limit") ||
		strings.Contains(msg, "too many") || strings.Contains(msg, "queue full") ||
		strings.Contains(msg, "channel full"):
		return CodeRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return CodeTimeout
	case strings.Contains(msg, "0-rtt") || strings.Contains(msg, "early data"):
		return CodeZeroRTTRejected
	case strings.Contains(msg, "no leader") || strings.Contains(msg, "no schedule"):
		return CodeNoLeaders
	default:
		return CodeValidatorUnreachable
	}
}

// Wrap classifies err and returns a *TpuError carrying the result.
func Wrap(err error) *TpuError {
	if err == nil {
		return nil
	}
	return &TpuError{Code: Classify(err), Err: err}
}
