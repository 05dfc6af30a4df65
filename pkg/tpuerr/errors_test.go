package tpuerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"connection refused", errors.New("dial tcp: connection refused"), CodeConnectionFailed},
		{"connection reset", errors.New("read: connection reset by peer"), CodeConnectionFailed},
		{"stream closed", errors.New("stream was closed by peer"), CodeStreamClosed},
		{"stream reset", errors.New("stream reset with code 0"), CodeStreamClosed},
		{"rate limited", errors.New("rate limit exceeded"), CodeRateLimited},
		{"queue full", errors.New("send queue full"), CodeRateLimited},
		{"timeout", errors.New("context deadline exceeded: timeout"), CodeTimeout},
		{"zero rtt", errors.New("0-rtt rejected by server"), CodeZeroRTTRejected},
		{"early data", errors.New("early data was rejected"), CodeZeroRTTRejected},
		{"no leaders", errors.New("no leader found for slot"), CodeNoLeaders},
		{"unmatched", errors.New("something went sideways"), CodeValidatorUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	retryableCodes := []Code{CodeConnectionFailed, CodeStreamClosed, CodeRateLimited, CodeTimeout}
	for _, c := range retryableCodes {
		assert.True(t, c.IsRetryable(), "%s should be retryable", c)
	}

	notRetryable := []Code{CodeZeroRTTRejected, CodeNoLeaders, CodeValidatorUnreachable}
	for _, c := range notRetryable {
		assert.False(t, c.IsRetryable(), "%s should not be retryable", c)
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil))

	wrapped := Wrap(errors.New("connection refused"))
	assert.Equal(t, CodeConnectionFailed, wrapped.Code)
	assert.ErrorIs(t, wrapped, wrapped.Err)
	assert.Contains(t, wrapped.Error(), "CONNECTION_FAILED")
}
