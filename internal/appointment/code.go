package appointment

import (
	"crypto/rand"
	"fmt"
)

// Crockford-style alphabet without 0/O, 1/I/L and U.
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTVWXYZ"

const codeLength = 8

// NewConfirmationCode returns a random patient-facing code such as "K7Q2MZ9D".
func NewConfirmationCode() (string, error) {
	// Bytes at or above limit are rejected to keep the distribution uniform.
	limit := byte(256 - 256%len(codeAlphabet))
	out := make([]byte, 0, codeLength)
	buf := make([]byte, codeLength*2)
	for len(out) < codeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate confirmation code: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == codeLength {
				break
			}
		}
	}
	return string(out), nil
}
