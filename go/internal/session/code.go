package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// CodeLength is the length of a shareable session code.
const CodeLength = 5

// codeAlphabet leaves out characters that read alike on a projector.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewCode returns a random session code.
func NewCode() (string, error) {
	buf := make([]byte, CodeLength)
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate session code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
