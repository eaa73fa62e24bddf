package ident

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const userSeqNoLength = 10

// NewUserSeqNo returns a fresh 10 digit user sequence number with a non-zero
// leading digit.
func NewUserSeqNo() (string, error) {
	lower := new(big.Int).Exp(big.NewInt(10), big.NewInt(userSeqNoLength-1), nil)
	span := new(big.Int).Mul(lower, big.NewInt(9))

	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", fmt.Errorf("generate user sequence number: %w", err)
	}
	return n.Add(n, lower).String(), nil
}
