package bfd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const mbiHashBytes = 32

// HashMBI derives the identifier BFD indexes beneficiaries by:
// PBKDF2-HMAC-SHA256(mbi, pepper, iterations, 256 bits), hex encoded.
func (c *Client) HashMBI(mbi string) (string, error) {
	return HashMBI(mbi, c.pepper, c.cfg.HashIterations)
}

// HashMBI is the package-level form of Client.HashMBI. A blank mbi hashes to
// the empty string.
func HashMBI(mbi string, pepper []byte, iterations int) (string, error) {
	if mbi == "" {
		return "", nil
	}
	if len(pepper) == 0 {
		return "", fmt.Errorf("bfd: hash pepper is not configured")
	}
	key := pbkdf2.Key([]byte(mbi), pepper, iterations, mbiHashBytes, sha256.New)
	return hex.EncodeToString(key), nil
}

func decodePepper(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	p, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bfd: hash pepper must be hex: %w", err)
	}
	return p, nil
}
