// Package uuid provides random identifiers for ledger records and request nonces.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// Compact returns a random UUID without hyphens, suitable for signing nonces.
func Compact() string {
	u := uuid.New()
	var buf [32]byte
	const hextable = "0123456789abcdef"
	for i, b := range u {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf[:])
}
