package crypto

import (
	"fmt"

	"github.com/awnumar/memguard"
)

// SharedSecretSize is the required length of the platform shared secret.
const SharedSecretSize = 32

// SharedSecret is the long-lived key shared with the cloud platform. The
// material lives in a memguard Enclave and is only decrypted into a locked
// buffer for the duration of a single operation. A SharedSecret is safe for
// concurrent use.
type SharedSecret struct {
	enclave *memguard.Enclave
}

// NewSharedSecret copies raw into a sealed enclave. raw itself is left
// untouched; callers own wiping it.
func NewSharedSecret(raw []byte) (*SharedSecret, error) {
	if len(raw) != SharedSecretSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSecretLength, len(raw), SharedSecretSize)
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	// NewEnclave wipes buf.
	return &SharedSecret{enclave: memguard.NewEnclave(buf)}, nil
}

// Use opens the secret, passes the plaintext bytes to fn and destroys the
// buffer when fn returns. fn must not retain the slice.
func (s *SharedSecret) Use(fn func(secret []byte) error) error {
	if s == nil || s.enclave == nil {
		return fmt.Errorf("%w: secret not configured", ErrInvalidSecretLength)
	}
	lb, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening shared secret: %w", err)
	}
	defer lb.Destroy()
	return fn(lb.Bytes())
}

// UnwrapKey unwraps a platform ticket key with this secret.
func (s *SharedSecret) UnwrapKey(wrappedKeyHex string) (*SessionKey, error) {
	var key *SessionKey
	err := s.Use(func(secret []byte) error {
		var err error
		key, err = UnwrapKey(wrappedKeyHex, secret)
		return err
	})
	return key, err
}

func (s *SharedSecret) String() string {
	return "SharedSecret(redacted)"
}

func (s *SharedSecret) GoString() string {
	return s.String()
}
