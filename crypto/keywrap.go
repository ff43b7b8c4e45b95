package crypto

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jmcleod/latchkey/internal/util"
)

// UnwrapKey recovers a session key from a platform-wrapped ticket key.
//
// The wrapped key is hex-encoded AES-256-ECB ciphertext with PKCS#7 padding,
// keyed directly by the 32-byte shared secret. The unpadded plaintext is the
// session key as UTF-8 text. UnwrapKey is deterministic and has no side
// effects.
func UnwrapKey(wrappedKeyHex string, sharedSecret []byte) (*SessionKey, error) {
	if len(sharedSecret) != SharedSecretSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSecretLength, len(sharedSecret), SharedSecretSize)
	}

	wrapped, err := util.HexDecode(strings.TrimSpace(wrappedKeyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped key is not valid hex", ErrUnwrapFailed)
	}
	if len(wrapped) == 0 {
		return nil, fmt.Errorf("%w: wrapped key is empty", ErrUnwrapFailed)
	}

	plain, err := util.DecryptECB(wrapped, sharedSecret, util.AES256KeySize)
	if err != nil {
		// The underlying error is dropped so nothing derived from the
		// ciphertext reaches the caller's logs.
		return nil, fmt.Errorf("%w: wrong secret or corrupted ciphertext", ErrUnwrapFailed)
	}
	defer util.WipeBytes(plain)

	if len(plain) == 0 || !utf8.Valid(plain) {
		return nil, fmt.Errorf("%w: unwrapped key is not text", ErrUnwrapFailed)
	}
	return NewSessionKey(plain), nil
}
