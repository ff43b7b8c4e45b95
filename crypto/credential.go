package crypto

import (
	"fmt"

	"github.com/jmcleod/latchkey/internal/util"
)

// CredentialKeySize is the key size the platform fixes for credential encryption.
const CredentialKeySize = util.AES128KeySize

// EncryptCredential encrypts a plaintext door credential for submission to
// the platform. Only the first 16 bytes of sessionKey are used; a shorter key
// is rejected with ErrInvalidKeyLength. The result is AES-128-ECB with PKCS#7
// padding, hex-encoded in upper case.
//
// The output is deterministic for a key/plaintext pair. Replay protection
// comes from the single-use ticket, not from this function.
func EncryptCredential(plainCredential string, sessionKey []byte) (string, error) {
	if len(sessionKey) == 0 {
		return "", fmt.Errorf("%w: empty session key", ErrEncryptionFailed)
	}
	if plainCredential == "" {
		return "", fmt.Errorf("%w: empty credential", ErrEncryptionFailed)
	}
	if len(sessionKey) < CredentialKeySize {
		return "", fmt.Errorf("%w: session key has %d bytes, need at least %d", ErrInvalidKeyLength, len(sessionKey), CredentialKeySize)
	}

	key := util.CopyBytes(sessionKey[:CredentialKeySize])
	defer util.WipeBytes(key)

	cipherText, err := util.EncryptECB([]byte(plainCredential), key, CredentialKeySize)
	if err != nil {
		return "", fmt.Errorf("%w: cipher setup", ErrEncryptionFailed)
	}
	return util.HexEncodeUpper(cipherText), nil
}
