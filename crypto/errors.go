package crypto

import "errors"

// Precondition violations. These are detected before any cipher runs.
var (
	// ErrInvalidSecretLength indicates the shared secret is not exactly 32 bytes.
	ErrInvalidSecretLength = errors.New("invalid shared secret length")
	// ErrInvalidKeyLength indicates a session or media key of the wrong size.
	ErrInvalidKeyLength = errors.New("invalid key length")
	// ErrContainerTooShort indicates a media container below the fixed header size.
	ErrContainerTooShort = errors.New("media container too short")
)

// Cryptographic failures. Messages wrapping these never carry key material,
// ciphertext or decrypted fragments.
var (
	// ErrUnwrapFailed indicates the wrapped ticket key could not be recovered.
	ErrUnwrapFailed = errors.New("ticket key unwrap failed")
	// ErrDecryptFailed indicates the media ciphertext could not be decrypted.
	ErrDecryptFailed = errors.New("media decrypt failed")
	// ErrEncryptionFailed indicates the credential could not be encrypted.
	ErrEncryptionFailed = errors.New("credential encryption failed")
)
