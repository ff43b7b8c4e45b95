package crypto

import (
	"fmt"

	"github.com/jmcleod/latchkey/internal/util"
)

// Media container layout. All offsets are fixed.
const (
	MediaHeaderSize   = 4
	MediaIVSize       = 16
	MediaReservedSize = 44
	// MediaMinSize is the smallest well-formed container: header, IV and
	// reserved region with an empty ciphertext.
	MediaMinSize = MediaHeaderSize + MediaIVSize + MediaReservedSize

	mediaIVOffset         = MediaHeaderSize
	mediaCipherTextOffset = MediaMinSize
	// MediaKeySize is the per-file key length.
	MediaKeySize = util.AES128KeySize
)

// MediaContainer is a parsed view over a raw container. The slices alias the
// input buffer.
type MediaContainer struct {
	Header     []byte
	IV         []byte
	Reserved   []byte
	CipherText []byte
}

// ParseMediaContainer splits raw into its fixed regions. The reserved region
// is returned as-is and never interpreted.
func ParseMediaContainer(raw []byte) (*MediaContainer, error) {
	if len(raw) < MediaMinSize {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrContainerTooShort, len(raw), MediaMinSize)
	}
	return &MediaContainer{
		Header:     raw[:mediaIVOffset],
		IV:         raw[mediaIVOffset : mediaIVOffset+MediaIVSize],
		Reserved:   raw[mediaIVOffset+MediaIVSize : mediaCipherTextOffset],
		CipherText: raw[mediaCipherTextOffset:],
	}, nil
}

// DecodeMediaContainer decrypts the image held in container with the 16-byte
// per-file key: AES-128-CBC, IV from the container, PKCS#7 padding. The
// plaintext is returned without checking for image magic bytes.
func DecodeMediaContainer(container, key16 []byte) ([]byte, error) {
	c, err := ParseMediaContainer(container)
	if err != nil {
		return nil, err
	}
	if len(key16) != MediaKeySize {
		return nil, fmt.Errorf("%w: media key has %d bytes, want %d", ErrInvalidKeyLength, len(key16), MediaKeySize)
	}
	plain, err := util.DecryptCBC(c.CipherText, key16, c.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong key or corrupted ciphertext", ErrDecryptFailed)
	}
	return plain, nil
}

// EncodeMediaContainer builds a container around plainText. It exists for
// fixtures and tooling; the header and reserved regions are zero.
func EncodeMediaContainer(plainText, key16, iv []byte) ([]byte, error) {
	if len(key16) != MediaKeySize {
		return nil, fmt.Errorf("%w: media key has %d bytes, want %d", ErrInvalidKeyLength, len(key16), MediaKeySize)
	}
	cipherText, err := util.EncryptCBC(plainText, key16, iv)
	if err != nil {
		return nil, fmt.Errorf("encrypting media: %w", err)
	}
	out := make([]byte, MediaMinSize, MediaMinSize+len(cipherText))
	copy(out[mediaIVOffset:], iv)
	return append(out, cipherText...), nil
}
