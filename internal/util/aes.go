package util

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/mergermarket/go-pkcs7"
)

const (
	AES128KeySize = 16
	AES256KeySize = 32
)

// ErrInvalidPadding is returned when a decrypted buffer does not end in a
// well-formed PKCS#7 padding block.
var ErrInvalidPadding = errors.New("invalid padding")

func newBlock(rawKey []byte, keySize int) (cipher.Block, error) {
	if len(rawKey) != keySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), keySize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return block, nil
}

// Pad appends PKCS#7 padding for the AES block size.
func Pad(plainText []byte) ([]byte, error) {
	return pkcs7.Pad(plainText, aes.BlockSize)
}

// Unpad strips PKCS#7 padding after checking that every padding byte is
// present and consistent. pkcs7.Unpad only trims by the last byte, so the
// structure is validated here first.
func Unpad(padded []byte) ([]byte, error) {
	n := len(padded)
	if n == 0 || n%aes.BlockSize != 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(padded[n-1])
	if padLen == 0 || padLen > aes.BlockSize {
		return nil, ErrInvalidPadding
	}
	for _, b := range padded[n-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidPadding
		}
	}
	return pkcs7.Unpad(padded, aes.BlockSize)
}

// EncryptECB pads plainText and encrypts each block independently. The key
// must be keySize bytes.
func EncryptECB(plainText, rawKey []byte, keySize int) ([]byte, error) {
	block, err := newBlock(rawKey, keySize)
	if err != nil {
		return nil, err
	}
	padded, err := Pad(plainText)
	if err != nil {
		return nil, fmt.Errorf("padding plaintext: %w", err)
	}
	cipherText := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(cipherText[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}
	WipeBytes(padded)
	return cipherText, nil
}

// DecryptECB decrypts each block independently and removes the padding.
func DecryptECB(cipherText, rawKey []byte, keySize int) ([]byte, error) {
	block, err := newBlock(rawKey, keySize)
	if err != nil {
		return nil, err
	}
	if len(cipherText) == 0 || len(cipherText)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a positive multiple of the block size", len(cipherText))
	}
	padded := make([]byte, len(cipherText))
	for i := 0; i < len(cipherText); i += aes.BlockSize {
		block.Decrypt(padded[i:i+aes.BlockSize], cipherText[i:i+aes.BlockSize])
	}
	defer WipeBytes(padded)
	return Unpad(padded)
}

// EncryptCBC pads plainText and encrypts it in CBC mode under iv.
func EncryptCBC(plainText, rawKey, iv []byte) ([]byte, error) {
	block, err := newBlock(rawKey, AES128KeySize)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid IV size: got %d, want %d", len(iv), aes.BlockSize)
	}
	padded, err := Pad(plainText)
	if err != nil {
		return nil, fmt.Errorf("padding plaintext: %w", err)
	}
	cipherText := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(cipherText, padded)
	WipeBytes(padded)
	return cipherText, nil
}

// DecryptCBC decrypts cipherText in CBC mode under iv and removes the padding.
// An empty cipherText decrypts to an empty plaintext.
func DecryptCBC(cipherText, rawKey, iv []byte) ([]byte, error) {
	block, err := newBlock(rawKey, AES128KeySize)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid IV size: got %d, want %d", len(iv), aes.BlockSize)
	}
	if len(cipherText) == 0 {
		return []byte{}, nil
	}
	if len(cipherText)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(cipherText))
	}
	padded := make([]byte, len(cipherText))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, cipherText)
	defer WipeBytes(padded)
	return Unpad(padded)
}
