package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKD, which also folds full-width digits to ASCII.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexEncodeUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
