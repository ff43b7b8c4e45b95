package crypto

import "github.com/jmcleod/latchkey/internal/util"

// SessionKey is the unwrapped ticket key used to encrypt exactly one
// credential. It formats as a redacted placeholder so it cannot leak through
// logging; call Destroy once the credential has been encrypted.
type SessionKey struct {
	b []byte
}

// NewSessionKey copies raw into a SessionKey.
func NewSessionKey(raw []byte) *SessionKey {
	return &SessionKey{b: util.CopyBytes(raw)}
}

// Bytes returns a copy of the key material.
func (k *SessionKey) Bytes() []byte {
	if k == nil {
		return nil
	}
	return util.CopyBytes(k.b)
}

// Len returns the key length in bytes.
func (k *SessionKey) Len() int {
	if k == nil {
		return 0
	}
	return len(k.b)
}

// Destroy wipes the key material. It is safe to call more than once.
func (k *SessionKey) Destroy() {
	if k == nil {
		return
	}
	util.WipeBytes(k.b)
	k.b = nil
}

func (k *SessionKey) String() string {
	return "SessionKey(redacted)"
}

func (k *SessionKey) GoString() string {
	return k.String()
}
