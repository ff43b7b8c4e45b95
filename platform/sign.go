package platform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signMethod = "HMAC-SHA256"

// stringToSign builds the canonical request string: method, body digest, an
// empty signed-headers line and the path with its query.
func stringToSign(method, pathAndQuery string, body []byte) string {
	digest := sha256.Sum256(body)
	return strings.Join([]string{
		method,
		hex.EncodeToString(digest[:]),
		"",
		pathAndQuery,
	}, "\n")
}

// sign returns the upper-case hex HMAC-SHA256 of the request under secret.
// accessToken is empty for token requests.
func sign(secret []byte, clientID, accessToken, timestamp, nonce, canonical string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(clientID + accessToken + timestamp + nonce + canonical))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}
