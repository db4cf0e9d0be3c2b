package transport

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint is the address identity used for diversity checks. With
// anonymize set the raw address never leaves the transport.
func Fingerprint(address string, anonymize bool) string {
	if !anonymize {
		return address
	}

	sum := sha256.Sum256([]byte(address))

	return hex.EncodeToString(sum[:])
}
