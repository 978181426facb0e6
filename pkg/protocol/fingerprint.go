package protocol

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint is a short, stable digest of a public key for logs and display.
func (k PublicKey) Fingerprint() string {
	sum := blake2b.Sum256(k[:])
	return hex.EncodeToString(sum[:8])
}
