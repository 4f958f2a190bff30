// Package signing implements the HMAC helper used to authenticate CI
// completion callbacks: the workflow signs its payload with a shared secret
// and the callback endpoint verifies it before touching any build state.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature over a build id and CI run id.
func (s *Signer) Sign(buildID string, runID int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%s:%d", buildID, runID)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate compares the provided signature with the expected one in constant
// time.
func (s *Signer) Validate(buildID, runID, signature string) bool {
	id, err := strconv.ParseInt(runID, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(buildID, id)
	return hmac.Equal([]byte(expected), []byte(signature))
}
