package build

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Share links a completed build to a short, expiring, optionally
// password-protected download code. It inherits the build's expiry; accesses
// are counted for the owner's dashboard.
type Share struct {
	Code         string    `json:"code"`
	BuildID      string    `json:"build_id"`
	PasswordHash *string   `json:"-"`
	AccessCount  int       `json:"access_count"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Share) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// NewShareCode returns a short random hex code for share URLs.
func NewShareCode() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("150405.000")))[:12]
	}
	return hex.EncodeToString(buf)
}
