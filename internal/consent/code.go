package consent

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strings"
)

// CodeIssuer mints the single-use codes embedded in parent action links.
// A code is an HMAC over the record id and a per-issue nonce, so it can be
// re-derived for reminder links without ever storing the code itself; only
// its SHA-256 digest is persisted for lookup.
type CodeIssuer struct {
	secret []byte
	random io.Reader
}

// NewCodeIssuer builds an issuer keyed by secret.
func NewCodeIssuer(secret string) (*CodeIssuer, error) {
	if len(strings.TrimSpace(secret)) < 16 {
		return nil, errors.New("consent code secret must be at least 16 characters")
	}
	return &CodeIssuer{secret: []byte(secret), random: rand.Reader}, nil
}

// Issue creates a fresh nonce for the record and returns the code, the nonce
// to persist and the lookup hash to persist.
func (c *CodeIssuer) Issue(recordID string) (code, nonce, hash string, err error) {
	buf := make([]byte, 16)
	if _, err = io.ReadFull(c.random, buf); err != nil {
		return "", "", "", err
	}
	nonce = hex.EncodeToString(buf)
	code = c.Derive(recordID, nonce)
	return code, nonce, HashCode(code), nil
}

// Derive recomputes the code for a record and nonce.
func (c *CodeIssuer) Derive(recordID, nonce string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(recordID))
	mac.Write([]byte{':'})
	mac.Write([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// HashCode returns the digest stored alongside a record for code lookups.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return hex.EncodeToString(sum[:])
}
