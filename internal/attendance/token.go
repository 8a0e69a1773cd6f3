package attendance

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// tokenBytes gives 256 bits of entropy per token.
const tokenBytes = 32

const qrPrefix = "attendance"

// NewToken returns a URL-safe random token.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// TokensEqual compares in constant time. Both sides are hashed first so the
// comparison does not depend on the presented length either.
func TokensEqual(presented, stored string) bool {
	a := sha256.Sum256([]byte(presented))
	b := sha256.Sum256([]byte(stored))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1 && stored != ""
}

// QRPayload is the string a client encodes into the displayed QR code.
func QRPayload(s Session) string {
	return qrPrefix + ":" + s.ID + ":" + s.Token
}

// ParseQRPayload splits a scanned QR string into session id and token.
func ParseQRPayload(payload string) (sessionID, token string, err error) {
	parts := strings.Split(strings.TrimSpace(payload), ":")
	if len(parts) != 3 || parts[0] != qrPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", ErrInvalidToken
	}
	return parts[1], parts[2], nil
}
