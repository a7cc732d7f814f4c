package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// DefaultMaxAuthAttempts is how many bad credentials a socket may send
// before it is closed.
const DefaultMaxAuthAttempts = 3

// ErrInvalidCredential is returned by verifiers for rejected credentials.
var ErrInvalidCredential = errors.New("invalid credential")

// Verifier maps an opaque credential to the user it belongs to.
type Verifier interface {
	Verify(credential string) (userID string, err error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(credential string) (string, error)

// Verify calls f.
func (f VerifierFunc) Verify(credential string) (string, error) {
	return f(credential)
}

// HMACVerifier accepts credentials of the form "<userId>.<hex hmac-sha256(userId)>".
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier keyed with secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Sign mints the credential for userID.
func (v *HMACVerifier) Sign(userID string) string {
	return userID + "." + v.mac(userID)
}

// Verify checks the signature in constant time.
func (v *HMACVerifier) Verify(credential string) (string, error) {
	i := strings.LastIndexByte(credential, '.')
	if i <= 0 || i == len(credential)-1 {
		return "", ErrInvalidCredential
	}
	userID, signature := credential[:i], credential[i+1:]

	expected := v.mac(userID)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return "", ErrInvalidCredential
	}
	return userID, nil
}

func (v *HMACVerifier) mac(userID string) string {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(userID))
	return hex.EncodeToString(h.Sum(nil))
}
