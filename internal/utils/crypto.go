// services/controlplane/internal/utils/crypto.go
package utils

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

const pairingCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GeneratePairingCode returns a short human-typeable code used to claim a
// registered device. The alphabet drops ambiguous characters (0/O, 1/I).
func GeneratePairingCode(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("pairing code length must be positive")
	}

	code := make([]byte, length)
	max := big.NewInt(int64(len(pairingCodeAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate pairing code: %w", err)
		}
		code[i] = pairingCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// GenerateToken returns a random hex token for API authentication.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SignPayload computes the hex HMAC-SHA256 of a webhook payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time.
func VerifySignature(payload []byte, signature, secret string) error {
	if signature == "" {
		return errors.New("missing signature")
	}
	expected := SignPayload(payload, secret)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("signature mismatch")
	}
	return nil
}
