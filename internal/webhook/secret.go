// ABOUTME: Webhook signing secrets: generation, sealing at rest and HMAC signatures
// ABOUTME: Secrets are shown once in plain text and stored only as secretbox ciphertext

package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// SecretPrefix marks webhook signing secrets.
const SecretPrefix = "whsk_"

const (
	secretLength   = 48
	secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	nonceSize      = 24
)

// ErrSealedSecret is returned when a stored secret cannot be opened, for
// example after the sealing key changed.
var ErrSealedSecret = errors.New("cannot open sealed webhook secret")

// GenerateSecret returns "whsk_" followed by 48 random alphanumerics.
func GenerateSecret() (string, error) {
	out := make([]byte, 0, secretLength)
	buf := make([]byte, secretLength)
	// Reject bytes past the largest multiple of the alphabet size so every
	// character is equally likely.
	limit := 256 - 256%len(secretAlphabet)
	for len(out) < secretLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generating secret: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, secretAlphabet[int(b)%len(secretAlphabet)])
			if len(out) == secretLength {
				break
			}
		}
	}
	return SecretPrefix + string(out), nil
}

// Sealer encrypts secrets with a symmetric key.
type Sealer struct {
	key [32]byte
}

// NewSealer derives the sealing key. A 64-character hex string is used as
// the raw key; anything else is hashed with SHA-256.
func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, errors.New("webhook secret key is required")
	}
	s := &Sealer{}
	if raw, err := hex.DecodeString(key); err == nil && len(raw) == len(s.key) {
		copy(s.key[:], raw)
		return s, nil
	}
	s.key = sha256.Sum256([]byte(key))
	return s, nil
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(secret string) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(secret), &nonce, &s.key), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) (string, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", ErrSealedSecret
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrSealedSecret
	}
	return string(plain), nil
}

// Sign returns "sha256=<hex>" of HMAC-SHA256(secret, "<unix ts>.<body>").
func Sign(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, ts time.Time, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature))
}
