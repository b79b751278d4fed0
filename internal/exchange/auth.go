package exchange

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Signer produces the authentication headers attached to private REST calls
// and to the WebSocket upgrade request. Implementations must be safe for
// concurrent use.
type Signer interface {
	Headers(method, path string) (map[string]string, error)
}

// RSASigner implements the exchange's API-key scheme: every request carries
// the key ID, a millisecond timestamp, and an RSA-PSS (SHA-256) signature
// over timestamp + method + path.
type RSASigner struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewRSASigner loads a PEM-encoded RSA private key from disk.
func NewRSASigner(keyID, keyPath string) (*RSASigner, error) {
	pemData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParseRSASigner(keyID, pemData)
}

// ParseRSASigner builds a signer from PEM bytes. Both PKCS#8 and PKCS#1
// encodings are accepted.
func ParseRSASigner(keyID string, pemData []byte) (*RSASigner, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}

	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return &RSASigner{keyID: keyID, key: rsaKey}, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &RSASigner{keyID: keyID, key: rsaKey}, nil
}

// KeyID returns the configured API key identifier.
func (s *RSASigner) KeyID() string {
	return s.keyID
}

// Headers signs the request and returns the three auth headers the exchange
// expects. The signed message is timestamp + method + path, where path
// includes the API prefix but not the query string.
func (s *RSASigner) Headers(method, path string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	digest := sha256.Sum256([]byte(ts + method + path))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       s.keyID,
		"KALSHI-ACCESS-SIGNATURE": base64.StdEncoding.EncodeToString(sig),
		"KALSHI-ACCESS-TIMESTAMP": ts,
	}, nil
}

// NoopSigner attaches no headers. It is used against public market-data
// endpoints and in paper setups that never touch private routes.
type NoopSigner struct{}

// Headers returns nil.
func (NoopSigner) Headers(method, path string) (map[string]string, error) {
	return nil, nil
}
