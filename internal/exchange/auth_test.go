package exchange

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func testSigner(t *testing.T) *RSASigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &RSASigner{keyID: "key-123", key: key}
}

func TestHeadersSignatureVerifies(t *testing.T) {
	t.Parallel()
	s := testSigner(t)

	const path = "/trade-api/v2/events/KXNBAGAME-26JAN06DALSAC"
	headers, err := s.Headers(http.MethodGet, path)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}

	if headers["KALSHI-ACCESS-KEY"] != "key-123" {
		t.Errorf("access key = %q, want key-123", headers["KALSHI-ACCESS-KEY"])
	}

	ts := headers["KALSHI-ACCESS-TIMESTAMP"]
	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		t.Fatalf("timestamp %q is not an integer: %v", ts, err)
	}
	if drift := time.Since(time.UnixMilli(millis)); drift < 0 || drift > time.Minute {
		t.Errorf("timestamp drift = %v, want within the last minute", drift)
	}

	sig, err := base64.StdEncoding.DecodeString(headers["KALSHI-ACCESS-SIGNATURE"])
	if err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}

	digest := sha256.Sum256([]byte(ts + http.MethodGet + path))
	err = rsa.VerifyPSS(&s.key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		t.Errorf("VerifyPSS: %v", err)
	}
}

func TestParseRSASignerPKCS8(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	s, err := ParseRSASigner("key-abc", pemData)
	if err != nil {
		t.Fatalf("ParseRSASigner: %v", err)
	}
	if s.KeyID() != "key-abc" {
		t.Errorf("KeyID = %q, want key-abc", s.KeyID())
	}
	if _, err := s.Headers(http.MethodGet, "/x"); err != nil {
		t.Errorf("Headers: %v", err)
	}
}

func TestParseRSASignerPKCS1(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	if _, err := ParseRSASigner("key-abc", pemData); err != nil {
		t.Fatalf("ParseRSASigner pkcs1: %v", err)
	}
}

func TestParseRSASignerRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := ParseRSASigner("k", []byte("not a pem block")); err == nil {
		t.Error("expected error for non-PEM input")
	}
}

func TestNoopSigner(t *testing.T) {
	t.Parallel()
	headers, err := NoopSigner{}.Headers(http.MethodGet, "/x")
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if headers != nil {
		t.Errorf("headers = %v, want nil", headers)
	}
}
