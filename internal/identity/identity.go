// Package identity generates and uses per-device asymmetric key material.
// Keys are RSA, PEM-encoded, and never leave the process except as the
// public half inside authentication requests.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// DefaultKeyBits is the key size used for new devices. Anything below
// MinKeyBits is rejected.
const (
	DefaultKeyBits = 3072
	MinKeyBits     = 2048
)

// CryptoGenerationError wraps an entropy or key-generation failure. It is
// fatal for the device being created and must not be retried silently.
type CryptoGenerationError struct {
	Err error
}

func (e *CryptoGenerationError) Error() string {
	return fmt.Sprintf("crypto generation failed: %v", e.Err)
}

func (e *CryptoGenerationError) Unwrap() error { return e.Err }

// KeyPair holds a device keypair in PEM form, private key as PKCS8 and
// public key as PKIX.
type KeyPair struct {
	PrivatePEM string
	PublicPEM  string
}

// GenerateKeyPair creates a fresh RSA keypair of the given size.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits < MinKeyBits {
		return nil, &CryptoGenerationError{Err: fmt.Errorf("key size %d below minimum %d", bits, MinKeyBits)}
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, &CryptoGenerationError{Err: err}
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, &CryptoGenerationError{Err: err}
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, &CryptoGenerationError{Err: err}
	}
	return &KeyPair{
		PrivatePEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		PublicPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
	}, nil
}

// Sign signs payload with the PEM-encoded private key using PKCS1v15 over
// SHA-256 and returns the base64 signature. Identical input always yields
// an identical signature.
func Sign(privatePEM string, payload []byte) (string, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return "", fmt.Errorf("decode private key: no PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return "", fmt.Errorf("private key is %T, want *rsa.PrivateKey", parsed)
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(nil, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature produced by Sign against the PEM-encoded
// public key.
func Verify(publicPEM string, payload []byte, signatureB64 string) bool {
	block, _ := pem.Decode([]byte(publicPEM))
	if block == nil {
		return false
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
}
