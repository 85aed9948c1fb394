package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Signer produces the signatures embedded in V4 signed URLs for dataset
// source uploads and run artifact downloads.
type Signer interface {
	// Email is the service account used as GoogleAccessID in signed URLs.
	Email() string
	// SignBytes signs one canonical request payload.
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// ServiceAccountSigner signs with an RSA key loaded from a service account
// JSON key. The key usually arrives through config as a secret reference.
type ServiceAccountSigner struct {
	email string
	key   *rsa.PrivateKey
}

type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// NewServiceAccountSignerFromJSON parses a raw service account key document.
func NewServiceAccountSignerFromJSON(data []byte) (*ServiceAccountSigner, error) {
	if len(data) == 0 {
		return nil, errors.New("storage: service account JSON is empty")
	}

	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("storage: decode service account json: %w", err)
	}
	key.ClientEmail = strings.TrimSpace(key.ClientEmail)
	key.PrivateKey = strings.TrimSpace(key.PrivateKey)
	if key.PrivateKey == "" {
		return nil, errors.New("storage: private_key missing in service account JSON")
	}
	if key.ClientEmail == "" {
		return nil, errors.New("storage: client_email missing in service account JSON")
	}

	rsaKey, err := parseRSAPrivateKey(key.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &ServiceAccountSigner{email: key.ClientEmail, key: rsaKey}, nil
}

// NewServiceAccountSignerFromFile loads the key document from disk first.
func NewServiceAccountSignerFromFile(path string) (*ServiceAccountSigner, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read service account file: %w", err)
	}
	return NewServiceAccountSignerFromJSON(contents)
}

func (s *ServiceAccountSigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

// SignBytes signs the payload with RSA PKCS#1 v1.5 over SHA-256, the scheme
// Cloud Storage expects for signed URLs.
func (s *ServiceAccountSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("storage: signer not initialised")
	}
	if len(payload) == 0 {
		return nil, errors.New("storage: payload is empty")
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign payload: %w", err)
	}
	return sig, nil
}

// parseRSAPrivateKey accepts PKCS#8 or PKCS#1 encodings; Google issues
// PKCS#8 today but older exported keys still circulate.
func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("storage: failed to decode PEM private key")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("storage: private key is not RSA")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("storage: parse RSA private key: %w", err)
	}
	return rsaKey, nil
}
