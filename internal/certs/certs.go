// Package certs produces and loads the SAML service provider key pair.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	KeyFileName  = "key.pem"
	CertFileName = "cert.pem"

	keyBits  = 2048
	validFor = 365 * 24 * time.Hour
)

type KeyPair struct {
	Key         *rsa.PrivateKey
	Certificate *x509.Certificate
}

// Generate creates an RSA key and a self-signed certificate for commonName.
func Generate(commonName string) (KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate rsa key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return KeyPair{}, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return KeyPair{}, fmt.Errorf("parse certificate: %w", err)
	}
	return KeyPair{Key: key, Certificate: cert}, nil
}

// EncodeKey returns the key as a PKCS#8 PEM block.
func (p KeyPair) EncodeKey() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(p.Key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func (p KeyPair) EncodeCertificate() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: p.Certificate.Raw})
}

// WriteFiles writes key.pem (0600) and cert.pem (0644) into dir.
func (p KeyPair) WriteFiles(dir string) (keyPath, certPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create cert dir: %w", err)
	}
	keyPEM, err := p.EncodeKey()
	if err != nil {
		return "", "", err
	}
	keyPath = filepath.Join(dir, KeyFileName)
	certPath = filepath.Join(dir, CertFileName)
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("write key: %w", err)
	}
	if err := os.WriteFile(certPath, p.EncodeCertificate(), 0o644); err != nil {
		return "", "", fmt.Errorf("write certificate: %w", err)
	}
	return keyPath, certPath, nil
}

// Load reads a PEM key (PKCS#8 or PKCS#1) and certificate from disk.
// The error wraps os.ErrNotExist when either file is missing.
func Load(keyFile, certFile string) (KeyPair, error) {
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return KeyPair{}, fmt.Errorf("read key: %w", err)
	}
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return KeyPair{}, fmt.Errorf("read certificate: %w", err)
	}

	key, err := parseKey(keyPEM)
	if err != nil {
		return KeyPair{}, err
	}
	cert, err := ParseCertificate(string(certPEM))
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Key: key, Certificate: cert}, nil
}

func parseKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("decode key: no PEM block")
	}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("decode key: not an RSA key")
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return key, nil
}

// ParseCertificate accepts a PEM certificate or its bare base64 body, the
// form identity providers usually hand out.
func ParseCertificate(value string) (*x509.Certificate, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("parse certificate: empty")
	}
	var der []byte
	if block, _ := pem.Decode([]byte(value)); block != nil {
		der = block.Bytes
	} else {
		body := strings.Join(strings.Fields(value), "")
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		der = decoded
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}
