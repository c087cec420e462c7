// Package keystest generates throwaway certificates and keys for tests.
package keystest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/youmark/pkcs8"
)

// Files holds paths of a generated key pair.
type Files struct {
	CertPath string
	KeyPath  string
	Cert     *x509.Certificate
	Key      *rsa.PrivateKey
}

// Generate writes a self-signed certificate and a PKCS#1 key into t.TempDir().
func Generate(t testing.TB) Files {
	t.Helper()
	return generate(t, "alias", nil)
}

// GenerateEncrypted writes the key as an encrypted PKCS#8 block.
func GenerateEncrypted(t testing.TB, password []byte) Files {
	t.Helper()
	return generate(t, "alias", password)
}

func generate(t testing.TB, cn string, password []byte) Files {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   cn,
			SerialNumber: "CUIT 20123456786",
			Organization: []string{"Barberia Test"},
			Country:      []string{"AR"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	writePEM(t, certPath, &pem.Block{Type: "CERTIFICATE", Bytes: der})

	if len(password) > 0 {
		enc, err := pkcs8.MarshalPrivateKey(key, password, nil)
		if err != nil {
			t.Fatalf("marshal encrypted key: %v", err)
		}
		writePEM(t, keyPath, &pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: enc})
	} else {
		writePEM(t, keyPath, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	}

	return Files{CertPath: certPath, KeyPath: keyPath, Cert: cert, Key: key}
}

func writePEM(t testing.TB, path string, block *pem.Block) {
	t.Helper()
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
