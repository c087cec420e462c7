package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"sync"
	"time"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"github.com/youmark/pkcs8"
)

var logger = logrus.WithField("component", "arca.keys")

// Material is a parsed certificate with its matching private key.
type Material struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

func LoadCertificateFromFile(path string) (*x509.Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read cert file")
	}
	return LoadCertificate(b)
}

// LoadCertificate accepts PEM or raw DER.
func LoadCertificate(certBytes []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(certBytes); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, errors.Errorf("unexpected PEM block: %s", block.Type)
		}
		certBytes = block.Bytes
	}

	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse x509")
	}
	return cert, nil
}

// LoadPrivateKeyFromFile reads a PEM or DER key file and returns it as crypto.Signer.
func LoadPrivateKeyFromFile(path string, password []byte) (crypto.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read key file")
	}
	return LoadPrivateKey(b, password)
}

// LoadPrivateKey understands PKCS#1 ("RSA PRIVATE KEY", what openssl genrsa produces for the
// ARCA CSR), SEC1, PKCS#8 and encrypted PKCS#8. Non-PEM input is tried as DER.
func LoadPrivateKey(keyBytes []byte, password []byte) (crypto.Signer, error) {
	rest := keyBytes
	sawPEM := false

	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		sawPEM = true

		switch block.Type {
		case "RSA PRIVATE KEY":
			if _, encrypted := block.Headers["DEK-Info"]; encrypted {
				return nil, errors.New("legacy encrypted PEM keys are not supported, convert to PKCS#8")
			}
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, errors.Wrap(err, "parse PKCS#1 private key")
			}
			return k, nil
		case "EC PRIVATE KEY":
			k, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, errors.Wrap(err, "parse EC private key")
			}
			return k, nil
		case "PRIVATE KEY":
			return parsePKCS8(block.Bytes, nil)
		case "ENCRYPTED PRIVATE KEY":
			if len(password) == 0 {
				return nil, errors.New("password is required for ENCRYPTED PRIVATE KEY")
			}
			return parsePKCS8(block.Bytes, password)
		default:
			logger.Debugf("skipping PEM block %s", block.Type)
		}
	}

	if sawPEM {
		return nil, errors.New("no private key block found in PEM")
	}

	if k, err := parsePKCS8(keyBytes, password); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS1PrivateKey(keyBytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse DER private key")
	}
	return k, nil
}

func parsePKCS8(der []byte, password []byte) (crypto.Signer, error) {
	var (
		keyAny any
		err    error
	)
	if len(password) > 0 {
		keyAny, err = pkcs8.ParsePKCS8PrivateKey(der, password)
	} else {
		keyAny, err = pkcs8.ParsePKCS8PrivateKey(der)
	}
	if err != nil {
		return nil, errors.Wrap(err, "parse PKCS#8 private key")
	}

	switch k := keyAny.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, errors.Errorf("unsupported key type in PKCS#8: %T (expected RSA or ECDSA)", keyAny)
	}
}

// Match checks that key is the private half of the certificate public key.
func Match(cert *x509.Certificate, key crypto.Signer) error {
	pub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return errors.Errorf("unsupported certificate key type %T", cert.PublicKey)
	}
	if !pub.Equal(key.Public()) {
		return errors.New("private key does not match certificate")
	}
	return nil
}

// Store loads key material lazily and keeps the parsed result until one of the files changes
// on disk or Invalidate is called.
type Store struct {
	certPath string
	keyPath  string
	password []byte

	mu      sync.Mutex
	cached  *Material
	certMod time.Time
	keyMod  time.Time
}

func NewStore(certPath, keyPath string, password []byte) *Store {
	return &Store{certPath: certPath, keyPath: keyPath, password: password}
}

// NewStoreFromCredentials builds a Store for the paths in c.
func NewStoreFromCredentials(c arca.Credentials) *Store {
	return NewStore(c.CertificatePath, c.PrivateKeyPath, c.PrivateKeyPassword)
}

// Load returns the cached material, reloading it when the files were modified. All failures
// are *arca.SigningError.
func (s *Store) Load() (*Material, error) {
	certMod, err := modTime(s.certPath)
	if err != nil {
		return nil, &arca.SigningError{Path: s.certPath, Err: err}
	}
	keyMod, err := modTime(s.keyPath)
	if err != nil {
		return nil, &arca.SigningError{Path: s.keyPath, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && certMod.Equal(s.certMod) && keyMod.Equal(s.keyMod) {
		return s.cached, nil
	}

	logger.WithFields(logrus.Fields{"cert": s.certPath, "key": s.keyPath}).Debug("Loading key material")

	cert, err := LoadCertificateFromFile(s.certPath)
	if err != nil {
		return nil, &arca.SigningError{Path: s.certPath, Err: err}
	}
	key, err := LoadPrivateKeyFromFile(s.keyPath, s.password)
	if err != nil {
		return nil, &arca.SigningError{Path: s.keyPath, Err: err}
	}
	if err := Match(cert, key); err != nil {
		return nil, &arca.SigningError{Err: err}
	}

	s.cached = &Material{Certificate: cert, PrivateKey: key}
	s.certMod = certMod
	s.keyMod = keyMod
	return s.cached, nil
}

// Invalidate drops the cached material; the next Load reads the files again.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

func modTime(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}
