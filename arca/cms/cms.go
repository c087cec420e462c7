// Package cms wraps the signed login ticket in the PKCS#7 container WSAA accepts.
package cms

import (
	"encoding/base64"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/alapierre/go-arca-client/arca/keys"
	"github.com/go-faster/errors"
	"github.com/hhrutter/pkcs7"
)

// Sign builds a SignedData structure embedding content, attaches the certificate, digests with
// SHA-1 and signs without authenticated attributes. The DER result is returned base64 encoded.
func Sign(content []byte, m *keys.Material) (string, error) {
	der, err := SignDER(content, m)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

func SignDER(content []byte, m *keys.Material) ([]byte, error) {
	if m == nil || m.Certificate == nil || m.PrivateKey == nil {
		return nil, &arca.SigningError{Err: errors.New("key material is not loaded")}
	}
	if len(content) == 0 {
		return nil, &arca.SigningError{Err: errors.New("nothing to sign")}
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, &arca.SigningError{Err: errors.Wrap(err, "init signed data")}
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA1)

	if err := sd.SignWithoutAttr(m.Certificate, m.PrivateKey, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, &arca.SigningError{Err: errors.Wrap(err, "sign")}
	}

	der, err := sd.Finish()
	if err != nil {
		return nil, &arca.SigningError{Err: errors.Wrap(err, "encode signed data")}
	}
	return der, nil
}

// Signer signs with material taken from a keys.Store on every call, so rotated files are
// picked up without restarting.
type Signer struct {
	store *keys.Store
}

func NewSigner(store *keys.Store) *Signer {
	return &Signer{store: store}
}

func (s *Signer) Sign(content []byte) (string, error) {
	m, err := s.store.Load()
	if err != nil {
		return "", err
	}
	return Sign(content, m)
}
