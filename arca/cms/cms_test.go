package cms

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"testing"

	"github.com/alapierre/go-arca-client/arca"
	"github.com/alapierre/go-arca-client/arca/keys"
	"github.com/alapierre/go-arca-client/arca/keys/keystest"
	"github.com/hhrutter/pkcs7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign(t *testing.T) {
	f := keystest.Generate(t)
	content := []byte(`<loginTicketRequest version="1.0"><service>wsfe</service></loginTicketRequest>`)

	signed, err := NewSigner(keys.NewStore(f.CertPath, f.KeyPath, nil)).Sign(content)
	require.NoError(t, err)

	der, err := base64.StdEncoding.DecodeString(signed)
	require.NoError(t, err)

	p7, err := pkcs7.Parse(der)
	require.NoError(t, err)

	assert.Equal(t, content, p7.Content, "content must be embedded")
	require.Len(t, p7.Certificates, 1)
	assert.Equal(t, f.Cert.SerialNumber, p7.Certificates[0].SerialNumber)

	require.Len(t, p7.Signers, 1)
	signer := p7.Signers[0]
	assert.Empty(t, signer.AuthenticatedAttributes)
	assert.True(t, signer.DigestAlgorithm.Algorithm.Equal(pkcs7.OIDDigestAlgorithmSHA1))

	digest := sha1.Sum(content)
	require.NoError(t, rsa.VerifyPKCS1v15(&f.Key.PublicKey, crypto.SHA1, digest[:], signer.EncryptedDigest))
}

func TestSign_NoMaterial(t *testing.T) {
	_, err := Sign([]byte("x"), nil)
	var se *arca.SigningError
	assert.ErrorAs(t, err, &se)
}

func TestSigner_MissingKey(t *testing.T) {
	f := keystest.Generate(t)

	_, err := NewSigner(keys.NewStore(f.CertPath, f.KeyPath+".missing", nil)).Sign([]byte("x"))
	var se *arca.SigningError
	assert.ErrorAs(t, err, &se)
}
