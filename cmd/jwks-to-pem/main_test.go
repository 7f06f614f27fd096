package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportKeyEC(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	enc := base64.RawURLEncoding
	jwks := fmt.Sprintf(`{"keys":[{"kid":"old","kty":"EC","crv":"P-384","x":"AA","y":"AA"},{"kid":"cur","kty":"EC","crv":"P-256","alg":"ES256","x":%q,"y":%q}]}`,
		enc.EncodeToString(priv.X.FillBytes(make([]byte, 32))),
		enc.EncodeToString(priv.Y.FillBytes(make([]byte, 32))))

	out, err := exportKey([]byte(jwks), "cur")
	require.NoError(t, err)

	block, _ := pem.Decode(out)
	require.NotNil(t, block)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(pub))

	_, err = exportKey([]byte(jwks), "")
	assert.Error(t, err, "first key uses an unsupported curve")

	_, err = exportKey([]byte(jwks), "missing")
	assert.Error(t, err)

	_, err = exportKey([]byte(`{"keys":[]}`), "")
	assert.Error(t, err)
}
