package quicutil

import (
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert()
	require.NoError(t, err)

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.NoError(t, cert.VerifyHostname("localhost"))
	assert.NoError(t, cert.VerifyHostname("127.0.0.1"))

	cfg, err := MakeTLSConfig(certPEM, keyPEM)
	require.NoError(t, err)
	assert.Equal(t, []string{NextProto}, cfg.NextProtos)
	assert.Equal(t, cfg.NextProtos, MakeClientTLSConfig().NextProtos)

	_, err = MakeTLSConfig(certPEM, []byte("not a key"))
	assert.Error(t, err)
}
