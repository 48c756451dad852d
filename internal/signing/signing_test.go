package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "web_scraper"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	return certPEM, keyPEM
}

func TestLoadIdentity(t *testing.T) {
	certPEM, keyPEM := selfSigned(t)
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	caFile := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(caFile, certPEM, 0o600))

	id, err := LoadIdentity(certFile, keyFile, caFile)
	require.NoError(t, err)
	assert.Len(t, id.ChainPEM, 1)
	assert.Equal(t, byte('z'), id.IDMG[0])

	tlsCfg := id.TLSConfig()
	require.Len(t, tlsCfg.Certificates, 1)
	assert.NotNil(t, tlsCfg.RootCAs)
}

func TestParseIdentityMismatchedKey(t *testing.T) {
	certPEM, _ := selfSigned(t)
	_, otherKey := selfSigned(t)

	_, err := ParseIdentity(certPEM, otherKey, certPEM)
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	certPEM, keyPEM := selfSigned(t)
	id, err := ParseIdentity(certPEM, keyPEM, certPEM)
	require.NoError(t, err)

	signer := NewSigner(id)
	signer.now = func() time.Time { return time.Unix(1700000000, 0) }

	msg, err := signer.Sign(bus.KindRequest, bus.DomainDataCollector, bus.ActionGetFeedsForScraper, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), msg.Timestamp)
	assert.Equal(t, "{}", msg.Content)
	require.NoError(t, Verify(msg, id.PublicKey()))

	again, err := signer.Sign(bus.KindRequest, bus.DomainDataCollector, bus.ActionGetFeedsForScraper, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, again.ID)

	msg.Content = `{"tampered":true}`
	assert.ErrorIs(t, Verify(msg, id.PublicKey()), ErrInvalidSignature)
}
