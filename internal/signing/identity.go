// Package signing loads the instance identity (key, certificate chain, CA)
// and signs bus messages with it.
package signing

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lysyi3m/webscraper/internal/hashing"
)

var ErrNoCertificate = errors.New("no certificate found")

// Identity is the trust material of this instance.
type Identity struct {
	PrivateKey  ed25519.PrivateKey
	Certificate *x509.Certificate
	ChainPEM    []string
	CAPEM       string
	CAPool      *x509.CertPool
	IDMG        string
}

func LoadIdentity(certFile, keyFile, caFile string) (*Identity, error) {
	certData, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	caData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	return ParseIdentity(certData, keyData, caData)
}

// ParseIdentity builds an Identity from PEM encoded material.
func ParseIdentity(certPEM, keyPEM, caPEM []byte) (*Identity, error) {
	chain, blocks := splitCertificates(certPEM)
	if len(blocks) == 0 {
		return nil, ErrNoCertificate
	}
	leaf, err := x509.ParseCertificate(blocks[0].Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("no PEM block in private key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not ed25519")
	}
	if !priv.Public().(ed25519.PublicKey).Equal(leaf.PublicKey) {
		return nil, errors.New("private key does not match certificate")
	}

	_, caBlocks := splitCertificates(caPEM)
	if len(caBlocks) == 0 {
		return nil, fmt.Errorf("CA: %w", ErrNoCertificate)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("failed to load CA certificate")
	}

	d := hashing.NewBlake2s256()
	_, _ = d.Write(caBlocks[0].Bytes)

	return &Identity{
		PrivateKey:  priv,
		Certificate: leaf,
		ChainPEM:    chain,
		CAPEM:       strings.TrimSpace(string(caPEM)),
		CAPool:      pool,
		IDMG:        d.Base58btc(),
	}, nil
}

// PublicKey returns the signing public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.PrivateKey.Public().(ed25519.PublicKey)
}

// TLSConfig presents the instance certificate and trusts only the local CA.
func (id *Identity) TLSConfig() *tls.Config {
	raw := make([][]byte, 0, len(id.ChainPEM))
	for _, c := range id.ChainPEM {
		if block, _ := pem.Decode([]byte(c)); block != nil {
			raw = append(raw, block.Bytes)
		}
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    id.CAPool,
		Certificates: []tls.Certificate{{
			Certificate: raw,
			PrivateKey:  id.PrivateKey,
			Leaf:        id.Certificate,
		}},
	}
}

func splitCertificates(data []byte) ([]string, []*pem.Block) {
	var (
		chain  []string
		blocks []*pem.Block
	)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		blocks = append(blocks, block)
		chain = append(chain, strings.TrimSpace(string(pem.EncodeToMemory(block))))
	}
	return chain, blocks
}
