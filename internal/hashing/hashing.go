// Package hashing produces the content-derived identifiers used across the
// scraper: data ids, attachment correlations and file content addresses.
//
// Every identifier is a multihash (varint code, varint length, digest) encoded
// with a multibase alphabet. Identical input always yields an identical id.
package hashing

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
)

// Multihash function codes.
const (
	CodeBlake2b512 = 0xb240
	CodeBlake2s256 = 0xb260
)

// ChunkSize is the read size used when streaming content through a digester.
const ChunkSize = 64 * 1024

// Digester accumulates bytes and produces a multihash.
type Digester struct {
	code uint64
	h    hash.Hash
}

func NewBlake2s256() *Digester {
	h, err := blake2s.New256(nil)
	if err != nil {
		// only fails for keys longer than 32 bytes
		panic(err)
	}
	return &Digester{code: CodeBlake2s256, h: h}
}

func NewBlake2b512() *Digester {
	h, err := blake2b.New512(nil)
	if err != nil {
		panic(err)
	}
	return &Digester{code: CodeBlake2b512, h: h}
}

func (d *Digester) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Digest returns the raw digest bytes.
func (d *Digester) Digest() []byte {
	return d.h.Sum(nil)
}

// Multihash returns the digest prefixed with its multihash code and length.
func (d *Digester) Multihash() []byte {
	digest := d.Digest()
	out := binary.AppendUvarint(nil, d.code)
	out = binary.AppendUvarint(out, uint64(len(digest)))
	return append(out, digest...)
}

// Base64 encodes the multihash as unpadded standard base64, without the
// multibase prefix character.
func (d *Digester) Base64() string {
	return base64.RawStdEncoding.EncodeToString(d.Multihash())
}

// Base58btc encodes the multihash with the multibase 'z' prefix.
func (d *Digester) Base58btc() string {
	return "z" + base58.Encode(d.Multihash())
}

// DataID streams r and returns the content identity of the raw bytes.
func DataID(r io.Reader) (string, error) {
	d := NewBlake2s256()
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(d, r, buf); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return d.Base64(), nil
}

// Correlation identifies an attachment by its source reference (e.g. a
// picture url), independently of where its ciphertext ends up stored.
func Correlation(source string) string {
	d := NewBlake2s256()
	_, _ = d.Write([]byte(source))
	return d.Base64()
}

// Fuuid returns the content address of a blob.
func Fuuid(data []byte) string {
	d := NewBlake2b512()
	_, _ = d.Write(data)
	return d.Base58btc()
}

// HexBlake2s returns the hex blake2s-256 digest of value, without multihash framing.
func HexBlake2s(value []byte) string {
	sum := blake2s.Sum256(value)
	return hex.EncodeToString(sum[:])
}
