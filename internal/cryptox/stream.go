package cryptox

import (
	"bufio"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// StreamChunkSize is the plaintext size of every sealed chunk but the last.
const StreamChunkSize = 64 * 1024

var (
	adChunk = []byte{0}
	adFinal = []byte{1}
)

// StreamEncrypter seals everything written to it in fixed-size chunks.
// The last chunk is only emitted by Close and is authenticated as final,
// which makes truncation detectable.
type StreamEncrypter struct {
	aead    cipher.AEAD
	header  []byte
	dst     io.Writer
	buf     []byte
	counter uint64
	written int64
	closed  bool
}

func NewStreamEncrypter(secret []byte, dst io.Writer) (*StreamEncrypter, error) {
	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	header := make([]byte, aead.NonceSize())
	if _, err := rand.Read(header); err != nil {
		return nil, fmt.Errorf("failed to generate stream header: %w", err)
	}
	return &StreamEncrypter{
		aead:   aead,
		header: header,
		dst:    dst,
		buf:    make([]byte, 0, StreamChunkSize),
	}, nil
}

// Header is the per-stream random nonce, required for decryption.
func (e *StreamEncrypter) Header() []byte {
	return e.header
}

// CiphertextSize is the number of bytes written to the destination so far.
func (e *StreamEncrypter) CiphertextSize() int64 {
	return e.written
}

func (e *StreamEncrypter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, errors.New("write on closed stream encrypter")
	}
	n := len(p)
	for len(p) > 0 {
		if len(e.buf) == StreamChunkSize {
			if err := e.seal(adChunk); err != nil {
				return n - len(p), err
			}
		}
		free := StreamChunkSize - len(e.buf)
		if free > len(p) {
			free = len(p)
		}
		e.buf = append(e.buf, p[:free]...)
		p = p[free:]
	}
	return n, nil
}

// Close seals the final chunk. It does not close the destination.
func (e *StreamEncrypter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.seal(adFinal)
}

func (e *StreamEncrypter) seal(ad []byte) error {
	out := e.aead.Seal(nil, chunkNonce(e.header, e.counter), e.buf, ad)
	e.counter++
	e.buf = e.buf[:0]
	n, err := e.dst.Write(out)
	e.written += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write ciphertext: %w", err)
	}
	return nil
}

// DecryptStream reverses StreamEncrypter.
func DecryptStream(secret, header []byte, src io.Reader, dst io.Writer) error {
	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(header) != aead.NonceSize() {
		return fmt.Errorf("invalid stream header size %d", len(header))
	}

	r := bufio.NewReaderSize(src, StreamChunkSize+aead.Overhead()+1)
	chunk := make([]byte, StreamChunkSize+aead.Overhead())
	for counter := uint64(0); ; counter++ {
		n, err := io.ReadFull(r, chunk)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read ciphertext: %w", err)
		}

		final := n < len(chunk)
		if !final {
			if _, peekErr := r.Peek(1); errors.Is(peekErr, io.EOF) {
				final = true
			}
		}

		ad := adChunk
		if final {
			ad = adFinal
		}
		plaintext, err := aead.Open(nil, chunkNonce(header, counter), chunk[:n], ad)
		if err != nil {
			return fmt.Errorf("failed to decrypt chunk %d: %w", counter, err)
		}
		if _, err := dst.Write(plaintext); err != nil {
			return fmt.Errorf("failed to write plaintext: %w", err)
		}
		if final {
			return nil
		}
	}
}

func chunkNonce(header []byte, counter uint64) []byte {
	nonce := make([]byte, len(header))
	copy(nonce, header)
	tail := nonce[len(nonce)-8:]
	binary.BigEndian.PutUint64(tail, binary.BigEndian.Uint64(tail)^counter)
	return nonce
}
