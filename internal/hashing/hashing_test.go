package hashing

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataIDDeterministic(t *testing.T) {
	content := bytes.Repeat([]byte("<rss><channel><item>x</item></channel></rss>"), 5000)

	first, err := DataID(bytes.NewReader(content))
	require.NoError(t, err)
	second, err := DataID(bytes.NewReader(append([]byte(nil), content...)))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotContains(t, first, "=")

	other, err := DataID(strings.NewReader("different"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestDataIDEmptyInput(t *testing.T) {
	id, err := DataID(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestCorrelationStable(t *testing.T) {
	url := "https://example.com/picture.jpg"
	assert.Equal(t, Correlation(url), Correlation(url))
	assert.NotEqual(t, Correlation(url), Correlation(url+"?v=2"))
}

func TestFuuidMultihashFraming(t *testing.T) {
	fuuid := Fuuid([]byte("ciphertext"))
	require.True(t, strings.HasPrefix(fuuid, "z"))

	raw, err := base58.Decode(fuuid[1:])
	require.NoError(t, err)
	// 0xb240 varint is c0 e4 02, then length 64
	require.Len(t, raw, 3+1+64)
	assert.Equal(t, []byte{0xc0, 0xe4, 0x02, 0x40}, raw[:4])
}

func TestHexBlake2s(t *testing.T) {
	a := HexBlake2s([]byte(`["title","https://example.com",1700000000]`))
	assert.Len(t, a, 64)
	assert.Equal(t, a, HexBlake2s([]byte(`["title","https://example.com",1700000000]`)))
}
