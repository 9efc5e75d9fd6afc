package util

import (
	"bytes"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWipeBytes(t *testing.T) {
	b := []byte("secret material")
	WipeBytes(b)
	assert.Equal(t, make([]byte, len(b)), b)
}

func TestWipeBigInt(t *testing.T) {
	n := new(big.Int).Lsh(big.NewInt(1), 300)
	words := n.Bits()
	WipeBigInt(n)
	for _, w := range words {
		assert.Zero(t, w)
	}
	assert.Zero(t, n.Sign())
	WipeBigInt(nil)
}

func TestColonHex(t *testing.T) {
	assert.Equal(t, "", ColonHex(nil))
	assert.Equal(t, "0A", ColonHex([]byte{0x0a}))
	assert.Equal(t, "DE:AD:BE:EF", ColonHex([]byte{0xde, 0xad, 0xbe, 0xef}))
}

func TestNormalize(t *testing.T) {
	// U+00E9 decomposes to e + combining acute under NFKD.
	assert.Equal(t, []byte("e\u0301"), NormalizeBytes([]byte("\u00e9")))
}

func TestRandomSerial(t *testing.T) {
	limit := new(big.Int).Lsh(big.NewInt(1), SerialBits)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n, err := RandomSerial(nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n.Sign())
		assert.Equal(t, -1, n.Cmp(limit))
		assert.False(t, seen[n.String()])
		seen[n.String()] = true
	}
}

func TestRandomSerial_SkipsZero(t *testing.T) {
	// The first draw is all zeros, the second is not.
	src := bytes.NewReader(append(make([]byte, 20), bytes.Repeat([]byte{0x01}, 20)...))
	n, err := RandomSerial(src)
	require.NoError(t, err)
	assert.Equal(t, 1, n.Sign())
}

func TestWriteFileAtomic_ReplacesReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaf.key.pem")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0o400))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0o400))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o400), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestShredFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.key")
	require.NoError(t, os.WriteFile(path, []byte("decrypted"), 0o600))
	require.NoError(t, ShredFile(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, ShredFile(path), "missing file is fine")
}
