package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureKeyPairCreatesThenLoads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	s1, created, err := EnsureKeyPair(dir)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, filepath.Join(dir, PublicKeyFile))
	assert.FileExists(t, filepath.Join(dir, PrivateKeyFile))

	s2, created, err := EnsureKeyPair(dir)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s1.PublicKeyHex(), s2.PublicKeyHex())
}

func TestSignAndVerify(t *testing.T) {
	s, err := NewEphemeralSigner()
	require.NoError(t, err)

	sig := s.Sign([]byte("hash"))
	ok, err := VerifySignatureFromHex(s.PublicKeyHex(), []byte("hash"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySignatureFromHex(s.PublicKeyHex(), []byte("other"), sig)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifySignatureFromHex("abcd", []byte("hash"), sig)
	assert.Error(t, err)
}

func TestLoadKeyRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.pub")
	require.NoError(t, os.WriteFile(path, []byte("zz"), 0600))
	_, err := LoadPublicKey(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("abcd"), 0600))
	_, err = LoadPublicKey(path)
	assert.ErrorContains(t, err, "invalid key size")
}
