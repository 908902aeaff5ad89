package capsule

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrustStoreLoadFileMissingIsEmptyNotError(t *testing.T) {
	ts := NewTrustStore()
	err := ts.LoadFile(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	_, ok := ts.Lookup("anyone")
	assert.False(t, ok)
}

func TestTrustStoreLoadFileParsesIssuerKeys(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	entries := []trustFileEntry{{Issuer: "local-admin", PublicKey: base64.StdEncoding.EncodeToString(pub)}}
	raw, err := json.Marshal(entries)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "trust.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	ts := NewTrustStore()
	require.NoError(t, ts.LoadFile(path))

	got, ok := ts.Lookup("local-admin")
	require.True(t, ok)
	assert.Equal(t, pub, got)
}

func TestTrustStoreLoadFileRejectsMalformedKey(t *testing.T) {
	entries := []trustFileEntry{{Issuer: "local-admin", PublicKey: "not-base64!!"}}
	raw, err := json.Marshal(entries)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "trust.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	ts := NewTrustStore()
	err = ts.LoadFile(path)
	assert.Error(t, err)
}
