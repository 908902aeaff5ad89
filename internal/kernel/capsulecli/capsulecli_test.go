package capsulecli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrt/agentd/internal/kernel/model"
)

func TestGenerateKeyPairProducesUsableKeys(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEmpty(t, kp.PubB64)
	assert.NotEmpty(t, kp.PrivB64)
	assert.Len(t, kp.Pub, 32)
}

func TestSignThenVerifyRoundTrips(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	c := Template("demo-capsule", "1", "local-admin")
	c.Denies = []string{"net.tcp.connect"}
	signed, err := Sign(c, kp.Priv)
	require.NoError(t, err)
	assert.NotEmpty(t, signed.Signature)

	require.NoError(t, Verify(signed, kp.Pub))
}

func TestVerifyRejectsTamperedCapsule(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	c := Template("demo-capsule", "1", "local-admin")
	signed, err := Sign(c, kp.Priv)
	require.NoError(t, err)

	signed.Denies = append(signed.Denies, "fs.write")
	assert.Error(t, Verify(signed, kp.Pub))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	c := Template("demo-capsule", "1", "local-admin")
	signed, err := Sign(c, kp.Priv)
	require.NoError(t, err)

	assert.Error(t, Verify(signed, other.Pub))
}

func TestFingerprintStableAcrossSignatureBytes(t *testing.T) {
	kpA, err := GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := GenerateKeyPair()
	require.NoError(t, err)

	c := Template("demo-capsule", "1", "local-admin")
	signedA, err := Sign(c, kpA.Priv)
	require.NoError(t, err)
	signedB, err := Sign(c, kpB.Priv)
	require.NoError(t, err)

	fpA, err := Fingerprint(signedA)
	require.NoError(t, err)
	fpB, err := Fingerprint(signedB)
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB, "fingerprint excludes the signature, so differently-signed copies match")
}

func TestSignedFixtureBuildsVerifiableCapsule(t *testing.T) {
	signed, kp, err := SignedFixture("fixture-1", "1", "test-suite",
		[]string{"net.tcp.connect"},
		[]model.Contract{{ID: "c1", Patterns: []string{"chat.*"}, ValidFrom: 0}})
	require.NoError(t, err)
	require.NoError(t, Verify(signed, kp.Pub))
	assert.Equal(t, "fixture-1", signed.ID)
	assert.Len(t, signed.Contracts, 1)
}
