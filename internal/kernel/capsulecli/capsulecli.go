// Package capsulecli provides the small set of pure, key-material helpers
// test fixtures need to build a signed policy capsule end to end: generate
// an ed25519 keypair, fill in a template capsule, and sign/verify it. It
// mirrors the original project's capsule signing CLI subcommands, minus the
// interactive command-line binary itself, which is out of scope here.
package capsulecli

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/agentrt/agentd/internal/kernel/capsule"
	"github.com/agentrt/agentd/internal/kernel/model"
)

// KeyPair is an ed25519 signing key and its base64-std encoding, returned
// together so a fixture can sign with Priv and ship PubB64 to a verifier.
type KeyPair struct {
	Pub     ed25519.PublicKey
	Priv    ed25519.PrivateKey
	PubB64  string
	PrivB64 string
}

// GenerateKeyPair creates a fresh ed25519 keypair, analogous to the
// original's gen-ed25519 subcommand.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("capsulecli: generate keypair: %w", err)
	}
	return KeyPair{
		Pub:     pub,
		Priv:    priv,
		PubB64:  base64.StdEncoding.EncodeToString(pub),
		PrivB64: base64.StdEncoding.EncodeToString(priv),
	}, nil
}

// Template returns a minimal, unsigned GatingCapsule with the given id and
// version, issued now, ready for a test to fill in Denies/Contracts and
// sign. It mirrors the original's capsule template subcommand's default
// field set.
func Template(id, version, issuer string) model.GatingCapsule {
	return model.GatingCapsule{
		ID:         id,
		Version:    version,
		IssuedAtMs: time.Now().UnixMilli(),
		Issuer:     issuer,
		Denies:     []string{},
		Contracts:  []model.Contract{},
	}
}

// Sign signs c with priv and returns a copy with Signature populated,
// leaving c itself untouched.
func Sign(c model.GatingCapsule, priv ed25519.PrivateKey) (model.GatingCapsule, error) {
	sig, err := capsule.Sign(c, priv)
	if err != nil {
		return model.GatingCapsule{}, err
	}
	c.Signature = sig
	return c, nil
}

// Verify checks c's signature against pub, re-exported here so fixture code
// doesn't need to import internal/kernel/capsule directly.
func Verify(c model.GatingCapsule, pub ed25519.PublicKey) error {
	return capsule.Verify(c, pub)
}

// Fingerprint re-exports capsule.Fingerprint for fixture assertions.
func Fingerprint(c model.GatingCapsule) (string, error) {
	return capsule.Fingerprint(c)
}

// SignedFixture builds, signs, and returns a complete capsule in one call:
// generates a keypair, templates a capsule with id/version/issuer, applies
// denies/contracts, and signs it. Returns the signed capsule and the
// keypair so the caller can also exercise the verify path or trust store
// adoption with the matching public key.
func SignedFixture(id, version, issuer string, denies []string, contracts []model.Contract) (model.GatingCapsule, KeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return model.GatingCapsule{}, KeyPair{}, err
	}
	c := Template(id, version, issuer)
	c.Denies = denies
	c.Contracts = contracts
	signed, err := Sign(c, kp.Priv)
	if err != nil {
		return model.GatingCapsule{}, KeyPair{}, err
	}
	return signed, kp, nil
}
