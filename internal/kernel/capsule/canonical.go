package capsule

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentrt/agentd/internal/kernel/model"
)

// canonicalize strips the signature field from a capsule and re-marshals it
// through an untyped map, which encoding/json renders with object keys
// sorted lexicographically at every nesting level and no insignificant
// whitespace. Signer and verifier both call this so they agree byte-for-byte
// on what was signed.
func canonicalize(c model.GatingCapsule) ([]byte, error) {
	c.Signature = ""
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("capsule: marshal for canonicalization: %w", err)
	}

	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("capsule: canonicalize: %w", err)
	}
	delete(asMap, "signature")

	canon, err := json.Marshal(asMap)
	if err != nil {
		return nil, fmt.Errorf("capsule: marshal canonical form: %w", err)
	}
	return canon, nil
}

// Fingerprint returns the hex sha256 digest of c's canonical, signature-
// stripped JSON. Two capsules with the same fingerprint are adoption-
// equivalent regardless of signature bytes.
func Fingerprint(c model.GatingCapsule) (string, error) {
	canon, err := canonicalize(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Sign returns an ed25519 signature over c's canonical JSON, base64-encoded
// as c.Signature carries it. Used by capsulecli test fixtures, not by
// the guard's admission path.
func Sign(c model.GatingCapsule, priv ed25519.PrivateKey) (string, error) {
	canon, err := canonicalize(c)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, canon)
	return encodeSig(sig), nil
}

// Verify checks c.Signature against pub over c's canonical JSON.
func Verify(c model.GatingCapsule, pub ed25519.PublicKey) error {
	if c.Signature == "" {
		return errors.New("capsule: missing signature")
	}
	sig, err := decodeSig(c.Signature)
	if err != nil {
		return fmt.Errorf("capsule: decode signature: %w", err)
	}
	canon, err := canonicalize(c)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, canon, sig) {
		return errors.New("capsule: signature verification failed")
	}
	return nil
}
