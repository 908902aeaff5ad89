package capsule

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentrt/agentd/internal/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

func encodeSig(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

func decodeSig(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// trustFileEntry is one row of the trust store JSON file: an issuer name
// mapped to its base64-encoded ed25519 public key.
type trustFileEntry struct {
	Issuer    string `json:"issuer"`
	PublicKey string `json:"public_key"`
}

// TrustStore holds the ed25519 public keys capsule signatures are verified
// against, keyed by issuer. It can be loaded once from a file or kept live
// with a watcher that reloads on write.
type TrustStore struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey

	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// NewTrustStore returns an empty trust store. Use LoadFile or Put to
// populate it.
func NewTrustStore() *TrustStore {
	return &TrustStore{
		keys:   make(map[string]ed25519.PublicKey),
		logger: log.WithComponent("capsule.trust"),
	}
}

// Put registers pub as the trusted key for issuer, replacing any prior key.
func (t *TrustStore) Put(issuer string, pub ed25519.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[issuer] = pub
}

// Lookup returns the trusted public key for issuer, if any.
func (t *TrustStore) Lookup(issuer string) (ed25519.PublicKey, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pub, ok := t.keys[issuer]
	return pub, ok
}

// LoadFile reads a JSON array of {issuer, public_key} entries from path and
// replaces the store's contents atomically. An absent file is treated as an
// empty trust store, not an error, so a fresh install can start without
// issuers configured.
func (t *TrustStore) LoadFile(path string) error {
	t.path = path
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		t.logger.Info().Str("path", path).Msg("trust store file absent, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("capsule: read trust store: %w", err)
	}

	var entries []trustFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("capsule: parse trust store: %w", err)
	}

	next := make(map[string]ed25519.PublicKey, len(entries))
	for _, e := range entries {
		keyBytes, err := base64.StdEncoding.DecodeString(e.PublicKey)
		if err != nil {
			return fmt.Errorf("capsule: decode public key for issuer %q: %w", e.Issuer, err)
		}
		if len(keyBytes) != ed25519.PublicKeySize {
			return fmt.Errorf("capsule: public key for issuer %q has wrong length", e.Issuer)
		}
		next[e.Issuer] = ed25519.PublicKey(keyBytes)
	}

	t.mu.Lock()
	t.keys = next
	t.mu.Unlock()
	t.logger.Info().Str("path", path).Int("issuers", len(next)).Msg("trust store loaded")
	return nil
}

// Watch starts watching the trust store file's directory and reloads on any
// write/create/rename affecting it, debounced by 300 ms.
// Stops when stop is closed.
func (t *TrustStore) Watch(stop chan struct{}) error {
	if t.path == "" {
		return fmt.Errorf("capsule: Watch called before LoadFile")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("capsule: create trust store watcher: %w", err)
	}
	t.watcher = watcher

	dir := filepath.Dir(t.path)
	file := filepath.Base(t.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("capsule: watch trust store dir: %w", err)
	}

	go t.watchLoop(stop, file)
	return nil
}

func (t *TrustStore) watchLoop(stop chan struct{}, file string) {
	var debounce *time.Timer
	const debounceWindow = 300 * time.Millisecond

	for {
		select {
		case <-stop:
			_ = t.watcher.Close()
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				if err := t.LoadFile(t.path); err != nil {
					t.logger.Error().Err(err).Msg("trust store reload failed, keeping prior keys")
				}
			})
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error().Err(err).Msg("trust store watcher error")
		}
	}
}

// Close stops any active watcher.
func (t *TrustStore) Close() {
	if t.watcher != nil {
		_ = t.watcher.Close()
	}
}
