// Package tokens mints and verifies access tokens and generates the opaque
// refresh values that accompany them. Signing keys live in a keyring file so
// they can be rotated without restarting the service: new tokens are signed
// with the active key, old tokens verify against any key still in the ring.
package tokens

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// minSecretLen rejects keyring secrets too short for HMAC-SHA256.
const minSecretLen = 32

// Keyring holds the HMAC signing keys by key id. The file it was loaded
// from can be watched for changes, which is how rotation reaches running
// pods (Kubernetes secret mounts update in place).
type Keyring struct {
	path string

	mu     sync.RWMutex
	active string
	keys   map[string][]byte

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// keyringFile is the on-disk format: base64 secrets keyed by kid, plus the
// kid new tokens are signed with.
type keyringFile struct {
	Active string            `json:"active"`
	Keys   map[string]string `json:"keys"`
}

// LoadKeyring reads and validates a keyring file.
func LoadKeyring(path string) (*Keyring, error) {
	k := &Keyring{path: path}
	if err := k.reload(); err != nil {
		return nil, err
	}
	return k, nil
}

// NewStaticKeyring wraps a single fixed secret. Used in development and
// tests where file rotation is not in play.
func NewStaticKeyring(kid string, secret []byte) *Keyring {
	return &Keyring{
		active: kid,
		keys:   map[string][]byte{kid: secret},
	}
}

// Active returns the kid and secret new tokens are signed with.
func (k *Keyring) Active() (string, []byte) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active, k.keys[k.active]
}

// Lookup returns the secret for a kid, if the ring still holds it.
func (k *Keyring) Lookup(kid string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	secret, ok := k.keys[kid]
	return secret, ok
}

// Kids returns the key ids currently in the ring.
func (k *Keyring) Kids() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	kids := make([]string, 0, len(k.keys))
	for kid := range k.keys {
		kids = append(kids, kid)
	}
	return kids
}

func (k *Keyring) reload() error {
	raw, err := os.ReadFile(k.path)
	if err != nil {
		return fmt.Errorf("failed to read keyring: %w", err)
	}
	var file keyringFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse keyring: %w", err)
	}
	if len(file.Keys) == 0 {
		return errors.New("keyring holds no keys")
	}
	if _, ok := file.Keys[file.Active]; !ok {
		return fmt.Errorf("active kid %q not present in keyring", file.Active)
	}

	keys := make(map[string][]byte, len(file.Keys))
	for kid, encoded := range file.Keys {
		secret, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("key %q is not valid base64: %w", kid, err)
		}
		if len(secret) < minSecretLen {
			return fmt.Errorf("key %q is shorter than %d bytes", kid, minSecretLen)
		}
		keys[kid] = secret
	}

	k.mu.Lock()
	k.active = file.Active
	k.keys = keys
	k.mu.Unlock()
	return nil
}

// Watch reloads the ring whenever the file changes. A reload that fails
// validation is logged and the previous ring stays in effect, so a bad push
// never drops verification keys from running pods.
func (k *Keyring) Watch() error {
	if k.path == "" {
		return errors.New("static keyring cannot be watched")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: secret mounts and editors replace the file
	// rather than writing it in place.
	if err := watcher.Add(filepath.Dir(k.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch keyring directory: %w", err)
	}
	k.watcher = watcher
	k.done = make(chan struct{})

	go func() {
		defer close(k.done)
		target := filepath.Base(k.path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := k.reload(); err != nil {
					slog.Error("Keyring reload failed, keeping previous keys", "path", k.path, "error", err)
					continue
				}
				active, _ := k.Active()
				slog.Info("Keyring reloaded", "path", k.path, "active_kid", active, "keys", len(k.Kids()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Keyring watcher error", "path", k.path, "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if one was started.
func (k *Keyring) Close() error {
	if k.watcher == nil {
		return nil
	}
	err := k.watcher.Close()
	<-k.done
	return err
}

// KeyringFromEnv builds the keyring the auth service signs with.
// AUTH_KEYRING_FILE selects a watched file ring; AUTH_JWT_SECRET is the
// single-key fallback for development.
func KeyringFromEnv() (*Keyring, error) {
	if path := os.Getenv("AUTH_KEYRING_FILE"); path != "" {
		ring, err := LoadKeyring(path)
		if err != nil {
			return nil, err
		}
		if err := ring.Watch(); err != nil {
			slog.Warn("Keyring hot reload unavailable", "path", path, "error", err)
		}
		return ring, nil
	}

	secret := os.Getenv("AUTH_JWT_SECRET")
	if secret == "" {
		return nil, errors.New("AUTH_KEYRING_FILE or AUTH_JWT_SECRET must be set")
	}
	if len(secret) < minSecretLen {
		slog.Warn("AUTH_JWT_SECRET is shorter than recommended", "bytes", len(secret), "recommended", minSecretLen)
	}
	kid := os.Getenv("AUTH_JWT_KID")
	if kid == "" {
		kid = "static"
	}
	return NewStaticKeyring(kid, []byte(secret)), nil
}
