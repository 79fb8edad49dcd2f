// Package keymanager loads and rotates the RSA signing keys used for RS256
// JWTs. It is an explicit long-lived actor (Start/Stop) with a single
// mutable key-set field guarded by a lock, never an implicit package-level
// singleton.
package keymanager

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/strata/pkg/domain"
)

const (
	keySize       = 2048
	keyLifetime   = 25 * time.Hour
	overlapWindow = 1 * time.Hour
	lockTTL       = 60 * time.Second
	lockKey       = "keymanager:rotation-lock"
	maxRetries    = 3
)

// key is one loaded RSA keypair plus the metadata carried in its PEM headers.
type key struct {
	version   uuid.UUID
	private   *rsa.PrivateKey
	public    *rsa.PublicKey
	createdAt time.Time
	expiresAt time.Time
	isActive  bool
}

func (k key) toDomain() domain.JWTKey {
	return domain.JWTKey{
		Version:   k.version,
		Algorithm: string(jose.RS256),
		CreatedAt: k.createdAt,
		ExpiresAt: k.expiresAt,
		IsActive:  k.isActive,
	}
}

// Manager owns the current keypair and every still-verifiable predecessor.
// Concurrent readers never observe a torn state: the entire key set is
// replaced by a single reference assignment under mu.
type Manager struct {
	dir string

	mu   sync.RWMutex
	keys []key // most recent first; keys[0] is current

	watcher *fsnotify.Watcher
	rdb     *redis.Client

	stop chan struct{}
	done chan struct{}
}

// Bootstrap generates and writes an initial keypair into dir if it is
// empty, so a fresh deployment has something for New to load. It is a
// no-op if dir already contains at least one key.
func Bootstrap(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("keymanager: reading key dir: %w", err)
	}
	if len(entries) > 0 {
		return nil
	}

	k, err := generateKeypair(time.Now())
	if err != nil {
		return err
	}
	return writePrivatePEM(dir, k)
}

// New loads the initial key set from dir (PEM files named
// "<version>.private.pem") and starts a filesystem
// watcher that hot-reloads on modification. Initial load failure is fatal,
// per the design: a Key Manager with no usable key cannot serve.
func New(dir string, rdb *redis.Client) (*Manager, error) {
	m := &Manager{
		dir:  dir,
		rdb:  rdb,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if err := m.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("keymanager: initial load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("keymanager: creating watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("keymanager: watching %s: %w", dir, err)
	}
	m.watcher = watcher

	go m.watchLoop()

	return m, nil
}

// Stop shuts down the filesystem watcher goroutine.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
	_ = m.watcher.Close()
}

func (m *Manager) watchLoop() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Reload the whole directory rather than the single touched
			// file, so the swapped-in key set always reflects every key
			// file present on disk.
			if err := m.loadFromDisk(); err != nil {
				// Invalid PEM on disk: keep serving the previously
				// loaded key set rather than failing open or closed.
				continue
			}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// CurrentPrivate returns the active signing key's private key and version.
func (m *Manager) CurrentPrivate() (*rsa.PrivateKey, uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.keys {
		if k.toDomain().Active(time.Now()) {
			return k.private, k.version, nil
		}
	}
	return nil, uuid.Nil, domain.NewError(domain.KindInternal, "no active signing key loaded")
}

// CurrentPublic returns the active key's public key.
func (m *Manager) CurrentPublic() (*rsa.PublicKey, uuid.UUID, error) {
	priv, version, err := m.CurrentPrivate()
	if err != nil {
		return nil, uuid.Nil, err
	}
	return &priv.PublicKey, version, nil
}

// PublicKeyByVersion returns the public key for a specific version if it is
// still verifiable (not expired), even if no longer active for signing.
// This is how a token minted under the previous key still verifies during
// the overlap window.
func (m *Manager) PublicKeyByVersion(version uuid.UUID) (*rsa.PublicKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	for _, k := range m.keys {
		if k.version == version && k.toDomain().VerifiableAt(now) {
			return k.public, true
		}
	}
	return nil, false
}

// ActivePublicKeys returns every key that is still verifiable right now, so
// callers needing to try "any currently active public key" (spec 4.B) can
// iterate without knowing a version up front.
func (m *Manager) ActivePublicKeys() []domain.JWTKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []domain.JWTKey
	for _, k := range m.keys {
		if k.toDomain().VerifiableAt(now) {
			out = append(out, k.toDomain())
		}
	}
	return out
}

func (m *Manager) loadFromDisk() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("reading key dir: %w", err)
	}

	byVersion := map[uuid.UUID]*key{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case filepath.Ext(name) == ".pem" && hasSuffix(name, ".private.pem"):
			versionStr := name[:len(name)-len(".private.pem")]
			version, err := uuid.Parse(versionStr)
			if err != nil {
				continue
			}
			priv, meta, err := readPrivatePEM(filepath.Join(m.dir, name))
			if err != nil {
				return err
			}
			k := byVersion[version]
			if k == nil {
				k = &key{version: version}
				byVersion[version] = k
			}
			k.private = priv
			k.public = &priv.PublicKey
			k.createdAt = meta.createdAt
			k.expiresAt = meta.expiresAt
			k.isActive = meta.isActive
		}
	}

	if len(byVersion) == 0 {
		return fmt.Errorf("no keys found in %s", m.dir)
	}

	keys := make([]key, 0, len(byVersion))
	for _, k := range byVersion {
		if k.private == nil {
			continue
		}
		keys = append(keys, *k)
	}
	if len(keys) == 0 {
		return fmt.Errorf("no complete keys found in %s", m.dir)
	}

	sortKeysNewestFirst(keys)

	m.mu.Lock()
	m.keys = keys
	m.mu.Unlock()

	return nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func sortKeysNewestFirst(keys []key) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j].createdAt.After(keys[j-1].createdAt); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

type pemMeta struct {
	createdAt time.Time
	expiresAt time.Time
	isActive  bool
}

// readPrivatePEM parses a PKCS#1/PKCS#8 private key PEM. Metadata
// (created_at/expires_at/is_active) is carried in PEM headers written
// alongside the key at generation time.
func readPrivatePEM(path string) (*rsa.PrivateKey, pemMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pemMeta{}, fmt.Errorf("reading %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, pemMeta{}, fmt.Errorf("invalid PEM in %s", path)
	}

	priv, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return nil, pemMeta{}, fmt.Errorf("invalid PEM in %s: %w", path, err)
	}

	meta := pemMeta{}
	if ts, ok := block.Headers["Created-At"]; ok {
		meta.createdAt, _ = time.Parse(time.RFC3339, ts)
	}
	if ts, ok := block.Headers["Expires-At"]; ok {
		meta.expiresAt, _ = time.Parse(time.RFC3339, ts)
	}
	meta.isActive = block.Headers["Is-Active"] == "true"

	return priv, meta, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PKCS8 key is not RSA")
	}
	return rsaKey, nil
}

// writePrivatePEM writes a key's private PEM file with the metadata
// headers loadFromDisk expects.
func writePrivatePEM(dir string, k key) error {
	der := x509.MarshalPKCS1PrivateKey(k.private)
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: der,
		Headers: map[string]string{
			"Created-At": k.createdAt.Format(time.RFC3339),
			"Expires-At": k.expiresAt.Format(time.RFC3339),
			"Is-Active":  boolString(k.isActive),
		},
	}

	tmp := filepath.Join(dir, k.version.String()+".private.pem.tmp")
	if err := os.WriteFile(tmp, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("writing temp private key: %w", err)
	}
	dst := filepath.Join(dir, k.version.String()+".private.pem")
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("renaming private key into place: %w", err)
	}
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// generateKeypair produces a fresh RSA-2048 keypair with the 25h lifetime
// the rotation policy requires.
func generateKeypair(now time.Time) (key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return key{}, fmt.Errorf("generating RSA keypair: %w", err)
	}
	return key{
		version:   uuid.New(),
		private:   priv,
		public:    &priv.PublicKey,
		createdAt: now,
		expiresAt: now.Add(keyLifetime),
		isActive:  true,
	}, nil
}
