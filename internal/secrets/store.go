// Package secrets implements the gateway's Secret Store (C1): an
// encrypted-at-rest record for the app-wide OAuth client registration and
// the AppStatus state machine, keyed by a local device secret.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"

	"github.com/locallm/gateway/internal/domain"
)

// MinKeyLength is the minimum accepted device-secret length for AES-256.
const MinKeyLength = 32

// DeviceSecretEnv is the environment variable that, if set, supplies the
// device secret directly instead of reading/generating the on-disk file.
const DeviceSecretEnv = "GATEWAY_DEVICE_SECRET"

var (
	ErrNotConfigured    = errors.New("secrets: device secret not configured")
	ErrDecryptionFailed = errors.New("secrets: failed to decrypt record")
	ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext format")
)

// record is the single encrypted document persisted to disk: the OAuth
// client registration plus the bootstrap state machine's current value.
type record struct {
	AppReg domain.AppRegInfo `json:"app_reg"`
	Status domain.AppStatus  `json:"status"`
}

// Store is a single-writer, many-reader abstraction over the one encrypted
// record the gateway keeps at rest (spec §5: "The secret store is accessed
// through a single-writer, many-reader abstraction").
type Store struct {
	mu      sync.RWMutex
	encKey  []byte
	hmacKey []byte
	path    string
	cached  *record
}

// deriveKey expands the raw device secret into a purpose-bound 32-byte
// subkey via HKDF-SHA256, so the same on-disk secret never backs two
// cryptographic uses (AES-GCM encryption and HMAC signing) with the same
// key material.
func deriveKey(secret []byte, info string) ([]byte, error) {
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("secrets: derive %s key: %w", info, err)
	}
	return out, nil
}

// Open loads or creates the device secret under dataDir and returns a Store
// bound to dataDir/secret.enc. The record starts at AppStatus "setup" with
// an empty AppRegInfo if no file exists yet.
func Open(dataDir string) (*Store, error) {
	secret, err := loadOrCreateDeviceSecret(dataDir)
	if err != nil {
		return nil, err
	}
	encKey, err := deriveKey(secret, "gateway-secret-store-aes")
	if err != nil {
		return nil, err
	}
	hmacKey, err := deriveKey(secret, "gateway-login-state-hmac")
	if err != nil {
		return nil, err
	}

	s := &Store{encKey: encKey, hmacKey: hmacKey, path: filepath.Join(dataDir, "secret.enc")}

	rec, err := s.load()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &record{Status: domain.AppStatusSetup}
		if err := s.save(rec); err != nil {
			return nil, err
		}
	}
	s.cached = rec
	return s, nil
}

func loadOrCreateDeviceSecret(dataDir string) ([]byte, error) {
	if v := os.Getenv(DeviceSecretEnv); v != "" {
		if len(v) < MinKeyLength {
			return nil, fmt.Errorf("secrets: %s must be at least %d bytes", DeviceSecretEnv, MinKeyLength)
		}
		return []byte(v)[:MinKeyLength], nil
	}

	path := filepath.Join(dataDir, "device_secret")
	if raw, err := os.ReadFile(path); err == nil {
		if len(raw) < MinKeyLength {
			return nil, fmt.Errorf("secrets: device_secret file at %s is shorter than %d bytes", path, MinKeyLength)
		}
		return raw[:MinKeyLength], nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secrets: read device secret: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("secrets: create data dir: %w", err)
	}
	key := make([]byte, MinKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secrets: generate device secret: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("secrets: write device secret: %w", err)
	}
	log.Info().Str("path", path).Msg("secrets: generated new device secret")
	return key, nil
}

func (s *Store) load() (*record, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("secrets: read record: %w", err)
	}
	plaintext, err := s.decrypt(string(raw))
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("secrets: decode record: %w", err)
	}
	return &rec, nil
}

func (s *Store) save(rec *record) error {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("secrets: encode record: %w", err)
	}
	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, []byte(ciphertext), 0o600); err != nil {
		return fmt.Errorf("secrets: write record: %w", err)
	}
	return nil
}

func (s *Store) encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *Store) decrypt(ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode base64: %w", err)
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, body := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// DeviceSecret returns an HMAC-signing subkey derived from this store's
// device secret, independent of the AES key used to encrypt the record on
// disk, for callers that need a machine-local signing key (the login-state
// signer).
func (s *Store) DeviceSecret() []byte {
	out := make([]byte, len(s.hmacKey))
	copy(out, s.hmacKey)
	return out
}

// AppRegInfo returns the currently stored OAuth client registration.
func (s *Store) AppRegInfo() domain.AppRegInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached.AppReg
}

// Status returns the current AppStatus.
func (s *Store) Status() domain.AppStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached.Status
}

// CompleteSetup persists the OAuth client registration and advances
// AppStatus from "setup" to "resource_admin". Returns apperr-shaped
// guidance via a plain error; callers map it to Conflict.
func (s *Store) CompleteSetup(reg domain.AppRegInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached.Status != domain.AppStatusSetup {
		return fmt.Errorf("secrets: setup already completed (status=%s)", s.cached.Status)
	}
	next, _ := s.cached.Status.Next()
	rec := &record{AppReg: reg, Status: next}
	if err := s.save(rec); err != nil {
		return err
	}
	s.cached = rec
	return nil
}

// CompleteResourceAdmin advances AppStatus from "resource_admin" to "ready",
// once the first admin user has logged in and been recognized.
func (s *Store) CompleteResourceAdmin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached.Status != domain.AppStatusResourceAdmin {
		return fmt.Errorf("secrets: cannot transition from %s to ready", s.cached.Status)
	}
	next, _ := s.cached.Status.Next()
	rec := &record{AppReg: s.cached.AppReg, Status: next}
	if err := s.save(rec); err != nil {
		return err
	}
	s.cached = rec
	return nil
}
