// Package vault persists the search profile encrypted at rest.
//
// Two artifacts live on disk: a raw 32-byte key file, generated on first use
// and never rotated, and a JSON config file holding {"data": "<ciphertext>"}.
// The ciphertext is XChaCha20-Poly1305 over the JSON-encoded profile.Config,
// base64 encoded with the random nonce prepended. A config file without the
// "data" envelope is a legacy plaintext profile and is read as-is.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/JakeFAU/appointment-finder/internal/profile"
)

// KeySize is the length of the key artifact in bytes.
const KeySize = chacha20poly1305.KeySize

var additionalData = []byte("appointment-finder/profile/v1")

// Config locates the two artifacts.
type Config struct {
	KeyPath    string `mapstructure:"key_path"`
	ConfigPath string `mapstructure:"config_path"`
}

// Reporter receives user-facing failure messages.
type Reporter interface {
	Append(text string)
}

// Store reads and writes the encrypted profile. Methods are safe for
// concurrent use.
type Store struct {
	mu         sync.Mutex
	keyPath    string
	configPath string
	events     Reporter
	logger     *zap.Logger
}

type envelope struct {
	Data string `json:"data"`
}

// New validates cfg and returns a Store. No files are touched until first use.
func New(cfg Config, events Reporter, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.KeyPath) == "" {
		return nil, errors.New("vault key path is required")
	}
	if strings.TrimSpace(cfg.ConfigPath) == "" {
		return nil, errors.New("vault config path is required")
	}
	if filepath.Clean(cfg.KeyPath) == filepath.Clean(cfg.ConfigPath) {
		return nil, errors.New("vault key and config paths must differ")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		keyPath:    cfg.KeyPath,
		configPath: cfg.ConfigPath,
		events:     events,
		logger:     logger,
	}, nil
}

// EnsureKey returns the persisted key, generating and writing one if none exists.
func (s *Store) EnsureKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureKey()
}

func (s *Store) ensureKey() ([]byte, error) {
	key, err := os.ReadFile(s.keyPath)
	switch {
	case err == nil:
		if len(key) != KeySize {
			return nil, fmt.Errorf("key file %s holds %d bytes, want %d", s.keyPath, len(key), KeySize)
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := writeFileAtomic(s.keyPath, key); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	s.logger.Info("generated new profile key", zap.String("path", s.keyPath))
	return key, nil
}

// Save encrypts cfg and replaces the config artifact. Readers never observe a
// partially written file.
func (s *Store) Save(cfg profile.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.ensureKey()
	if err != nil {
		return err
	}
	plain, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	sealed, err := seal(key, plain)
	if err != nil {
		return err
	}
	body, err := json.Marshal(envelope{Data: sealed})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := writeFileAtomic(s.configPath, body); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	s.logger.Debug("profile saved", zap.String("path", s.configPath))
	return nil
}

// Load restores the saved profile. The boolean is false when nothing usable is
// stored. Load never fails: decode and decrypt problems are reported through
// the logger and the event log, and an empty result is returned so the caller
// can carry on with a blank profile.
func (s *Store) Load() (profile.Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.ensureKey()
	if err != nil {
		return s.fail(err)
	}
	raw, err := os.ReadFile(s.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return profile.Config{}, false
	}
	if err != nil {
		return s.fail(fmt.Errorf("read config file: %w", err))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return s.fail(fmt.Errorf("decode config file: %w", err))
	}
	data, encrypted := fields["data"]
	if !encrypted {
		cfg, err := decodeLegacy(raw, fields)
		if err != nil {
			return s.fail(err)
		}
		s.logger.Info("loaded legacy plaintext profile", zap.String("path", s.configPath))
		return cfg, true
	}

	var sealed string
	if err := json.Unmarshal(data, &sealed); err != nil {
		return s.fail(fmt.Errorf("decode envelope: %w", err))
	}
	plain, err := open(key, sealed)
	if err != nil {
		return s.fail(err)
	}
	var cfg profile.Config
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return s.fail(fmt.Errorf("decode profile: %w", err))
	}
	return cfg, true
}

// Clear removes the config artifact. The key is kept.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.configPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove config file: %w", err)
	}
	return nil
}

func (s *Store) fail(err error) (profile.Config, bool) {
	s.logger.Error("load profile failed", zap.String("path", s.configPath), zap.Error(err))
	if s.events != nil {
		s.events.Append(fmt.Sprintf("Error loading config: %v", err))
	}
	return profile.Config{}, false
}

// decodeLegacy accepts both the nested {"personal_info": {...}} shape and a
// bare personal-info object. Legacy files that predate the site flags search
// RVSQ only.
func decodeLegacy(raw []byte, fields map[string]json.RawMessage) (profile.Config, error) {
	var cfg profile.Config
	cfg.PersonalInfo.RVSQEnabled = true
	if _, nested := fields["personal_info"]; nested {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return profile.Config{}, fmt.Errorf("decode legacy profile: %w", err)
		}
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg.PersonalInfo); err != nil {
		return profile.Config{}, fmt.Errorf("decode legacy profile: %w", err)
	}
	return cfg, nil
}

func seal(key, plain []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plain, additionalData)
	return base64.StdEncoding.EncodeToString(out), nil
}

func open(key []byte, sealed string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, additionalData)
	if err != nil {
		return nil, fmt.Errorf("decrypt profile: %w", err)
	}
	return plain, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename has succeeded.
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
