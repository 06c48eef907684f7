package auth

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/99designs/keyring"
)

const (
	ServiceName = "duckask"
	KeyAPIKey   = "ai_api_key"
)

var ErrNoAPIKey = errors.New("no api key configured")

// Source names where a resolved API key came from.
type Source string

const (
	SourceNone    Source = ""
	SourceConfig  Source = "config"
	SourceKeyring Source = "keyring"
)

// Store keeps the model API key in the OS credential store.
type Store struct {
	mu   sync.RWMutex
	ring keyring.Keyring
}

func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Open opens the platform keyring for serviceName using native backends only.
func Open(serviceName string) (*Store, error) {
	if strings.TrimSpace(serviceName) == "" {
		serviceName = ServiceName
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              serviceName,
		AllowedBackends:          allowedBackends(),
		KeychainTrustApplication: true,
		LibSecretCollectionName:  serviceName,
		KWalletAppID:             serviceName,
		KWalletFolder:            serviceName,
		WinCredPrefix:            serviceName,
		PassPrefix:               serviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return NewStore(ring), nil
}

func allowedBackends() []keyring.BackendType {
	switch runtime.GOOS {
	case "darwin":
		return []keyring.BackendType{keyring.KeychainBackend, keyring.PassBackend}
	case "windows":
		return []keyring.BackendType{keyring.WinCredBackend}
	default:
		return []keyring.BackendType{keyring.SecretServiceBackend, keyring.KWalletBackend, keyring.PassBackend}
	}
}

func (s *Store) APIKey() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, err := s.ring.Get(KeyAPIKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", ErrNoAPIKey
		}
		return "", fmt.Errorf("read api key: %w", err)
	}
	key := strings.TrimSpace(string(item.Data))
	if key == "" {
		return "", ErrNoAPIKey
	}
	return key, nil
}

func (s *Store) SetAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("api key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ring.Set(keyring.Item{
		Key:         KeyAPIKey,
		Data:        []byte(key),
		Label:       "duckask model API key",
		Description: "API key for the OpenAI-compatible endpoint used by duckask",
	}); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	return nil
}

// DeleteAPIKey removes the stored key. Removing a missing key is not an error.
func (s *Store) DeleteAPIKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ring.Remove(KeyAPIKey); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("remove api key: %w", err)
	}
	return nil
}

type KeySource interface {
	APIKey() (string, error)
}

// ResolveAPIKey prefers an explicitly configured key and falls back to the
// keyring. A nil store or a missing keyring entry yields ErrNoAPIKey.
func ResolveAPIKey(configured string, store KeySource) (string, Source, error) {
	if key := strings.TrimSpace(configured); key != "" {
		return key, SourceConfig, nil
	}
	if store == nil {
		return "", SourceNone, ErrNoAPIKey
	}
	key, err := store.APIKey()
	if err != nil {
		return "", SourceNone, err
	}
	return key, SourceKeyring, nil
}

// MaskKey keeps a short prefix and the last four characters.
func MaskKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	prefix := key[:3]
	return prefix + "..." + key[len(key)-4:]
}
