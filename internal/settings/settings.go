// Package settings implements the typed, mutable key/value configuration
// store (C1): plain typed settings plus a disjoint encrypted-secret subset
// for per-provider API keys.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	atcrypto "github.com/rakunlabs/ragchat/internal/crypto"
)

// ValueType is the type tag a Setting row carries, per spec section 3/6.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeBoolean ValueType = "boolean"
	TypeInteger ValueType = "integer"
	TypeJSON    ValueType = "json"
)

// Row mirrors the admin_settings persisted schema.
type Row struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Type        ValueType `json:"type"`
	Description string    `json:"description,omitempty"`
}

// Store is the persistence boundary the settings layer writes through.
// Concrete implementations live in internal/sqlstore.
type Store interface {
	GetSetting(ctx context.Context, key string) (*Row, error)
	ListSettings(ctx context.Context) ([]Row, error)
	UpsertSetting(ctx context.Context, row Row) error
	DeleteSetting(ctx context.Context, key string) error
}

// Service is the Settings Store (C1) façade. Reads are cached in-process
// (read-mostly per spec section 5); every write invalidates the cache
// entry it touches.
type Service struct {
	store Store

	// secretKey is derived once from the process secret (SECRET_KEY) via
	// atcrypto.DeriveSecretKey. nil disables the secret subset entirely.
	secretKey []byte

	mu    sync.RWMutex
	cache map[string]Row
}

// New builds a Settings Store. processSecret is the env-sourced SECRET_KEY;
// an empty value disables secret encryption (secrets are stored, and read
// back as empty, per spec's failure policy).
func New(store Store, processSecret string) (*Service, error) {
	s := &Service{store: store, cache: make(map[string]Row)}

	if processSecret != "" {
		key, err := atcrypto.DeriveSecretKey(processSecret)
		if err != nil {
			return nil, fmt.Errorf("derive settings secret key: %w", err)
		}
		s.secretKey = key
	}

	return s, nil
}

func (s *Service) readCached(ctx context.Context, key string) (*Row, error) {
	s.mu.RLock()
	if row, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return &row, nil
	}
	s.mu.RUnlock()

	row, err := s.store.GetSetting(ctx, key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	s.mu.Lock()
	s.cache[key] = *row
	s.mu.Unlock()

	return row, nil
}

func (s *Service) invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

// GetString returns the typed string projection of key, or def if absent
// or of the wrong type.
func (s *Service) GetString(ctx context.Context, key, def string) string {
	row, err := s.readCached(ctx, key)
	if err != nil || row == nil || row.Type != TypeString {
		return def
	}
	return row.Value
}

// GetBool returns the typed boolean projection of key, or def if absent,
// malformed, or of the wrong type.
func (s *Service) GetBool(ctx context.Context, key string, def bool) bool {
	row, err := s.readCached(ctx, key)
	if err != nil || row == nil || row.Type != TypeBoolean {
		return def
	}
	v, err := strconv.ParseBool(row.Value)
	if err != nil {
		return def
	}
	return v
}

// GetInt returns the typed integer projection of key, or def if absent,
// malformed, or of the wrong type.
func (s *Service) GetInt(ctx context.Context, key string, def int) int {
	row, err := s.readCached(ctx, key)
	if err != nil || row == nil || row.Type != TypeInteger {
		return def
	}
	v, err := strconv.Atoi(row.Value)
	if err != nil {
		return def
	}
	return v
}

// GetJSON decodes the typed JSON projection of key into out. Returns false
// if absent, malformed, or of the wrong type; out is left untouched.
func (s *Service) GetJSON(ctx context.Context, key string, out any) bool {
	row, err := s.readCached(ctx, key)
	if err != nil || row == nil || row.Type != TypeJSON {
		return false
	}
	if err := json.Unmarshal([]byte(row.Value), out); err != nil {
		slog.Warn("settings: malformed json value", "key", key, "error", err)
		return false
	}
	return true
}

// Set stores a typed value, canonicalizing it to its string form.
func (s *Service) Set(ctx context.Context, key string, typ ValueType, value any, description string) error {
	canon, err := canonicalize(typ, value)
	if err != nil {
		return fmt.Errorf("canonicalize setting %q: %w", key, err)
	}

	if err := s.store.UpsertSetting(ctx, Row{Key: key, Value: canon, Type: typ, Description: description}); err != nil {
		return err
	}

	s.invalidate(key)
	return nil
}

// GetAll returns every setting row (secrets excluded — those never appear
// in this projection, per spec 4.1: "callers never see raw ciphertext").
func (s *Service) GetAll(ctx context.Context) ([]Row, error) {
	return s.store.ListSettings(ctx)
}

func canonicalize(typ ValueType, value any) (string, error) {
	switch typ {
	case TypeString:
		v, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("expected string, got %T", value)
		}
		return v, nil
	case TypeBoolean:
		v, ok := value.(bool)
		if !ok {
			return "", fmt.Errorf("expected bool, got %T", value)
		}
		return strconv.FormatBool(v), nil
	case TypeInteger:
		switch v := value.(type) {
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		default:
			return "", fmt.Errorf("expected int, got %T", value)
		}
	case TypeJSON:
		b, err := json.Marshal(value)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unknown setting type %q", typ)
	}
}

// ─── Secret subset ───

func secretKeyName(provider string) string {
	return "secret_" + provider
}

// GetSecret returns the decrypted plaintext secret for provider, or "" if
// absent or on decrypt failure (logged, never surfaced to the caller).
func (s *Service) GetSecret(ctx context.Context, provider string) string {
	if s.secretKey == nil {
		return ""
	}

	row, err := s.store.GetSetting(ctx, secretKeyName(provider))
	if err != nil || row == nil || row.Value == "" {
		return ""
	}

	plain, err := atcrypto.Decrypt(row.Value, s.secretKey)
	if err != nil {
		slog.Error("settings: secret decrypt failed", "provider", provider, "error", err)
		return ""
	}
	return plain
}

// HasSecret reports whether a non-empty secret is stored for provider.
func (s *Service) HasSecret(ctx context.Context, provider string) bool {
	return s.GetSecret(ctx, provider) != ""
}

// SetSecret stores plaintext encrypted under the derived settings key.
// An empty plaintext deletes the stored secret.
func (s *Service) SetSecret(ctx context.Context, provider, plaintext string) error {
	if plaintext == "" {
		return s.store.DeleteSetting(ctx, secretKeyName(provider))
	}

	if s.secretKey == nil {
		return fmt.Errorf("secret store disabled: no process secret configured")
	}

	enc, err := atcrypto.Encrypt(plaintext, s.secretKey)
	if err != nil {
		return fmt.Errorf("encrypt secret for %q: %w", provider, err)
	}

	return s.store.UpsertSetting(ctx, Row{
		Key:         secretKeyName(provider),
		Value:       enc,
		Type:        TypeString,
		Description: fmt.Sprintf("encrypted API key for provider %q", provider),
	})
}

// MaskedSecret returns prefix + "…" when a secret is stored, or "" if empty.
// prefix is taken from the first shownPrefix characters of the plaintext.
func (s *Service) MaskedSecret(ctx context.Context, provider string, shownPrefix int) string {
	plain := s.GetSecret(ctx, provider)
	if plain == "" {
		return ""
	}
	if shownPrefix > len(plain) {
		shownPrefix = len(plain)
	}
	return plain[:shownPrefix] + "…"
}
