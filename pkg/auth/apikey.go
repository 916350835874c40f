package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyConfig holds API key configuration.
type APIKeyConfig struct {
	Keys []APIKey `yaml:"keys"`
}

// APIKey represents an API key entry. Exactly one of Key and Hash is set;
// Hash is a bcrypt hash of the key value.
type APIKey struct {
	Name        string   `yaml:"name"`
	Key         string   `yaml:"key"`  // #nosec G117 -- operator-supplied credential
	Hash        string   `yaml:"hash"` // bcrypt
	Roles       []string `yaml:"roles"`
	Participant string   `yaml:"participant"`
}

// HashAPIKey returns the bcrypt hash to store in APIKey.Hash.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(h), nil
}

// APIKeyAuthenticator authenticates using API keys.
type APIKeyAuthenticator struct {
	mu     sync.RWMutex
	plain  map[string]*APIKey
	hashed []*APIKey
}

// NewAPIKeyAuthenticator creates a new API key authenticator.
func NewAPIKeyAuthenticator(cfg APIKeyConfig) (*APIKeyAuthenticator, error) {
	a := &APIKeyAuthenticator{plain: make(map[string]*APIKey)}
	for _, k := range cfg.Keys {
		if err := a.AddKey(k); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// AddKey adds an API key at runtime.
func (a *APIKeyAuthenticator) AddKey(key APIKey) error {
	if key.Name == "" {
		return errors.New("api key name is required")
	}
	if (key.Key == "") == (key.Hash == "") {
		return fmt.Errorf("api key %s: exactly one of key and hash is required", key.Name)
	}
	if key.Hash != "" {
		if _, err := bcrypt.Cost([]byte(key.Hash)); err != nil {
			return fmt.Errorf("api key %s: invalid bcrypt hash: %w", key.Name, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if key.Hash != "" {
		a.hashed = append(a.hashed, &key)
		return nil
	}
	a.plain[key.Key] = &key
	return nil
}

// RemoveKey removes an API key by name.
func (a *APIKeyAuthenticator) RemoveKey(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range a.plain {
		if v.Name == name {
			delete(a.plain, k)
		}
	}
	kept := a.hashed[:0]
	for _, v := range a.hashed {
		if v.Name != name {
			kept = append(kept, v)
		}
	}
	a.hashed = kept
}

// Authenticate validates the API key in ctx.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, errors.New("no API key found in context")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	// Constant-time comparison against plain keys.
	var matched *APIKey
	for k, v := range a.plain {
		if subtle.ConstantTimeCompare([]byte(k), []byte(token)) == 1 {
			matched = v
			break
		}
	}
	if matched == nil {
		for _, v := range a.hashed {
			if bcrypt.CompareHashAndPassword([]byte(v.Hash), []byte(token)) == nil {
				matched = v
				break
			}
		}
	}
	if matched == nil {
		return nil, errors.New("invalid API key")
	}

	return &Principal{
		Subject:     "apikey:" + matched.Name,
		Roles:       matched.Roles,
		Participant: matched.Participant,
		AuthType:    AuthTypeAPIKey,
	}, nil
}

// Verify interface compliance.
var _ Authenticator = (*APIKeyAuthenticator)(nil)
