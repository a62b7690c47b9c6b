// Package security owns request identities, API key authentication,
// scope checks and per-key rate limits for the HTTP boundary. The
// engine only ever sees an opaque identity key.
package security

import (
	"context"
	"sync"
)

// Scopes understood by the service.
const (
	ScopePredict    = "predict"
	ScopeReadModels = "read_models"
	ScopeAdmin      = "admin"
)

// Identity is the authenticated caller.
type Identity struct {
	APIKey   string
	TenantID string
	scopes   map[string]struct{}
}

// NewIdentity creates an identity with the supplied scopes.
func NewIdentity(apiKey, tenantID string, scopes ...string) Identity {
	scopeSet := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		scopeSet[s] = struct{}{}
	}
	return Identity{APIKey: apiKey, TenantID: tenantID, scopes: scopeSet}
}

// HasScope reports whether the identity carries the scope.
func (id Identity) HasScope(scope string) bool {
	_, ok := id.scopes[scope]
	return ok
}

// KeyStore is an in-memory API key registry. A database backed
// implementation can replace it behind the same methods.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]Identity
}

// NewKeyStore creates an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]Identity)}
}

// NewKeyStoreWithDefaults creates a key store preloaded with the
// development keys.
func NewKeyStoreWithDefaults() *KeyStore {
	ks := NewKeyStore()
	ks.Add(NewIdentity("dev-key", "tenant_dev", ScopePredict, ScopeReadModels))
	ks.Add(NewIdentity("admin-key", "tenant_admin", ScopePredict, ScopeReadModels, ScopeAdmin))
	return ks
}

// Add registers or replaces an identity.
func (ks *KeyStore) Add(id Identity) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[id.APIKey] = id
}

// Authenticate resolves an API key to its identity.
func (ks *KeyStore) Authenticate(apiKey string) (Identity, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	id, ok := ks.keys[apiKey]
	return id, ok
}

type contextKey string

const ctxKeyIdentity = contextKey("security/identity")

// ToContext stores the authenticated identity on the context.
func ToContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// FromContext extracts the authenticated identity, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(Identity)
	return id, ok
}
