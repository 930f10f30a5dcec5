package msauth

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"comebearing.dev/internal/tablestore"
	"comebearing.dev/internal/tokencache"
)

// transientSuffix marks cache keys minted before the real account identifier
// is known.
const transientSuffix = ".transient"

// Factory constructs confidential clients pre-wired to per-identity persisted
// token caches. The underlying cache is single-slotted per client instance, so
// every logical identity gets its own client bound to its own blob.
type Factory struct {
	cfg   Config
	store tablestore.Store
}

// NewFactory builds a factory over the given blob store.
func NewFactory(cfg Config, store tablestore.Store) *Factory {
	return &Factory{cfg: cfg, store: store}
}

// ForIdentifier returns a client whose cache is keyed by the given stable
// identifier (a home account id or UPN row key).
func (f *Factory) ForIdentifier(identifier string) (*Client, error) {
	accessor, err := tokencache.New(f.store, f.cfg.ClientID, identifier)
	if err != nil {
		return nil, err
	}
	return NewClient(f.cfg, accessor), nil
}

// WithTransientIdentity returns a client keyed by a freshly minted throwaway
// identifier, usable until the authorization-code exchange resolves the real
// account. The transient key is returned so the caller can migrate it later.
func (f *Factory) WithTransientIdentity() (*Client, string, error) {
	transientID := uuid.NewString() + transientSuffix
	client, err := f.ForIdentifier(transientID)
	if err != nil {
		return nil, "", err
	}
	return client, transientID, nil
}

// SwitchTransientKeyToActual migrates the cache blob stored under the
// transient key to the resolved account identifier.
func (f *Factory) SwitchTransientKeyToActual(ctx context.Context, transientID, actualID string) error {
	accessor, err := tokencache.New(f.store, f.cfg.ClientID, transientID)
	if err != nil {
		return err
	}
	return accessor.UpdateCacheKey(ctx, f.cfg.ClientID, transientID, actualID)
}

// IsTransient reports whether a cache key is a pre-authentication placeholder.
func IsTransient(key string) bool {
	return strings.HasSuffix(key, transientSuffix)
}
