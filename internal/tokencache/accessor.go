// Package tokencache persists serialized credential-cache state per identity.
// Rows live in the partition named by the OAuth client id; row keys are either
// a stable account identifier or a transient pre-authentication placeholder.
package tokencache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"comebearing.dev/internal/obs"
	"comebearing.dev/internal/tablestore"
)

// ErrNotConfigured indicates an accessor was built or used without a cache
// identity. It must never silently proceed with a wrong key.
var ErrNotConfigured = errors.New("token cache accessor is not configured")

// Cache is the credential library's in-memory token cache as seen by the
// accessor: an opaque byte payload it can snapshot and restore. The payload is
// never interpreted here.
type Cache interface {
	Serialize() ([]byte, error)
	Deserialize(data []byte) error
}

// Event describes one cache access by the credential library.
type Event struct {
	// ClientID is the OAuth client the cache belongs to.
	ClientID string
	// ApplicationCache is true when the access concerns the app-wide cache
	// rather than a user cache.
	ApplicationCache bool
	// StateChanged is set on after-access events whose in-memory cache was
	// modified during the operation.
	StateChanged bool
	// Cache is the in-memory cache being loaded or persisted.
	Cache Cache
}

// CacheAccessor is invoked synchronously by the credential library around
// every cache use.
type CacheAccessor interface {
	BeforeAccess(ctx context.Context, ev *Event) error
	AfterAccess(ctx context.Context, ev *Event) error
}

// blob is the stored payload. TokenData is the base64 of the serialized cache.
type blob struct {
	TokenData string `json:"token_data"`
}

// Accessor stores one identity's cache blob in the table store. A fresh
// Accessor is constructed per credential client, bound to its cache key for
// the client's lifetime.
type Accessor struct {
	store    tablestore.Store
	clientID string
	cacheKey string
}

var _ CacheAccessor = (*Accessor)(nil)

// New binds an accessor to a cache identity. An empty client id or cache key
// fails with ErrNotConfigured.
func New(store tablestore.Store, clientID, cacheKey string) (*Accessor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(cacheKey) == "" {
		return nil, ErrNotConfigured
	}
	return &Accessor{store: store, clientID: clientID, cacheKey: cacheKey}, nil
}

func (a *Accessor) rowKey(ev *Event) string {
	if ev.ApplicationCache {
		return a.clientID
	}
	return a.cacheKey
}

// BeforeAccess restores the persisted blob into the in-memory cache. A missing
// row means first use and leaves the cache empty.
func (a *Accessor) BeforeAccess(ctx context.Context, ev *Event) error {
	if a == nil || a.cacheKey == "" {
		return ErrNotConfigured
	}
	e, err := a.store.Retrieve(ctx, a.clientID, a.rowKey(ev))
	if errors.Is(err, tablestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load token cache: %w", err)
	}
	var b blob
	if err := json.Unmarshal(e.Data, &b); err != nil {
		return fmt.Errorf("decode token cache blob: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(b.TokenData)
	if err != nil {
		return fmt.Errorf("decode token cache payload: %w", err)
	}
	return ev.Cache.Deserialize(raw)
}

// AfterAccess persists the cache only when the library reports a state change.
func (a *Accessor) AfterAccess(ctx context.Context, ev *Event) error {
	if a == nil || a.cacheKey == "" {
		return ErrNotConfigured
	}
	if !ev.StateChanged {
		return nil
	}
	raw, err := ev.Cache.Serialize()
	if err != nil {
		return fmt.Errorf("serialize token cache: %w", err)
	}
	data, err := json.Marshal(blob{TokenData: base64.StdEncoding.EncodeToString(raw)})
	if err != nil {
		return err
	}
	return a.store.Upsert(ctx, tablestore.Entity{
		PartitionKey: a.clientID,
		RowKey:       a.rowKey(ev),
		Data:         data,
	})
}

// UpdateCacheKey migrates a blob from oldKey to newKey within the partition.
// The insert at the destination is strict: an occupied destination fails the
// migration and the old row stays authoritative. The old row is deleted only
// after the insert succeeded, so there is no window where neither key has a
// readable cache.
func (a *Accessor) UpdateCacheKey(ctx context.Context, partition, oldKey, newKey string) error {
	old, err := a.store.Retrieve(ctx, partition, oldKey)
	if err != nil {
		return fmt.Errorf("load cache blob %q: %w", oldKey, err)
	}
	err = a.store.Insert(ctx, tablestore.Entity{
		PartitionKey: partition,
		RowKey:       newKey,
		Data:         old.Data,
	})
	if err != nil {
		return fmt.Errorf("insert cache blob %q: %w", newKey, err)
	}
	if err := a.store.Delete(ctx, partition, oldKey); err != nil {
		// Both keys readable at this point; the stale old row is harmless
		// until the next migration attempt.
		obs.Error("cache key migration left stale source row", map[string]any{
			"partition": partition,
			"old_key":   oldKey,
			"err":       err.Error(),
		})
		return fmt.Errorf("delete cache blob %q: %w", oldKey, err)
	}
	return nil
}
