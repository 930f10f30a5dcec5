package tokencache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"comebearing.dev/internal/tablestore"
)

// fakeCache records the raw bytes handed to it so tests can assert the opaque
// payload travels verbatim.
type fakeCache struct {
	data     []byte
	restored []byte
}

func (c *fakeCache) Serialize() ([]byte, error) { return c.data, nil }

func (c *fakeCache) Deserialize(data []byte) error {
	c.restored = data
	return nil
}

func storedBlob(t *testing.T, payload []byte) []byte {
	t.Helper()
	data, err := json.Marshal(blob{TokenData: base64.StdEncoding.EncodeToString(payload)})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestNewRequiresIdentity(t *testing.T) {
	s := tablestore.NewInMemory()
	if _, err := New(s, "client-1", ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := New(s, "", "acct-1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := New(s, "client-1", "acct-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBeforeAccessFirstUseLeavesCacheEmpty(t *testing.T) {
	s := tablestore.NewInMemory()
	a, _ := New(s, "client-1", "acct-1")
	cache := &fakeCache{}
	if err := a.BeforeAccess(context.Background(), &Event{ClientID: "client-1", Cache: cache}); err != nil {
		t.Fatal(err)
	}
	if cache.restored != nil {
		t.Fatalf("expected empty cache on first use, restored %q", cache.restored)
	}
}

func TestBeforeAccessRestoresBlob(t *testing.T) {
	s := tablestore.NewInMemory()
	ctx := context.Background()
	_ = s.Upsert(ctx, tablestore.Entity{
		PartitionKey: "client-1",
		RowKey:       "acct-1",
		Data:         storedBlob(t, []byte("opaque-msal-state")),
	})

	a, _ := New(s, "client-1", "acct-1")
	cache := &fakeCache{}
	if err := a.BeforeAccess(ctx, &Event{ClientID: "client-1", Cache: cache}); err != nil {
		t.Fatal(err)
	}
	if string(cache.restored) != "opaque-msal-state" {
		t.Fatalf("restored %q", cache.restored)
	}
}

func TestBeforeAccessApplicationCacheUsesClientKey(t *testing.T) {
	s := tablestore.NewInMemory()
	ctx := context.Background()
	_ = s.Upsert(ctx, tablestore.Entity{
		PartitionKey: "client-1",
		RowKey:       "client-1",
		Data:         storedBlob(t, []byte("app-wide")),
	})

	a, _ := New(s, "client-1", "acct-1")
	cache := &fakeCache{}
	ev := &Event{ClientID: "client-1", ApplicationCache: true, Cache: cache}
	if err := a.BeforeAccess(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if string(cache.restored) != "app-wide" {
		t.Fatalf("restored %q", cache.restored)
	}
}

func TestAfterAccessOnlyWritesOnStateChange(t *testing.T) {
	s := tablestore.NewInMemory()
	ctx := context.Background()
	a, _ := New(s, "client-1", "acct-1")
	cache := &fakeCache{data: []byte("state-v1")}

	if err := a.AfterAccess(ctx, &Event{ClientID: "client-1", Cache: cache}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Retrieve(ctx, "client-1", "acct-1"); !errors.Is(err, tablestore.ErrNotFound) {
		t.Fatal("unchanged cache must not be written")
	}

	ev := &Event{ClientID: "client-1", StateChanged: true, Cache: cache}
	if err := a.AfterAccess(ctx, ev); err != nil {
		t.Fatal(err)
	}
	e, err := s.Retrieve(ctx, "client-1", "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	var b blob
	if err := json.Unmarshal(e.Data, &b); err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.StdEncoding.DecodeString(b.TokenData)
	if string(raw) != "state-v1" {
		t.Fatalf("stored payload %q", raw)
	}
}

func TestNilAccessorFailsClosed(t *testing.T) {
	var a *Accessor
	if err := a.BeforeAccess(context.Background(), &Event{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := a.AfterAccess(context.Background(), &Event{StateChanged: true}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestUpdateCacheKeyMovesBlob(t *testing.T) {
	s := tablestore.NewInMemory()
	ctx := context.Background()
	payload := storedBlob(t, []byte("cached-tokens"))
	_ = s.Upsert(ctx, tablestore.Entity{PartitionKey: "client-1", RowKey: "g1.transient", Data: payload})

	a, _ := New(s, "client-1", "g1.transient")
	if err := a.UpdateCacheKey(ctx, "client-1", "g1.transient", "acct-123"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Retrieve(ctx, "client-1", "g1.transient"); !errors.Is(err, tablestore.ErrNotFound) {
		t.Fatal("old key must be gone after migration")
	}
	moved, err := s.Retrieve(ctx, "client-1", "acct-123")
	if err != nil {
		t.Fatal(err)
	}
	if string(moved.Data) != string(payload) {
		t.Fatal("payload must move verbatim")
	}
}

func TestUpdateCacheKeyMissingSourceFails(t *testing.T) {
	s := tablestore.NewInMemory()
	a, _ := New(s, "client-1", "whatever")
	err := a.UpdateCacheKey(context.Background(), "client-1", "absent", "acct-123")
	if !errors.Is(err, tablestore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateCacheKeyOccupiedDestinationFailsClosed(t *testing.T) {
	s := tablestore.NewInMemory()
	ctx := context.Background()
	oldPayload := storedBlob(t, []byte("transient-state"))
	_ = s.Upsert(ctx, tablestore.Entity{PartitionKey: "client-1", RowKey: "g1.transient", Data: oldPayload})
	_ = s.Upsert(ctx, tablestore.Entity{PartitionKey: "client-1", RowKey: "acct-123", Data: storedBlob(t, []byte("existing"))})

	a, _ := New(s, "client-1", "g1.transient")
	err := a.UpdateCacheKey(ctx, "client-1", "g1.transient", "acct-123")
	if !errors.Is(err, tablestore.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	// Old row intact, destination not clobbered.
	old, err := s.Retrieve(ctx, "client-1", "g1.transient")
	if err != nil || string(old.Data) != string(oldPayload) {
		t.Fatalf("old row changed: %v %s", err, old.Data)
	}
	dst, _ := s.Retrieve(ctx, "client-1", "acct-123")
	var b blob
	_ = json.Unmarshal(dst.Data, &b)
	raw, _ := base64.StdEncoding.DecodeString(b.TokenData)
	if string(raw) != "existing" {
		t.Fatalf("destination clobbered: %q", raw)
	}
}
