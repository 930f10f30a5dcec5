package msauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"comebearing.dev/internal/tablestore"
	"comebearing.dev/internal/tokencache"
)

const testIssuer = "https://login.example.test/tenant-1/v2.0"

// issuerKeys holds a signing key plus the matching validation Keyfunc.
type issuerKeys struct {
	private *rsa.PrivateKey
	keyfunc jwt.Keyfunc
}

func newIssuerKeys(t *testing.T) issuerKeys {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	jwks := fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":"k1","use":"sig","alg":"RS256","n":%q,"e":"AQAB"}]}`,
		base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()))
	parsed, err := keyfunc.NewJSON(json.RawMessage(jwks))
	if err != nil {
		t.Fatalf("parse JWKS: %v", err)
	}
	return issuerKeys{private: key, keyfunc: parsed.Keyfunc}
}

func (k issuerKeys) mintIDToken(t *testing.T, oid, tid, upn string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":                testIssuer,
		"sub":                oid,
		"oid":                oid,
		"tid":                tid,
		"preferred_username": upn,
		"exp":                time.Now().Add(time.Hour).Unix(),
		"iat":                time.Now().Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(k.private)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

// tokenServer fakes the issuer token endpoint.
type tokenServer struct {
	srv      *httptest.Server
	keys     issuerKeys
	calls    atomic.Int64
	failWith string // when set, respond 400 with this error code
}

func newTokenServer(t *testing.T, keys issuerKeys) *tokenServer {
	t.Helper()
	ts := &tokenServer{keys: keys}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if ts.failWith != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": ts.failWith})
			return
		}
		grant := r.Form.Get("grant_type")
		resp := map[string]any{
			"access_token":  "access-" + grant + "-" + fmt.Sprint(ts.calls.Load()),
			"refresh_token": "refresh-" + fmt.Sprint(ts.calls.Load()),
			"expires_in":    3600,
		}
		if grant == "authorization_code" {
			resp["id_token"] = keys.mintIDToken(t, "obj1", "tenant-1", "a@x.com")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func testConfig(keys issuerKeys, tokenURL string) Config {
	return Config{
		ClientID:          "client-1",
		ClientSecret:      "secret",
		TenantID:          "tenant-1",
		RedirectURI:       "https://localhost/auth/end",
		AuthorizeEndpoint: "https://login.example.test/tenant-1/authorize",
		TokenEndpoint:     tokenURL,
		Issuer:            testIssuer,
		Scopes:            []string{"offline_access", "Presence.Read"},
		Keyfunc:           keys.keyfunc,
	}
}

func TestAuthCodeURL(t *testing.T) {
	keys := newIssuerKeys(t)
	c := NewClient(testConfig(keys, "unused"), nil)
	u := c.AuthCodeURL("st-1")
	for _, want := range []string{
		"client_id=client-1",
		"response_type=code",
		"response_mode=form_post",
		"scope=offline_access+Presence.Read",
		"state=st-1",
	} {
		if !strings.Contains(u, want) {
			t.Fatalf("auth URL missing %q: %s", want, u)
		}
	}
}

func TestAcquireTokenByAuthCodeResolvesAccount(t *testing.T) {
	keys := newIssuerKeys(t)
	ts := newTokenServer(t, keys)
	store := tablestore.NewInMemory()
	accessor, err := tokencache.New(store, "client-1", "g1.transient")
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient(testConfig(keys, ts.srv.URL), accessor)

	tok, err := c.AcquireTokenByAuthCode(context.Background(), "code-1")
	if err != nil {
		t.Fatal(err)
	}
	if tok.Account.UPN != "a@x.com" || tok.Account.ObjectID != "obj1" || tok.Account.TenantID != "tenant-1" {
		t.Fatalf("unexpected account: %+v", tok.Account)
	}
	if tok.Account.HomeAccountID != "obj1.tenant-1" {
		t.Fatalf("unexpected home account id: %s", tok.Account.HomeAccountID)
	}

	// The exchange changed cache state, so a blob must now exist under the
	// transient key.
	if _, err := store.Retrieve(context.Background(), "client-1", "g1.transient"); err != nil {
		t.Fatalf("expected persisted cache blob: %v", err)
	}
}

func TestSilentServesCachedTokenWithoutNetwork(t *testing.T) {
	keys := newIssuerKeys(t)
	ts := newTokenServer(t, keys)
	store := tablestore.NewInMemory()
	accessor, _ := tokencache.New(store, "client-1", "obj1.tenant-1")
	c := NewClient(testConfig(keys, ts.srv.URL), accessor)

	if _, err := c.AcquireTokenByAuthCode(context.Background(), "code-1"); err != nil {
		t.Fatal(err)
	}
	calls := ts.calls.Load()

	// A fresh client instance for the same identity restores the cache from
	// the store and serves the still-valid token silently.
	c2 := NewClient(testConfig(keys, ts.srv.URL), accessor)
	tok, err := c2.AcquireTokenSilent(context.Background(), "a@x.com")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken == "" || tok.Account.ObjectID != "obj1" {
		t.Fatalf("unexpected token: %+v", tok)
	}
	if ts.calls.Load() != calls {
		t.Fatalf("silent acquisition hit the network: %d -> %d", calls, ts.calls.Load())
	}
}

func TestSilentRefreshesExpiredToken(t *testing.T) {
	keys := newIssuerKeys(t)
	ts := newTokenServer(t, keys)
	store := tablestore.NewInMemory()
	accessor, _ := tokencache.New(store, "client-1", "obj1.tenant-1")

	// Seed the persisted blob with an expired access token and a refresh token.
	seed := newMemoryCache()
	seed.put(Account{
		HomeAccountID: "obj1.tenant-1", ObjectID: "obj1", UPN: "a@x.com", TenantID: "tenant-1",
	}, "stale", time.Now().Add(-time.Minute), "refresh-seed")
	if err := accessor.AfterAccess(context.Background(), &tokencache.Event{
		ClientID: "client-1", StateChanged: true, Cache: seed,
	}); err != nil {
		t.Fatal(err)
	}

	c := NewClient(testConfig(keys, ts.srv.URL), accessor)
	tok, err := c.AcquireTokenSilent(context.Background(), "obj1.tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken == "stale" {
		t.Fatal("expired token was served instead of refreshed")
	}
	if ts.calls.Load() != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", ts.calls.Load())
	}
}

func TestSilentUnknownAccountNeedsInteraction(t *testing.T) {
	keys := newIssuerKeys(t)
	ts := newTokenServer(t, keys)
	store := tablestore.NewInMemory()
	accessor, _ := tokencache.New(store, "client-1", "nobody")
	c := NewClient(testConfig(keys, ts.srv.URL), accessor)

	_, err := c.AcquireTokenSilent(context.Background(), "nobody")
	if !errors.Is(err, ErrInteractionRequired) {
		t.Fatalf("expected ErrInteractionRequired, got %v", err)
	}
}

func TestSilentInvalidGrantNeedsInteraction(t *testing.T) {
	keys := newIssuerKeys(t)
	ts := newTokenServer(t, keys)
	store := tablestore.NewInMemory()
	accessor, _ := tokencache.New(store, "client-1", "obj1.tenant-1")

	seed := newMemoryCache()
	seed.put(Account{HomeAccountID: "obj1.tenant-1", ObjectID: "obj1", UPN: "a@x.com", TenantID: "tenant-1"},
		"stale", time.Now().Add(-time.Minute), "revoked-refresh")
	_ = accessor.AfterAccess(context.Background(), &tokencache.Event{
		ClientID: "client-1", StateChanged: true, Cache: seed,
	})
	ts.failWith = "invalid_grant"

	c := NewClient(testConfig(keys, ts.srv.URL), accessor)
	_, err := c.AcquireTokenSilent(context.Background(), "a@x.com")
	if !errors.Is(err, ErrInteractionRequired) {
		t.Fatalf("expected ErrInteractionRequired, got %v", err)
	}
}

func TestTransientMigrationCarriesCache(t *testing.T) {
	keys := newIssuerKeys(t)
	ts := newTokenServer(t, keys)
	store := tablestore.NewInMemory()
	f := NewFactory(testConfig(keys, ts.srv.URL), store)

	client, transientID, err := f.WithTransientIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if !IsTransient(transientID) {
		t.Fatalf("expected transient key, got %q", transientID)
	}

	tok, err := client.AcquireTokenByAuthCode(context.Background(), "code-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.SwitchTransientKeyToActual(context.Background(), transientID, tok.Account.HomeAccountID); err != nil {
		t.Fatal(err)
	}

	// Credential operations keyed by the actual id now see the migrated cache:
	// silent acquisition succeeds with no further network traffic.
	calls := ts.calls.Load()
	migrated, err := f.ForIdentifier(tok.Account.HomeAccountID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := migrated.AcquireTokenSilent(context.Background(), tok.Account.HomeAccountID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != tok.AccessToken {
		t.Fatalf("migrated cache served a different token: %q vs %q", got.AccessToken, tok.AccessToken)
	}
	if ts.calls.Load() != calls {
		t.Fatal("silent acquisition after migration hit the network")
	}
}

func TestFactoryRejectsEmptyIdentifier(t *testing.T) {
	keys := newIssuerKeys(t)
	f := NewFactory(testConfig(keys, "unused"), tablestore.NewInMemory())
	if _, err := f.ForIdentifier(""); !errors.Is(err, tokencache.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
