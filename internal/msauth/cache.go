package msauth

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"comebearing.dev/internal/tokencache"
)

// Account is a resolved identity from a completed authorization-code exchange.
type Account struct {
	// HomeAccountID is the stable per-user identifier ("<object id>.<tenant id>").
	HomeAccountID string `json:"home_account_id"`
	ObjectID      string `json:"object_id"`
	UPN           string `json:"upn"`
	TenantID      string `json:"tenant_id"`
}

// Token is the result of a successful acquisition.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	Account     Account
}

type cachedAccessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// cacheState is the serialized form of the in-memory cache. Persistence layers
// treat the serialized bytes as opaque.
type cacheState struct {
	Accounts      map[string]Account           `json:"accounts"`
	RefreshTokens map[string]string            `json:"refresh_tokens"`
	AccessTokens  map[string]cachedAccessToken `json:"access_tokens"`
}

func newCacheState() cacheState {
	return cacheState{
		Accounts:      make(map[string]Account),
		RefreshTokens: make(map[string]string),
		AccessTokens:  make(map[string]cachedAccessToken),
	}
}

// memoryCache is the client's single-slot token cache. One client instance
// serves one logical identity, so the cache holds at most a handful of
// entries; multi-user support comes from constructing one client per identity,
// each wired to a differently keyed persisted blob.
type memoryCache struct {
	mu    sync.Mutex
	state cacheState
}

var _ tokencache.Cache = (*memoryCache)(nil)

func newMemoryCache() *memoryCache {
	return &memoryCache{state: newCacheState()}
}

func (c *memoryCache) Serialize() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(c.state)
}

func (c *memoryCache) Deserialize(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := newCacheState()
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Accounts == nil {
		state.Accounts = make(map[string]Account)
	}
	if state.RefreshTokens == nil {
		state.RefreshTokens = make(map[string]string)
	}
	if state.AccessTokens == nil {
		state.AccessTokens = make(map[string]cachedAccessToken)
	}
	c.state = state
	return nil
}

// lookup resolves an account by home account id or, failing that, by UPN.
func (c *memoryCache) lookup(identifier string) (Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if acct, ok := c.state.Accounts[identifier]; ok {
		return acct, true
	}
	for _, acct := range c.state.Accounts {
		if strings.EqualFold(acct.UPN, identifier) {
			return acct, true
		}
	}
	return Account{}, false
}

func (c *memoryCache) accessToken(homeAccountID string) (cachedAccessToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.state.AccessTokens[homeAccountID]
	return at, ok
}

func (c *memoryCache) refreshToken(homeAccountID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.state.RefreshTokens[homeAccountID]
	return rt, ok && rt != ""
}

func (c *memoryCache) put(acct Account, accessToken string, expiresAt time.Time, refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Accounts[acct.HomeAccountID] = acct
	c.state.AccessTokens[acct.HomeAccountID] = cachedAccessToken{Token: accessToken, ExpiresAt: expiresAt}
	if refreshToken != "" {
		c.state.RefreshTokens[acct.HomeAccountID] = refreshToken
	}
}
