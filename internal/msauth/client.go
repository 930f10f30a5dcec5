// Package msauth implements the confidential OAuth client used to acquire
// delegated presence-read tokens. Each client instance is bound to one cache
// identity; its serialized cache state is loaded and stored through a
// tokencache.CacheAccessor around every cache use.
package msauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"comebearing.dev/internal/tokencache"
)

// ErrInteractionRequired indicates silent acquisition cannot succeed without
// user interaction. Callers skip the affected identity and continue.
var ErrInteractionRequired = errors.New("interactive consent required")

// expirySkew is subtracted from cached token lifetimes so tokens are refreshed
// shortly before they actually expire.
const expirySkew = 2 * time.Minute

// Config describes the OAuth application and its issuer endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	RedirectURI  string

	AuthorizeEndpoint string
	TokenEndpoint     string
	JWKSURL           string
	Issuer            string

	Scopes []string

	// Keyfunc validates id_token signatures. Populated by LoadKeys in
	// production; tests inject their own.
	Keyfunc jwt.Keyfunc

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// LoadKeys fetches the issuer JWKS and returns a validating Keyfunc plus a
// shutdown func for the background refresh goroutine.
func LoadKeys(ctx context.Context, jwksURL string) (jwt.Keyfunc, func(), error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	return jwks.Keyfunc, jwks.EndBackground, nil
}

// Client is a confidential OAuth client bound to one cache identity.
type Client struct {
	cfg      Config
	accessor tokencache.CacheAccessor
	cache    *memoryCache
}

// NewClient builds a client wired to the given cache accessor. A nil accessor
// yields a purely in-memory client.
func NewClient(cfg Config, accessor tokencache.CacheAccessor) *Client {
	return &Client{cfg: cfg, accessor: accessor, cache: newMemoryCache()}
}

// AuthCodeURL returns the interactive authorization URL for enrollment.
func (c *Client) AuthCodeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("response_mode", "form_post")
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("scope", strings.Join(c.cfg.Scopes, " "))
	if state != "" {
		q.Set("state", state)
	}
	return c.cfg.AuthorizeEndpoint + "?" + q.Encode()
}

// withCache brackets op with the accessor's before/after hooks. op reports
// whether it mutated the in-memory cache; the after hook persists only then.
func (c *Client) withCache(ctx context.Context, op func() (bool, error)) error {
	ev := &tokencache.Event{ClientID: c.cfg.ClientID, Cache: c.cache}
	if c.accessor != nil {
		if err := c.accessor.BeforeAccess(ctx, ev); err != nil {
			return err
		}
	}
	changed, opErr := op()
	if c.accessor != nil {
		ev.StateChanged = changed
		if err := c.accessor.AfterAccess(ctx, ev); err != nil {
			if opErr == nil {
				return err
			}
		}
	}
	return opErr
}

// AcquireTokenByAuthCode exchanges an authorization code, validates the
// returned id_token against the issuer keys and caches the resolved account.
func (c *Client) AcquireTokenByAuthCode(ctx context.Context, code string) (Token, error) {
	if strings.TrimSpace(code) == "" {
		return Token{}, errors.New("authorization code is required")
	}
	var token Token
	err := c.withCache(ctx, func() (bool, error) {
		form := url.Values{}
		form.Set("grant_type", "authorization_code")
		form.Set("code", code)
		form.Set("redirect_uri", c.cfg.RedirectURI)
		resp, err := c.requestToken(ctx, form)
		if err != nil {
			return false, err
		}
		acct, err := c.resolveAccount(resp.IDToken)
		if err != nil {
			return false, err
		}
		expiresAt := time.Now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second)
		c.cache.put(acct, resp.AccessToken, expiresAt, resp.RefreshToken)
		token = Token{AccessToken: resp.AccessToken, ExpiresAt: expiresAt, Account: acct}
		return true, nil
	})
	if err != nil {
		return Token{}, err
	}
	return token, nil
}

// AcquireTokenSilent returns a token for the identified account without any
// interactive prompt: from the cached access token while it is fresh, else via
// the cached refresh token. ErrInteractionRequired is returned when neither is
// usable.
func (c *Client) AcquireTokenSilent(ctx context.Context, identifier string) (Token, error) {
	var token Token
	err := c.withCache(ctx, func() (bool, error) {
		acct, ok := c.cache.lookup(identifier)
		if !ok {
			return false, fmt.Errorf("no cached account for %q: %w", identifier, ErrInteractionRequired)
		}
		if at, ok := c.cache.accessToken(acct.HomeAccountID); ok {
			if time.Until(at.ExpiresAt) > expirySkew {
				token = Token{AccessToken: at.Token, ExpiresAt: at.ExpiresAt, Account: acct}
				return false, nil
			}
		}
		rt, ok := c.cache.refreshToken(acct.HomeAccountID)
		if !ok {
			return false, fmt.Errorf("no refresh token for %q: %w", identifier, ErrInteractionRequired)
		}
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", rt)
		resp, err := c.requestToken(ctx, form)
		if err != nil {
			return false, err
		}
		expiresAt := time.Now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second)
		c.cache.put(acct, resp.AccessToken, expiresAt, resp.RefreshToken)
		token = Token{AccessToken: resp.AccessToken, ExpiresAt: expiresAt, Account: acct}
		return true, nil
	})
	if err != nil {
		return Token{}, err
	}
	return token, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type tokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// interactionErrors are the issuer error codes that mean the user has to
// re-consent interactively.
var interactionErrors = map[string]bool{
	"interaction_required": true,
	"consent_required":     true,
	"login_required":       true,
	"invalid_grant":        true,
}

func (c *Client) requestToken(ctx context.Context, form url.Values) (tokenResponse, error) {
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("scope", strings.Join(c.cfg.Scopes, " "))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.cfg.httpClient().Do(req)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, err
	}
	if res.StatusCode != http.StatusOK {
		var te tokenError
		if err := json.Unmarshal(body, &te); err == nil && interactionErrors[te.Code] {
			return tokenResponse{}, fmt.Errorf("%s: %w", te.Code, ErrInteractionRequired)
		}
		return tokenResponse{}, fmt.Errorf("token endpoint returned %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return tokenResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return tokenResponse{}, errors.New("token response missing access_token")
	}
	return tr, nil
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	ObjectID          string `json:"oid"`
	TenantID          string `json:"tid"`
	PreferredUsername string `json:"preferred_username"`
}

// resolveAccount validates the id_token and maps its claims to an Account.
func (c *Client) resolveAccount(idToken string) (Account, error) {
	if idToken == "" {
		return Account{}, errors.New("token response missing id_token")
	}
	if c.cfg.Keyfunc == nil {
		return Account{}, errors.New("id_token validation keys are not configured")
	}
	claims := &idTokenClaims{}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if c.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.cfg.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(idToken, claims, c.cfg.Keyfunc, opts...)
	if err != nil {
		return Account{}, fmt.Errorf("id_token validation failed: %w", err)
	}
	if !parsed.Valid {
		return Account{}, errors.New("id_token is not valid")
	}
	if claims.ObjectID == "" || claims.TenantID == "" {
		return Account{}, errors.New("id_token missing oid or tid claim")
	}
	return Account{
		HomeAccountID: claims.ObjectID + "." + claims.TenantID,
		ObjectID:      claims.ObjectID,
		UPN:           claims.PreferredUsername,
		TenantID:      claims.TenantID,
	}, nil
}
