package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"comebearing.dev/internal/msauth"
)

// Fetcher resolves current presence for an authenticated identity. The
// presence API itself is opaque; only its result shape matters here.
type Fetcher interface {
	Fetch(ctx context.Context, token msauth.Token) (Snapshot, error)
}

// GraphFetcher reads presence from the graph-style REST endpoint
// {base}/v1.0/users/{objectId}/presence with a bearer token.
type GraphFetcher struct {
	BaseURL    string
	HTTPClient *http.Client
}

var _ Fetcher = (*GraphFetcher)(nil)

func (g *GraphFetcher) client() *http.Client {
	if g.HTTPClient != nil {
		return g.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

type presenceResponse struct {
	ID           string `json:"id"`
	Availability string `json:"availability"`
	Activity     string `json:"activity"`
}

func (g *GraphFetcher) Fetch(ctx context.Context, token msauth.Token) (Snapshot, error) {
	u := strings.TrimSuffix(g.BaseURL, "/") + "/v1.0/users/" + token.Account.ObjectID + "/presence"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	res, err := g.client().Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("presence fetch: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Snapshot{}, err
	}
	if res.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("presence fetch returned %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var pr presenceResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return Snapshot{}, fmt.Errorf("decode presence response: %w", err)
	}
	return Snapshot{
		ObjectID:     pr.ID,
		UPN:          token.Account.UPN,
		Availability: pr.Availability,
		Activity:     pr.Activity,
		ObservedAt:   time.Now().UTC(),
	}, nil
}
