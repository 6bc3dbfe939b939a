package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPProvider fetches a user's verified domains from the ownership service.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates a provider for the given ownership endpoint.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

var _ Provider = (*HTTPProvider)(nil)

type verifiedDomainsResponse struct {
	Domains []string `json:"domains"`
}

func (p *HTTPProvider) FetchVerifiedDomains(ctx context.Context, userID string) (map[string]struct{}, error) {
	endpoint := p.baseURL + "/v1/users/" + url.PathEscape(userID) + "/verified-domains"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build verified-domains request: %w", err)
	}
	req.Header.Set("X-API-Key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch verified domains for %s: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch verified domains for %s: status %d", userID, resp.StatusCode)
	}

	var body verifiedDomainsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode verified domains for %s: %w", userID, err)
	}

	domains := make(map[string]struct{}, len(body.Domains))
	for _, d := range body.Domains {
		domains[d] = struct{}{}
	}
	return domains, nil
}
