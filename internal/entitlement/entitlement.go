// Package entitlement is the boundary to the external identity service.
// The core only ever asks one narrow question: what is this user's
// display name, and do they currently hold the premium entitlement.
// Results are never cached past the single check.
package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type Profile struct {
	DisplayName string `json:"displayName"`
	HasPremium  bool   `json:"hasPremiumEntitlement"`
}

type Checker interface {
	Lookup(ctx context.Context, email string) (Profile, error)
}

// HTTPChecker calls the identity service over HTTP.
type HTTPChecker struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPChecker(baseURL string) *HTTPChecker {
	return &HTTPChecker{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPChecker) Lookup(ctx context.Context, email string) (Profile, error) {
	u := fmt.Sprintf("%s/entitlements/%s", c.BaseURL, url.PathEscape(email))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Profile{}, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("entitlement lookup for %s: status %d", email, resp.StatusCode)
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("entitlement lookup for %s: %w", email, err)
	}
	return p, nil
}

// Static answers from a fixed table; used in tests and in deployments
// without an identity service, where everyone is premium.
type Static struct {
	Premium map[string]bool // nil means everyone has premium
	Names   map[string]string
}

func (s Static) Lookup(_ context.Context, email string) (Profile, error) {
	p := Profile{DisplayName: s.Names[email], HasPremium: true}
	if s.Premium != nil {
		p.HasPremium = s.Premium[email]
	}
	return p, nil
}
