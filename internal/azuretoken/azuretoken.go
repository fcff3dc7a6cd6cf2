// Package azuretoken implements managed-identity token acquisition and
// dynamic database credential rotation, a second instantiation of
// internal/expcache.Cache[string,string] keyed by resource id.
//
// Grounded on the reference server's server/api/auth/azure.py
// (request_azure_ad_token/update_azure_ad_token_cache) for the IMDS
// token-request shape and the TOKEN_EXPIRY_BUFFER_SECONDS early-expiry
// margin.
package azuretoken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gridedge/der-utility-server/internal/expcache"
)

const (
	tokenURIFormat      = "http://169.254.169.254/metadata/identity/oauth2/token?api-version=2018-02-01&resource=%s&client_id=%s"
	expiryBufferSeconds = 120
	requestTimeout      = 60 * time.Second
)

// ManagedIdentityConfig identifies the tenant/client and the resource a
// token is being requested for (e.g. the DB resource id for dynamic
// credential rotation).
type ManagedIdentityConfig struct {
	TenantID   string
	ClientID   string
	ResourceID string
}

type imdsResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresOn   string `json:"expires_on"`
}

// requestToken calls the Azure Instance Metadata Service for a token
// scoped to cfg.ResourceID.
func requestToken(ctx context.Context, client *http.Client, cfg ManagedIdentityConfig) (token string, expiry time.Time, err error) {
	uri := fmt.Sprintf(tokenURIFormat, url.QueryEscape(cfg.ResourceID), url.QueryEscape(cfg.ClientID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("azuretoken: build request: %w", err)
	}

	req.Header.Set("Metadata", "true")

	resp, err := client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("azuretoken: contacting Azure instance metadata service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("azuretoken: received HTTP %d fetching token", resp.StatusCode)
	}

	var body imdsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, fmt.Errorf("azuretoken: decode token response: %w", err)
	}

	expiresOn, err := strconv.ParseInt(body.ExpiresOn, 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("azuretoken: malformed expires_on: %w", err)
	}

	return body.AccessToken, time.Unix(expiresOn, 0).UTC(), nil
}

// NewCache builds an expcache.Cache[string,string] whose single entry
// (keyed by cfg.ResourceID) is refreshed by requesting a fresh managed-
// identity token on miss/expiry. Tokens expire expiryBufferSeconds early as
// a buffer against clock skew and request latency, per the reference
// implementation's TOKEN_EXPIRY_BUFFER_SECONDS. forceUpdateDelay is the
// cache's pause between failed ForceUpdate attempts.
func NewCache(cfg ManagedIdentityConfig, forceUpdateDelay time.Duration) *expcache.Cache[string, string] {
	client := &http.Client{Timeout: requestTimeout}

	updateFn := func(ctx context.Context, _ any) (map[string]expcache.Entry[string], error) {
		token, expiry, err := requestToken(ctx, client, cfg)
		if err != nil {
			return nil, err
		}

		return map[string]expcache.Entry[string]{
			cfg.ResourceID: {
				Value:  token,
				Expiry: expiry.Add(-expiryBufferSeconds * time.Second),
			},
		}, nil
	}

	return expcache.New(updateFn, forceUpdateDelay)
}

// Token fetches the current token for resourceID, refreshing via IMDS on
// miss or expiry.
func Token(ctx context.Context, cache *expcache.Cache[string, string], resourceID string) (string, error) {
	token, ok, err := cache.Get(ctx, nil, resourceID)
	if err != nil {
		return "", err
	}

	if !ok {
		return "", fmt.Errorf("azuretoken: no token available for resource %q", resourceID)
	}

	return token, nil
}
