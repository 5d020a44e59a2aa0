// Package auth turns auth descriptors into Authorization header values.
package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
)

// Formatter implements ports.AuthFormatter. OAuth2 token sources are kept per
// client and token URL so tokens are reused until they expire.
type Formatter struct {
	client *http.Client

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewFormatter creates a Formatter. client is used for token requests; nil
// means http.DefaultClient.
func NewFormatter(client *http.Client) *Formatter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Formatter{
		client:  client,
		sources: make(map[string]oauth2.TokenSource),
	}
}

// Resolve returns the header value for desc. Relative OAuth2 token URLs are
// resolved against callbackBaseURL.
func (f *Formatter) Resolve(ctx context.Context, desc domain.AuthDescriptor, callbackBaseURL string) (ports.Token, error) {
	if err := desc.Validate(); err != nil {
		return ports.Token{}, err
	}

	switch desc.Type {
	case "", domain.AuthNone:
		return ports.Token{}, nil
	case domain.AuthBasic:
		raw := desc.Username + ":" + desc.Password
		return ports.Token{Value: "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))}, nil
	case domain.AuthBearer:
		return ports.Token{Value: "Bearer " + desc.Token}, nil
	case domain.AuthOAuth2:
		tokenURL, err := resolveURL(desc.TokenURL, callbackBaseURL)
		if err != nil {
			return ports.Token{}, err
		}
		tok, err := f.source(desc, tokenURL).Token()
		if err != nil {
			return ports.Token{}, fmt.Errorf("oauth2 token from %s: %w", tokenURL, err)
		}
		return ports.Token{Value: tok.Type() + " " + tok.AccessToken}, nil
	}
	return ports.Token{}, fmt.Errorf("unknown auth type %q", desc.Type)
}

func (f *Formatter) source(desc domain.AuthDescriptor, tokenURL string) oauth2.TokenSource {
	key := desc.ClientID + "|" + tokenURL + "|" + strings.Join(desc.Scopes, " ")

	f.mu.Lock()
	defer f.mu.Unlock()

	if ts, ok := f.sources[key]; ok {
		return ts
	}
	cfg := &clientcredentials.Config{
		ClientID:     desc.ClientID,
		ClientSecret: desc.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       desc.Scopes,
	}
	// Token sources outlive the request that created them.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, f.client)
	ts := cfg.TokenSource(ctx)
	f.sources[key] = ts
	return ts
}

func resolveURL(ref, base string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid token_url %q: %w", ref, err)
	}
	if u.IsAbs() {
		return ref, nil
	}
	if base == "" {
		return "", fmt.Errorf("relative token_url %q requires a base url", ref)
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", base, err)
	}
	return b.ResolveReference(u).String(), nil
}

var _ ports.AuthFormatter = (*Formatter)(nil)
