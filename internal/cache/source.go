package cache

import (
	"context"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/fetch"
)

// FromDescriptor builds a Source that loads desc through client. The
// callback base URL resolves relative OAuth2 token endpoints.
func FromDescriptor(desc domain.CacheDescriptor, client *fetch.Client, callbackBaseURL string) Source {
	req := fetch.Request{
		URL:             desc.URL,
		Method:          desc.Method,
		Headers:         desc.Headers,
		Auth:            desc.Auth,
		Body:            desc.Body,
		Mapping:         desc.Mapping,
		RetryCount:      desc.RetryCount,
		RetryDelay:      desc.RetryDelay,
		BlockOnError:    desc.BlockOnError,
		DefaultBody:     desc.DefaultBody,
		CallbackBaseURL: callbackBaseURL,
	}
	return Source{
		Name:     desc.Name,
		TTL:      desc.ExpiresIn,
		Blocking: desc.BlockOnError,
		Fallback: fetch.Project(nil, desc.Mapping, desc.DefaultBody),
		Load: func(ctx context.Context) (map[string]any, error) {
			resp, err := client.Do(ctx, req)
			if err != nil {
				return nil, err
			}
			return fetch.Project(resp, req.Mapping, req.DefaultBody), nil
		},
	}
}
