package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
)

// resolveCacheRefs returns stage with every "cache.<name>.<path>" string in
// its headers, auth fields and body template replaced by the cached value.
// Stages without references are returned as is.
func (e *Executor) resolveCacheRefs(ctx context.Context, stage *domain.StageDescriptor) (*domain.StageDescriptor, error) {
	if e.cache == nil || !stageHasRefs(stage) {
		return stage, nil
	}

	out := stage.Clone()
	lookupString := func(field, s string) (string, error) {
		ref, ok := cacheRef(s)
		if !ok {
			return s, nil
		}
		v, err := e.cache.Lookup(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("%s: %w", field, err)
		}
		return fmt.Sprint(v), nil
	}

	for k, v := range out.Headers {
		s, err := lookupString("headers."+k, v)
		if err != nil {
			return nil, err
		}
		out.Headers[k] = s
	}

	authFields := []*string{&out.Auth.Username, &out.Auth.Password, &out.Auth.Token, &out.Auth.ClientID, &out.Auth.ClientSecret, &out.Auth.TokenURL}
	for _, f := range authFields {
		s, err := lookupString("auth", *f)
		if err != nil {
			return nil, err
		}
		*f = s
	}

	if out.Body != nil {
		body, err := e.resolveValue(ctx, out.Body)
		if err != nil {
			return nil, fmt.Errorf("body: %w", err)
		}
		out.Body = body.(map[string]any)
	}
	return out, nil
}

func (e *Executor) resolveValue(ctx context.Context, v any) (any, error) {
	switch t := v.(type) {
	case string:
		ref, ok := cacheRef(t)
		if !ok {
			return t, nil
		}
		return e.cache.Lookup(ctx, ref)
	case map[string]any:
		for k, val := range t {
			r, err := e.resolveValue(ctx, val)
			if err != nil {
				return nil, err
			}
			t[k] = r
		}
		return t, nil
	case []any:
		for i, val := range t {
			r, err := e.resolveValue(ctx, val)
			if err != nil {
				return nil, err
			}
			t[i] = r
		}
		return t, nil
	}
	return v, nil
}

func cacheRef(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, CacheRefPrefix) || len(s) == len(CacheRefPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, CacheRefPrefix), true
}

func stageHasRefs(stage *domain.StageDescriptor) bool {
	for _, v := range stage.Headers {
		if _, ok := cacheRef(v); ok {
			return true
		}
	}
	a := stage.Auth
	for _, s := range []string{a.Username, a.Password, a.Token, a.ClientID, a.ClientSecret, a.TokenURL} {
		if _, ok := cacheRef(s); ok {
			return true
		}
	}
	return valueHasRefs(stage.Body)
}

func valueHasRefs(v any) bool {
	switch t := v.(type) {
	case string:
		_, ok := cacheRef(t)
		return ok
	case map[string]any:
		for _, val := range t {
			if valueHasRefs(val) {
				return true
			}
		}
	case []any:
		for _, val := range t {
			if valueHasRefs(val) {
				return true
			}
		}
	}
	return false
}
