package handlers

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/dotpath"
)

// idSeparator delimits the segments of a linked element id.
const idSeparator = "%2C"

// FindAndLink looks up the element whose response_field equals the body's
// request_field and links it as an entitlement.
func (h *Handlers) FindAndLink(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) error {
	trace.SpanFromContext(ctx).AddEvent("interceptor: fetch and find")
	opts := stage.Find

	resp, err := h.call(ctx, rc, stage)
	if err != nil {
		return err
	}

	var list []any
	if opts.DataField != "" {
		obj, _ := resp.(map[string]any)
		field, _ := dotpath.Get(obj, opts.DataField)
		list, _ = field.([]any)
	} else {
		list, _ = resp.([]any)
	}

	want, _ := dotpath.Get(rc.Body, opts.RequestField)
	match := findElement(list, opts.ResponseField, want)
	if match == nil {
		return &domain.ReferenceNotFoundError{Field: opts.RequestField, Value: want}
	}

	value, err := linkValue(match["id"])
	if err != nil {
		return err
	}

	rc.Body["entitlements"] = []any{
		map[string]any{"type": opts.LinkType, "value": value},
	}
	dotpath.Delete(rc.Body, opts.ClearField)
	return nil
}

func findElement(list []any, field string, want any) map[string]any {
	if want == nil {
		return nil
	}
	for _, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := dotpath.Get(m, field); ok && reflect.DeepEqual(v, want) {
			return m
		}
	}
	return nil
}

// linkValue drops the first %2C-delimited segment of id and percent-decodes
// the rest: "ou%2C1%2Cfoo" becomes "1,foo".
func linkValue(id any) (string, error) {
	s, ok := id.(string)
	if !ok {
		return "", fmt.Errorf("reference element has no string id")
	}
	parts := strings.Split(s, idSeparator)
	rest := strings.Join(parts[1:], idSeparator)
	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return "", fmt.Errorf("decode reference id %q: %w", s, err)
	}
	return decoded, nil
}
