package handlers

import (
	"context"
	"regexp"
	"slices"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/dotpath"
)

var (
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	emailKeyPattern = regexp.MustCompile(`^emails.*\.value$`)
)

// PublicEmailDomains are free mailbox providers. Any other domain counts as
// corporate.
var PublicEmailDomains = []string{
	"gmail.com",
	"hotmail.com",
	"yahoo.com",
	"outlook.com",
	"live.com",
	"icloud.com",
	"bol.com.br",
	"uol.com.br",
	"terra.com.br",
	"ig.com.br",
	"globo.com",
	"zipmail.com.br",
	"r7.com",
}

// ValidateEmail checks userName (optionally) and every emails[*].value
// against the stage's domain class. The first invalid value fails the stage.
func (h *Handlers) ValidateEmail(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) error {
	trace.SpanFromContext(ctx).AddEvent("interceptor: validate email")
	opts := stage.Email

	if opts.ValidateUsername {
		v := rc.Body["userName"]
		if !EmailMatches(v, opts.Class) {
			return &domain.ValidationError{Value: v, Required: string(opts.Class)}
		}
	}

	flat := dotpath.Flatten(rc.Body)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		if emailKeyPattern.MatchString(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !EmailMatches(flat[k], opts.Class) {
			return &domain.ValidationError{Value: flat[k], Required: string(opts.Class)}
		}
	}
	return nil
}

// EmailMatches reports whether v is a well-formed address in the given
// domain class.
func EmailMatches(v any, class domain.EmailClass) bool {
	s, ok := v.(string)
	if !ok || !emailPattern.MatchString(s) {
		return false
	}
	_, host, _ := strings.Cut(s, "@")
	public := slices.Contains(PublicEmailDomains, strings.ToLower(host))

	switch class {
	case domain.EmailPublic:
		return public
	case domain.EmailCorporate:
		return !public
	}
	return false
}
