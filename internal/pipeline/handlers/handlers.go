// Package handlers implements the stage kinds run by the pipeline executor:
// enrichment fetchers, rule gates, email validation and notification
// adapters.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/engine"
	"github.com/tjfontaine/provisioning-gateway/internal/fetch"
	"github.com/tjfontaine/provisioning-gateway/internal/urltmpl"
)

// Deps are the collaborators shared by every handler.
type Deps struct {
	Fetch  *fetch.Client
	Auth   ports.AuthFormatter
	Mapper ports.AttributeMapper
	URLs   ports.URLRenderer

	// Publisher backs notification stages with channel "event". Optional.
	Publisher ports.EventPublisher
	Chat      ChatSender
	SMS       SMSSender

	// Webhook is the HTTP client for notification webhooks.
	Webhook *http.Client
	Logger  *slog.Logger

	// CallbackBaseURL returns the gateway's own base URL for a port. Relative
	// OAuth2 token URLs resolve against it.
	CallbackBaseURL func(port string) string
}

// Handlers holds the kind handlers.
type Handlers struct {
	deps Deps
}

// New fills unset dependencies with defaults.
func New(deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Webhook == nil {
		deps.Webhook = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if deps.Fetch == nil {
		deps.Fetch = fetch.NewClient(deps.Auth, fetch.WithLogger(deps.Logger))
	}
	if deps.Mapper == nil {
		deps.Mapper = engine.Mapper{}
	}
	if deps.URLs == nil {
		deps.URLs = urltmpl.Renderer{}
	}
	if deps.Chat == nil {
		deps.Chat = NewSlackSender(nil)
	}
	if deps.SMS == nil {
		deps.SMS = NewTwilioSender()
	}
	if deps.CallbackBaseURL == nil {
		deps.CallbackBaseURL = LocalCallbackURL
	}
	return &Handlers{deps: deps}
}

// Table returns the handler for every interceptor and adapter kind.
func (h *Handlers) Table() map[domain.StageKind]ports.StageHandler {
	return map[domain.StageKind]ports.StageHandler{
		domain.KindRequest:         ports.StageHandlerFunc(h.DirectMerge),
		domain.KindRequestWithRule: ports.StageHandlerFunc(h.RuleGatedMerge),
		domain.KindFetchAndFind:    ports.StageHandlerFunc(h.FindAndLink),
		domain.KindValidateEmail:   ports.StageHandlerFunc(h.ValidateEmail),
		domain.KindRule:            ports.StageHandlerFunc(h.Rule),
		domain.KindNotification:    ports.StageHandlerFunc(h.Notification),
		domain.KindChatMessage:     ports.StageHandlerFunc(h.ChatMessage),
		domain.KindSMSMessage:      ports.StageHandlerFunc(h.SMSMessage),
	}
}

// LocalCallbackURL is the default callback base: the gateway on localhost.
func LocalCallbackURL(port string) string {
	return "http://localhost:" + port
}
