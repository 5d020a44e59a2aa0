// Package domain holds the pipeline's core types: stage descriptors, rule
// descriptors, the per-run request context and the error taxonomy.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// StageKind identifies which handler runs a stage.
type StageKind string

const (
	KindRequest         StageKind = "request"
	KindRule            StageKind = "rule"
	KindRequestWithRule StageKind = "request-with-rule"
	KindFetchAndFind    StageKind = "fetch-and-find"
	KindValidateEmail   StageKind = "validate-email"
	KindNotification    StageKind = "notification"
	KindChatMessage     StageKind = "chat-message"
	KindSMSMessage      StageKind = "sms-message"
	KindAPIListener     StageKind = "api-listener"
	KindEventListener   StageKind = "event-listener"
)

// InterceptorKinds run before the protocol engine handles a request.
var InterceptorKinds = NewKindSet(KindRequest, KindRule, KindRequestWithRule, KindFetchAndFind, KindValidateEmail)

// AdapterKinds run around the protocol engine's response, typically to notify.
var AdapterKinds = NewKindSet(KindNotification, KindChatMessage, KindSMSMessage)

// ListenerKinds are long-lived trigger sources.
var ListenerKinds = NewKindSet(KindAPIListener, KindEventListener)

// AllKinds lists every stage kind in a stable order.
var AllKinds = []StageKind{
	KindRequest, KindRule, KindRequestWithRule, KindFetchAndFind, KindValidateEmail,
	KindNotification, KindChatMessage, KindSMSMessage,
	KindAPIListener, KindEventListener,
}

// ParseStageKind validates a raw kind string.
func ParseStageKind(s string) (StageKind, error) {
	k := StageKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown stage kind %q", s)
}

// IsAdapter reports whether the kind is notification-side.
func (k StageKind) IsAdapter() bool { return AdapterKinds.Has(k) }

// IsListener reports whether the kind is a listener.
func (k StageKind) IsListener() bool { return ListenerKinds.Has(k) }

// KindSet is an immutable set of stage kinds.
type KindSet map[StageKind]struct{}

// NewKindSet builds a set from kinds.
func NewKindSet(kinds ...StageKind) KindSet {
	s := make(KindSet, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s KindSet) Has(k StageKind) bool {
	_, ok := s[k]
	return ok
}

// AllowedRequest is one (method, path) pair a stage applies to. Path is the
// first segment of the request path, e.g. "users".
type AllowedRequest struct {
	Method string `koanf:"method" json:"method"`
	Path   string `koanf:"path" json:"path"`
}

// Mapping copies the source field Name to the destination dotted path MapTo.
type Mapping struct {
	Name  string `koanf:"name" json:"name"`
	MapTo string `koanf:"map_to" json:"map_to"`
	Type  string `koanf:"type" json:"type,omitempty"`
}

// AuthType selects an authorization scheme.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthOAuth2 AuthType = "oauth2"
)

// AuthDescriptor describes how to build an Authorization header.
type AuthDescriptor struct {
	Type         AuthType `koanf:"type" json:"type"`
	Username     string   `koanf:"username" json:"username,omitempty"`
	Password     string   `koanf:"password" json:"-"`
	Token        string   `koanf:"token" json:"-"`
	ClientID     string   `koanf:"client_id" json:"client_id,omitempty"`
	ClientSecret string   `koanf:"client_secret" json:"-"`
	TokenURL     string   `koanf:"token_url" json:"token_url,omitempty"`
	Scopes       []string `koanf:"scopes" json:"scopes,omitempty"`
}

// Validate checks that the fields required by the auth type are present.
func (a AuthDescriptor) Validate() error {
	switch a.Type {
	case "", AuthNone:
		return nil
	case AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("basic auth requires username")
		}
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("bearer auth requires token")
		}
	case AuthOAuth2:
		if a.ClientID == "" || a.TokenURL == "" {
			return fmt.Errorf("oauth2 auth requires client_id and token_url")
		}
	default:
		return fmt.Errorf("unknown auth type %q", a.Type)
	}
	return nil
}

// FindOptions configures a fetch-and-find stage.
type FindOptions struct {
	DataField     string
	RequestField  string
	ResponseField string
	LinkType      string
	ClearField    string
}

// EmailClass is the domain classification accepted by validate-email.
type EmailClass string

const (
	EmailPublic    EmailClass = "public"
	EmailCorporate EmailClass = "corporate"
)

// EmailOptions configures a validate-email stage.
type EmailOptions struct {
	Class            EmailClass
	ValidateUsername bool
}

// NotifyPhase selects when an adapter runs relative to the protocol engine.
type NotifyPhase string

const (
	PhaseBefore NotifyPhase = "before"
	PhaseAfter  NotifyPhase = "after"
)

// NotifyOptions configures notification-side stages.
type NotifyOptions struct {
	Phase   NotifyPhase
	Event   string // label carried in the payload info block
	Payload string // "request" or "response"
	UseURL  bool
	Channel string // "webhook" or "event" for notification stages

	// event channel
	Subject string

	// chat-message
	ChatToken string
	ChannelID string

	// sms-message
	AccountSID string
	AuthToken  string
	From       string
	ContentSID string
	Code       string
	ToField    string
}

// ListenerOptions configures listener stages.
type ListenerOptions struct {
	Resource  ResourceType
	Operation Operation
	IDField   string
	DataField string
	Interval  time.Duration

	// event-listener
	Brokers []string
	Topic   string
	GroupID string
}

// StageDescriptor is a resolved, validated stage.
type StageDescriptor struct {
	Name            string
	Kind            StageKind
	Port            string
	AllowedRequests []AllowedRequest
	Position        int

	URL     string
	Method  string
	Headers map[string]string
	Body    map[string]any
	Auth    AuthDescriptor
	Mapping []Mapping

	OnError      string
	BlockOnError bool
	RetryCount   int
	RetryDelay   time.Duration
	ExpiresIn    time.Duration
	ErrorMessage string

	Rule     *RuleDescriptor // rule stages
	When     *RuleDescriptor // request-with-rule predicate
	Find     *FindOptions
	Email    *EmailOptions
	Notify   *NotifyOptions
	Listener *ListenerOptions
}

// Label returns a human-readable identifier for logs and spans.
func (d *StageDescriptor) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return fmt.Sprintf("%s@%d", d.Kind, d.Position)
}

// Clone returns a copy whose maps can be rewritten without touching d.
func (d *StageDescriptor) Clone() *StageDescriptor {
	c := *d
	if d.Headers != nil {
		c.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			c.Headers[k] = v
		}
	}
	if d.Body != nil {
		c.Body = cloneAny(d.Body).(map[string]any)
	}
	return &c
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneAny(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneAny(val)
		}
		return out
	default:
		return v
	}
}

// CacheDescriptor describes one named, refreshable cache entry.
type CacheDescriptor struct {
	Name         string
	URL          string
	Method       string
	Headers      map[string]string
	Body         map[string]any
	Auth         AuthDescriptor
	Mapping      []Mapping
	DefaultBody  map[string]any
	RetryCount   int
	RetryDelay   time.Duration
	BlockOnError bool
	ExpiresIn    time.Duration
	Port         string
}
