package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/dotpath"
)

// DefaultListenerInterval is the poll interval of api-listener stages.
const DefaultListenerInterval = time.Minute

// stageConfig is the on-disk shape of a stage. Fields are shared across
// kinds; "type" is interpreted per kind (rule type, email class or adapter
// phase).
type stageConfig struct {
	Name            string                  `koanf:"name"`
	Kind            string                  `koanf:"kind"`
	Port            string                  `koanf:"port"`
	AllowedRequests []domain.AllowedRequest `koanf:"allowed_requests"`
	Position        int                     `koanf:"position"`

	URL     string                `koanf:"url"`
	Method  string                `koanf:"method"`
	Auth    domain.AuthDescriptor `koanf:"auth"`
	Mapping []domain.Mapping      `koanf:"mapping"`

	OnError      string        `koanf:"on_error"`
	BlockOnError *bool         `koanf:"block_on_error"`
	RetryCount   int           `koanf:"retry_count"`
	RetryDelay   time.Duration `koanf:"retry_delay"`
	ExpiresIn    time.Duration `koanf:"expires_in"`
	ErrorMessage string        `koanf:"error_message"`

	Type       string                 `koanf:"type"`
	Conditions []domain.Condition     `koanf:"conditions"`
	When       *domain.RuleDescriptor `koanf:"when"`

	DataField     string `koanf:"data_field"`
	RequestField  string `koanf:"request_field"`
	ResponseField string `koanf:"response_field"`
	LinkType      string `koanf:"link_type"`
	ClearField    string `koanf:"clear_field"`

	ValidateUsername *bool `koanf:"validate_username"`

	Event      string `koanf:"event"`
	Payload    string `koanf:"payload"`
	UseURL     bool   `koanf:"use_url"`
	Channel    string `koanf:"channel"`
	Subject    string `koanf:"subject"`
	Token      string `koanf:"token"`
	ChannelID  string `koanf:"channel_id"`
	AccountSID string `koanf:"account_sid"`
	AuthToken  string `koanf:"auth_token"`
	From       string `koanf:"from"`
	ContentSID string `koanf:"content_sid"`
	Code       string `koanf:"code"`
	ToField    string `koanf:"to_field"`

	Resource  string        `koanf:"resource"`
	Operation string        `koanf:"operation"`
	IDField   string        `koanf:"id_field"`
	Interval  time.Duration `koanf:"interval"`
	Brokers   []string      `koanf:"brokers"`
	Topic     string        `koanf:"topic"`
	GroupID   string        `koanf:"group_id"`
}

type cacheConfig struct {
	Name         string                `koanf:"name"`
	URL          string                `koanf:"url"`
	Method       string                `koanf:"method"`
	Auth         domain.AuthDescriptor `koanf:"auth"`
	Mapping      []domain.Mapping      `koanf:"mapping"`
	RetryCount   int                   `koanf:"retry_count"`
	RetryDelay   time.Duration         `koanf:"retry_delay"`
	BlockOnError bool                  `koanf:"block_on_error"`
	ExpiresIn    time.Duration         `koanf:"expires_in"`
	Port         string                `koanf:"port"`
}

// rawProvider feeds an in-memory map to koanf.
type rawProvider map[string]any

func (p rawProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("raw provider does not support ReadBytes")
}

func (p rawProvider) Read() (map[string]any, error) {
	return dotpath.Copy(p), nil
}

// freeform keys are copied verbatim: their nested keys may contain dots
// (e.g. SCIM schema URNs) that koanf would split.
var freeform = []string{"body", "headers", "default_body"}

// durationKeys accept Go duration strings ("90s") or bare numbers of seconds.
var durationKeys = []string{"expires_in", "retry_delay", "interval"}

func decode(raw map[string]any, out any) (map[string]any, error) {
	structured := make(map[string]any, len(raw))
	extra := make(map[string]any)
	for k, v := range raw {
		structured[k] = v
	}
	for _, k := range durationKeys {
		if secs, ok := seconds(structured[k]); ok {
			structured[k] = time.Duration(secs * float64(time.Second))
		}
	}
	for _, k := range freeform {
		if v, ok := structured[k]; ok {
			extra[k] = v
			delete(structured, k)
		}
	}

	k := koanf.New(".")
	if err := k.Load(rawProvider(structured), nil); err != nil {
		return nil, err
	}
	if err := k.UnmarshalWithConf("", out, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}
	return extra, nil
}

func seconds(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// LoadStages resolves external references in each raw descriptor and
// decodes it into a validated StageDescriptor. The first failure aborts the
// load with a *domain.ConfigError.
func LoadStages(raws []map[string]any, resolver ports.ConfigResolver, hooks *Hooks) ([]*domain.StageDescriptor, error) {
	out := make([]*domain.StageDescriptor, 0, len(raws))
	for i, raw := range raws {
		source := fmt.Sprintf("stages[%d]", i)
		if name, ok := raw["name"].(string); ok && name != "" {
			source += " " + name
		}

		kindStr, _ := raw["kind"].(string)
		kind, err := domain.ParseStageKind(kindStr)
		if err != nil {
			return nil, &domain.ConfigError{Source: source, Reason: "invalid kind", Err: err}
		}

		resolved := raw
		if resolver != nil {
			resolved, err = resolver.Resolve(string(kind), raw)
			if err != nil {
				return nil, err
			}
		}

		desc, err := DecodeStage(resolved, hooks)
		if err != nil {
			return nil, &domain.ConfigError{Source: source, Reason: "invalid descriptor", Err: err}
		}
		out = append(out, desc)
	}
	return out, nil
}

// DecodeStage decodes and validates one resolved descriptor.
func DecodeStage(raw map[string]any, hooks *Hooks) (*domain.StageDescriptor, error) {
	var cfg stageConfig
	extra, err := decode(raw, &cfg)
	if err != nil {
		return nil, err
	}

	kind, err := domain.ParseStageKind(cfg.Kind)
	if err != nil {
		return nil, err
	}

	d := &domain.StageDescriptor{
		Name:            cfg.Name,
		Kind:            kind,
		Port:            cfg.Port,
		AllowedRequests: cfg.AllowedRequests,
		Position:        cfg.Position,
		URL:             cfg.URL,
		Method:          strings.ToUpper(cfg.Method),
		Auth:            cfg.Auth,
		Mapping:         cfg.Mapping,
		OnError:         cfg.OnError,
		RetryCount:      cfg.RetryCount,
		RetryDelay:      cfg.RetryDelay,
		ExpiresIn:       cfg.ExpiresIn,
		ErrorMessage:    cfg.ErrorMessage,
	}
	d.Headers, err = stringMap(extra["headers"])
	if err != nil {
		return nil, fmt.Errorf("headers: %w", err)
	}
	if body, ok := extra["body"].(map[string]any); ok {
		d.Body = body
	}

	// Interceptors fail closed, adapters and listeners fail open.
	d.BlockOnError = !kind.IsAdapter() && !kind.IsListener()
	if cfg.BlockOnError != nil {
		d.BlockOnError = *cfg.BlockOnError
	}

	if err := validateCommon(d, hooks); err != nil {
		return nil, err
	}
	if err := applyKind(d, &cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func validateCommon(d *domain.StageDescriptor, hooks *Hooks) error {
	if d.Port == "" {
		return fmt.Errorf("port is required")
	}
	if !d.Kind.IsListener() {
		if len(d.AllowedRequests) == 0 {
			return fmt.Errorf("allowed_requests must not be empty")
		}
		for i, ar := range d.AllowedRequests {
			if ar.Method == "" || ar.Path == "" {
				return fmt.Errorf("allowed_requests[%d]: method and path are required", i)
			}
		}
	}
	if d.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative")
	}
	if d.OnError != "" {
		if hooks == nil || !hooks.Has(d.OnError) {
			return fmt.Errorf("unknown on_error hook %q", d.OnError)
		}
	}
	if err := d.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	for i, m := range d.Mapping {
		if m.Name == "" {
			return fmt.Errorf("mapping[%d]: name is required", i)
		}
	}
	return nil
}

func applyKind(d *domain.StageDescriptor, cfg *stageConfig) error {
	switch d.Kind {
	case domain.KindRequest, domain.KindRequestWithRule, domain.KindFetchAndFind:
		if d.URL == "" {
			return fmt.Errorf("%s requires url", d.Kind)
		}
		if d.Method == "" {
			d.Method = http.MethodGet
		}
	}

	switch d.Kind {
	case domain.KindRule:
		rule := &domain.RuleDescriptor{Type: domain.RuleType(cfg.Type), Conditions: cfg.Conditions}
		if err := rule.Validate(); err != nil {
			return err
		}
		d.Rule = rule

	case domain.KindRequestWithRule:
		if cfg.When == nil {
			return fmt.Errorf("request-with-rule requires when")
		}
		if err := cfg.When.Validate(); err != nil {
			return fmt.Errorf("when: %w", err)
		}
		d.When = cfg.When

	case domain.KindFetchAndFind:
		if cfg.RequestField == "" || cfg.ResponseField == "" {
			return fmt.Errorf("fetch-and-find requires request_field and response_field")
		}
		d.Find = &domain.FindOptions{
			DataField:     cfg.DataField,
			RequestField:  cfg.RequestField,
			ResponseField: cfg.ResponseField,
			LinkType:      orDefault(cfg.LinkType, "userbase"),
			ClearField:    orDefault(cfg.ClearField, "externalId"),
		}

	case domain.KindValidateEmail:
		class := domain.EmailClass(strings.ToLower(orDefault(cfg.Type, string(domain.EmailCorporate))))
		if class != domain.EmailPublic && class != domain.EmailCorporate {
			return fmt.Errorf("validate-email type must be 'public' or 'corporate', got %q", cfg.Type)
		}
		validateUsername := true
		if cfg.ValidateUsername != nil {
			validateUsername = *cfg.ValidateUsername
		}
		d.Email = &domain.EmailOptions{Class: class, ValidateUsername: validateUsername}

	case domain.KindNotification, domain.KindChatMessage, domain.KindSMSMessage:
		n, err := notifyOptions(d, cfg)
		if err != nil {
			return err
		}
		d.Notify = n

	case domain.KindAPIListener, domain.KindEventListener:
		l, err := listenerOptions(d, cfg)
		if err != nil {
			return err
		}
		d.Listener = l
	}
	return nil
}

func notifyOptions(d *domain.StageDescriptor, cfg *stageConfig) (*domain.NotifyOptions, error) {
	n := &domain.NotifyOptions{
		Phase:      domain.NotifyPhase(strings.ToLower(orDefault(cfg.Type, string(domain.PhaseAfter)))),
		Event:      cfg.Event,
		Payload:    strings.ToLower(orDefault(cfg.Payload, "request")),
		UseURL:     cfg.UseURL,
		Channel:    strings.ToLower(cfg.Channel),
		Subject:    cfg.Subject,
		ChatToken:  cfg.Token,
		ChannelID:  cfg.ChannelID,
		AccountSID: cfg.AccountSID,
		AuthToken:  cfg.AuthToken,
		From:       cfg.From,
		ContentSID: cfg.ContentSID,
		Code:       cfg.Code,
		ToField:    orDefault(cfg.ToField, "phoneNumbers.0.value"),
	}
	if n.Phase != domain.PhaseBefore && n.Phase != domain.PhaseAfter {
		return nil, fmt.Errorf("adapter type must be 'before' or 'after', got %q", cfg.Type)
	}
	if n.Payload != "request" && n.Payload != "response" {
		return nil, fmt.Errorf("payload must be 'request' or 'response', got %q", cfg.Payload)
	}

	switch d.Kind {
	case domain.KindNotification:
		switch n.Channel {
		case "", "webhook":
			n.Channel = "webhook"
			if d.URL == "" {
				return nil, fmt.Errorf("notification requires url")
			}
			if d.Method == "" {
				d.Method = http.MethodPost
			}
		case "event":
			if n.Subject == "" {
				return nil, fmt.Errorf("event notification requires subject")
			}
		default:
			return nil, fmt.Errorf("unknown notification channel %q", cfg.Channel)
		}
	case domain.KindChatMessage:
		if n.ChatToken == "" || n.ChannelID == "" {
			return nil, fmt.Errorf("chat-message requires token and channel_id")
		}
	case domain.KindSMSMessage:
		if n.AccountSID == "" || n.AuthToken == "" || n.From == "" || n.ContentSID == "" {
			return nil, fmt.Errorf("sms-message requires account_sid, auth_token, from and content_sid")
		}
		switch n.Channel {
		case "":
			n.Channel = "whatsapp"
		case "whatsapp", "sms":
		default:
			return nil, fmt.Errorf("unknown sms-message channel %q", cfg.Channel)
		}
	}
	return n, nil
}

func listenerOptions(d *domain.StageDescriptor, cfg *stageConfig) (*domain.ListenerOptions, error) {
	resource, err := domain.ParseResourceType(orDefault(cfg.Resource, "user"))
	if err != nil {
		return nil, err
	}
	op, err := domain.ParseOperation(cfg.Operation)
	if err != nil {
		return nil, err
	}
	l := &domain.ListenerOptions{
		Resource:  resource,
		Operation: op,
		IDField:   orDefault(cfg.IDField, "id"),
		DataField: cfg.DataField,
		Interval:  cfg.Interval,
		Brokers:   cfg.Brokers,
		Topic:     cfg.Topic,
		GroupID:   cfg.GroupID,
	}

	switch d.Kind {
	case domain.KindAPIListener:
		if d.URL == "" {
			return nil, fmt.Errorf("api-listener requires url")
		}
		if d.Method == "" {
			d.Method = http.MethodGet
		}
		if l.Interval <= 0 {
			l.Interval = DefaultListenerInterval
		}
	case domain.KindEventListener:
		if len(l.Brokers) == 0 || l.Topic == "" {
			return nil, fmt.Errorf("event-listener requires brokers and topic")
		}
		if l.GroupID == "" {
			l.GroupID = "provisioning-gateway-" + orDefault(d.Name, d.Port)
		}
	}
	return l, nil
}

// LoadCaches resolves and decodes cache descriptors. Names must be unique.
func LoadCaches(raws []map[string]any, resolver ports.ConfigResolver) ([]domain.CacheDescriptor, error) {
	out := make([]domain.CacheDescriptor, 0, len(raws))
	seen := make(map[string]bool, len(raws))
	for i, raw := range raws {
		name, _ := raw["name"].(string)
		source := fmt.Sprintf("caches[%d] %s", i, name)
		if name == "" {
			return nil, &domain.ConfigError{Source: source, Reason: "name is required"}
		}
		if seen[name] {
			return nil, &domain.ConfigError{Source: source, Reason: "duplicate cache name"}
		}
		seen[name] = true

		resolved := raw
		if resolver != nil {
			var err error
			resolved, err = resolver.Resolve(name, raw)
			if err != nil {
				return nil, err
			}
		}

		desc, err := DecodeCache(resolved)
		if err != nil {
			return nil, &domain.ConfigError{Source: source, Reason: "invalid descriptor", Err: err}
		}
		out = append(out, desc)
	}
	return out, nil
}

// DecodeCache decodes and validates one resolved cache descriptor.
func DecodeCache(raw map[string]any) (domain.CacheDescriptor, error) {
	var cfg cacheConfig
	extra, err := decode(raw, &cfg)
	if err != nil {
		return domain.CacheDescriptor{}, err
	}
	if cfg.URL == "" {
		return domain.CacheDescriptor{}, fmt.Errorf("url is required")
	}
	if cfg.RetryCount < 0 {
		return domain.CacheDescriptor{}, fmt.Errorf("retry_count must not be negative")
	}
	if err := cfg.Auth.Validate(); err != nil {
		return domain.CacheDescriptor{}, fmt.Errorf("auth: %w", err)
	}
	headers, err := stringMap(extra["headers"])
	if err != nil {
		return domain.CacheDescriptor{}, fmt.Errorf("headers: %w", err)
	}
	d := domain.CacheDescriptor{
		Name:         cfg.Name,
		URL:          cfg.URL,
		Method:       strings.ToUpper(orDefault(cfg.Method, http.MethodGet)),
		Headers:      headers,
		Auth:         cfg.Auth,
		Mapping:      cfg.Mapping,
		RetryCount:   cfg.RetryCount,
		RetryDelay:   cfg.RetryDelay,
		BlockOnError: cfg.BlockOnError,
		ExpiresIn:    cfg.ExpiresIn,
		Port:         cfg.Port,
	}
	if body, ok := extra["body"].(map[string]any); ok {
		d.Body = body
	}
	if def, ok := extra["default_body"].(map[string]any); ok {
		d.DefaultBody = def
	}
	return d, nil
}

func stringMap(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a map, got %T", v)
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case string:
			out[k] = t
		case nil:
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
