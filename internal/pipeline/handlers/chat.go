package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
)

const channelChat = "slack"

// ChatSender posts a message to a chat channel.
type ChatSender interface {
	PostMessage(ctx context.Context, token, channelID, username, text string) error
}

// SlackSender posts through the Slack Web API.
type SlackSender struct {
	httpClient *http.Client
	apiURL     string
}

// NewSlackSender creates a sender. A nil client uses http.DefaultClient.
func NewSlackSender(httpClient *http.Client) *SlackSender {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SlackSender{httpClient: httpClient}
}

// WithAPIURL points the sender at another Slack API base URL. The URL must
// end with a slash.
func (s *SlackSender) WithAPIURL(u string) *SlackSender {
	s.apiURL = u
	return s
}

// PostMessage implements ChatSender.
func (s *SlackSender) PostMessage(ctx context.Context, token, channelID, username, text string) error {
	opts := []slack.Option{slack.OptionHTTPClient(s.httpClient)}
	if s.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(s.apiURL))
	}
	api := slack.New(token, opts...)
	_, _, err := api.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionUsername(username),
	)
	return err
}

// ChatMessage posts the notification data as a JSON code block.
func (h *Handlers) ChatMessage(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) error {
	trace.SpanFromContext(ctx).AddEvent("adapter: sending chat message")
	env := NewEnvelope(rc, stage)

	data, err := json.MarshalIndent(env.Data, "", "  ")
	if err != nil {
		return &domain.AdapterError{Channel: channelChat, Err: err}
	}
	resource := rc.Resource()
	username := fmt.Sprintf("Provisioning Notifications - %s - %s", resource, stage.Notify.Phase)
	text := fmt.Sprintf("Notification: %s - %s\n```%s```", resource, stage.Notify.Phase, data)

	if err := h.deps.Chat.PostMessage(ctx, stage.Notify.ChatToken, stage.Notify.ChannelID, username, text); err != nil {
		return &domain.AdapterError{Channel: channelChat, Err: err}
	}
	return nil
}
