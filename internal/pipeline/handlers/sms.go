package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/dotpath"
)

const channelSMS = "twilio"

// SMSMessage is a templated message to one recipient.
type SMSMessage struct {
	AccountSID       string
	AuthToken        string
	From             string
	To               string
	ContentSID       string
	ContentVariables string
}

// SMSSender delivers templated messages and returns the provider message id.
type SMSSender interface {
	Send(ctx context.Context, msg SMSMessage) (string, error)
}

// TwilioSender sends through the Twilio Messages API. Clients are reused
// per account.
type TwilioSender struct {
	mu      sync.Mutex
	clients map[string]*twilio.RestClient
}

// NewTwilioSender creates a sender.
func NewTwilioSender() *TwilioSender {
	return &TwilioSender{clients: make(map[string]*twilio.RestClient)}
}

func (s *TwilioSender) client(sid, token string) *twilio.RestClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sid + ":" + token
	if c, ok := s.clients[key]; ok {
		return c
	}
	c := twilio.NewRestClientWithParams(twilio.ClientParams{Username: sid, Password: token})
	s.clients[key] = c
	return c
}

// Send implements SMSSender.
func (s *TwilioSender) Send(ctx context.Context, msg SMSMessage) (string, error) {
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(msg.From)
	params.SetContentSid(msg.ContentSID)
	params.SetContentVariables(msg.ContentVariables)

	resp, err := s.client(msg.AccountSID, msg.AuthToken).Api.CreateMessage(params)
	if err != nil {
		return "", err
	}
	if resp.Sid == nil {
		return "", nil
	}
	return *resp.Sid, nil
}

// SMSMessage sends the stage's content template to the first phone number
// of the engine response (or of the request body when there is none).
func (h *Handlers) SMSMessage(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) error {
	trace.SpanFromContext(ctx).AddEvent("adapter: sending sms message")
	n := stage.Notify

	source := rc.Response
	if source == nil {
		source = rc.Body
	}
	phone, _ := dotpath.Get(source, n.ToField)
	number, ok := phone.(string)
	if !ok || number == "" {
		return &domain.AdapterError{Channel: channelSMS, Err: fmt.Errorf("no phone number at %s", n.ToField)}
	}

	to := number
	if n.Channel == "whatsapp" {
		to = "whatsapp:" + number
	}
	vars, err := json.Marshal(map[string]string{"1": n.Code})
	if err != nil {
		return &domain.AdapterError{Channel: channelSMS, Err: err}
	}

	sid, err := h.deps.SMS.Send(ctx, SMSMessage{
		AccountSID:       n.AccountSID,
		AuthToken:        n.AuthToken,
		From:             n.From,
		To:               to,
		ContentSID:       n.ContentSID,
		ContentVariables: string(vars),
	})
	if err != nil {
		return &domain.AdapterError{Channel: channelSMS, Err: err}
	}
	if sid == "" {
		return &domain.AdapterError{Channel: channelSMS, Err: errors.New("provider returned no message id")}
	}
	h.deps.Logger.Info("sms message sent",
		slog.String("stage", stage.Label()),
		slog.String("run_id", rc.RunID),
		slog.String("sid", sid),
	)
	return nil
}
