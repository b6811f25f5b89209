package channels

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webchat widget secrets the resolver must supply.
const (
	webchatSecretWebhookSecret = "webhook_secret"
	webchatSecretAPIToken      = "api_token"
	webchatSecretDeliveryURL   = "delivery_url"
)

const webchatDefaultDisplayName = "Visitante"

// WebchatProvider handles the site chat widget. The widget backend batches
// visitor messages into one webhook delivery and receives agent replies on
// its delivery endpoint.
type WebchatProvider struct {
	HTTP *http.Client
}

func NewWebchatProvider() *WebchatProvider {
	return &WebchatProvider{
		HTTP: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *WebchatProvider) Name() string { return ChannelWebchat }

// VerifyWebhook checks the widget's shared secret in X-Webchat-Token.
// Simpler scheme than WhatsApp's body signature — the widget backend is
// ours, so a bearer-style shared secret over TLS is the agreed contract.
// Still fails closed when unconfigured, and compares in constant time.
func (p *WebchatProvider) VerifyWebhook(payload []byte, headers http.Header, integration *Integration) bool {
	secret := integration.Secrets[webchatSecretWebhookSecret]
	if secret == "" {
		return false
	}
	got := headers.Get("X-Webchat-Token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// webchatEnvelope is the widget backend's delivery format: a flat batch of
// visitor messages, each with the visitor's self-reported identity.
type webchatEnvelope struct {
	Messages []struct {
		ID      string `json:"id"`
		Text    string `json:"text"`
		SentAt  int64  `json:"sent_at"`
		Visitor struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Email string `json:"email"`
			Phone string `json:"phone"`
		} `json:"visitor"`
	} `json:"messages"`
}

func (p *WebchatProvider) ReceiveWebhook(payload []byte, headers http.Header, integration *Integration) ([]InboundMessage, error) {
	var envelope webchatEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode webchat payload: %w", err)
	}

	messages := make([]InboundMessage, 0, len(envelope.Messages))
	for _, m := range envelope.Messages {
		if m.Text == "" && m.Visitor.ID == "" {
			continue
		}

		sentAt := time.Now().UTC()
		if m.SentAt > 0 {
			// The widget sends unix millis.
			sentAt = time.UnixMilli(m.SentAt).UTC()
		}

		id := m.ID
		if id == "" {
			id = FallbackMessageID(ChannelWebchat, sentAt, m.Visitor.ID)
		}

		messages = append(messages, InboundMessage{
			ProviderMessageID: id,
			Text:              m.Text,
			SenderID:          m.Visitor.ID,
			SenderName:        m.Visitor.Name,
			SenderPhone:       m.Visitor.Phone,
			SenderEmail:       m.Visitor.Email,
			SentAt:            sentAt,
		})
	}
	return messages, nil
}

func (p *WebchatProvider) MapInboundToContact(msg InboundMessage) ContactInfo {
	name := msg.SenderName
	if name == "" {
		name = webchatDefaultDisplayName
	}
	return ContactInfo{
		DisplayName: name,
		Phone:       msg.SenderPhone,
		Email:       msg.SenderEmail,
		ExternalID:  msg.SenderID,
	}
}

func (p *WebchatProvider) SendMessage(ctx context.Context, input SendInput, integration *Integration) (*SendResult, error) {
	token := integration.Secrets[webchatSecretAPIToken]
	deliveryURL := integration.Secrets[webchatSecretDeliveryURL]
	if token == "" || deliveryURL == "" {
		return nil, fmt.Errorf("webchat send: integration missing api_token or delivery_url")
	}

	raw, err := json.Marshal(map[string]string{
		"visitor_id": input.To,
		"text":       input.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("webchat send: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deliveryURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("webchat send: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webchat send: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webchat send: widget backend returned %d: %s", resp.StatusCode, string(body))
	}

	var sendResp struct {
		MessageID string `json:"message_id"`
	}
	// The widget backend may answer 204 with no body; an empty id is fine.
	_ = json.Unmarshal(body, &sendResp)

	return &SendResult{ProviderMessageID: sendResp.MessageID}, nil
}
