package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// WhatsApp Cloud API secrets the resolver must supply.
const (
	whatsAppSecretAppSecret     = "app_secret"
	whatsAppSecretAccessToken   = "access_token"
	whatsAppSecretPhoneNumberID = "phone_number_id"
)

const whatsAppDefaultDisplayName = "WhatsApp User"

// WhatsAppProvider speaks the Meta Cloud API webhook and send formats.
type WhatsAppProvider struct {
	// BaseURL is overridable for tests; defaults to the Graph API.
	BaseURL string
	HTTP    *http.Client
}

func NewWhatsAppProvider() *WhatsAppProvider {
	return &WhatsAppProvider{
		BaseURL: "https://graph.facebook.com/v19.0",
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *WhatsAppProvider) Name() string { return ChannelWhatsApp }

// VerifyWebhook checks Meta's X-Hub-Signature-256 header: HMAC-SHA256 of
// the raw body keyed with the app secret, hex-encoded, "sha256=" prefix.
//
// Fail closed on every branch: no configured app secret, no header, or a
// mismatch all mean "not authentic". Comparison is constant-time — the
// signature is attacker-controlled input.
func (p *WhatsAppProvider) VerifyWebhook(payload []byte, headers http.Header, integration *Integration) bool {
	secret := integration.Secrets[whatsAppSecretAppSecret]
	if secret == "" {
		return false
	}

	header := headers.Get("X-Hub-Signature-256")
	expected := strings.TrimPrefix(header, "sha256=")
	if header == "" || expected == header {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(computed), []byte(expected))
}

// whatsAppEnvelope mirrors the slice of the Cloud API webhook we consume.
// Meta nests messages three levels deep, under entry, changes and value.
type whatsAppEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func (p *WhatsAppProvider) ReceiveWebhook(payload []byte, headers http.Header, integration *Integration) ([]InboundMessage, error) {
	var envelope whatsAppEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode whatsapp payload: %w", err)
	}

	messages := make([]InboundMessage, 0)
	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			// Profile names arrive in a sibling array keyed by wa_id,
			// not on the message itself.
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range change.Value.Messages {
				if m.Text.Body == "" && m.From == "" {
					// Neither content nor identity — status updates,
					// reactions and other noise we can't thread.
					continue
				}

				sentAt := time.Now().UTC()
				if secs, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
					sentAt = time.Unix(secs, 0).UTC()
				}

				id := m.ID
				if id == "" {
					id = FallbackMessageID(ChannelWhatsApp, sentAt, m.From)
				}

				messages = append(messages, InboundMessage{
					ProviderMessageID: id,
					Text:              m.Text.Body,
					SenderID:          m.From,
					SenderName:        names[m.From],
					SenderPhone:       normalizePhone(m.From),
					SentAt:            sentAt,
					Metadata: map[string]any{
						"wa_type": m.Type,
					},
				})
			}
		}
	}
	return messages, nil
}

func (p *WhatsAppProvider) MapInboundToContact(msg InboundMessage) ContactInfo {
	name := msg.SenderName
	if name == "" {
		name = whatsAppDefaultDisplayName
	}
	return ContactInfo{
		DisplayName: name,
		Phone:       msg.SenderPhone,
		ExternalID:  msg.SenderID,
	}
}

type whatsAppSendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

func (p *WhatsAppProvider) SendMessage(ctx context.Context, input SendInput, integration *Integration) (*SendResult, error) {
	token := integration.Secrets[whatsAppSecretAccessToken]
	phoneNumberID := integration.Secrets[whatsAppSecretPhoneNumberID]
	if token == "" || phoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp send: integration missing access_token or phone_number_id")
	}

	reqBody := whatsAppSendRequest{
		MessagingProduct: "whatsapp",
		To:               strings.TrimPrefix(input.To, "+"),
		Type:             "text",
	}
	reqBody.Text.Body = input.Text

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("whatsapp send: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", p.BaseURL, phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("whatsapp send: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("whatsapp send: graph API returned %d: %s", resp.StatusCode, string(body))
	}

	var sendResp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &sendResp); err != nil {
		return nil, fmt.Errorf("whatsapp send: decode response: %w", err)
	}

	result := &SendResult{}
	if len(sendResp.Messages) > 0 {
		result.ProviderMessageID = sendResp.Messages[0].ID
	}
	return result, nil
}

// normalizePhone turns a wa_id ("5511999990000") into E.164 ("+5511999990000").
func normalizePhone(waID string) string {
	if waID == "" {
		return ""
	}
	if strings.HasPrefix(waID, "+") {
		return waID
	}
	return "+" + waID
}
