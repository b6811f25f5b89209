package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waIntegration(secrets map[string]string) *Integration {
	return &Integration{Channel: ChannelWhatsApp, Secrets: secrets}
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const waPayload = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"changes": [{
			"value": {
				"contacts": [{"wa_id": "5511999990000", "profile": {"name": "Maria"}}],
				"messages": [{
					"id": "wamid.abc123",
					"from": "5511999990000",
					"timestamp": "1756600000",
					"type": "text",
					"text": {"body": "oi"}
				}]
			}
		}]
	}]
}`

func TestWhatsAppVerifyWebhook(t *testing.T) {
	p := NewWhatsAppProvider()
	body := []byte(waPayload)
	integration := waIntegration(map[string]string{"app_secret": "topsecret"})

	headers := http.Header{}
	headers.Set("X-Hub-Signature-256", signBody("topsecret", body))
	assert.True(t, p.VerifyWebhook(body, headers, integration))

	t.Run("wrong secret fails", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Hub-Signature-256", signBody("othersecret", body))
		assert.False(t, p.VerifyWebhook(body, headers, integration))
	})

	t.Run("tampered body fails", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Hub-Signature-256", signBody("topsecret", body))
		assert.False(t, p.VerifyWebhook([]byte(`{"tampered":true}`), headers, integration))
	})

	t.Run("missing header fails", func(t *testing.T) {
		assert.False(t, p.VerifyWebhook(body, http.Header{}, integration))
	})

	t.Run("header without sha256 prefix fails", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Hub-Signature-256", "deadbeef")
		assert.False(t, p.VerifyWebhook(body, headers, integration))
	})

	t.Run("missing configured secret fails closed", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Hub-Signature-256", signBody("", body))
		assert.False(t, p.VerifyWebhook(body, headers, waIntegration(map[string]string{})))
	})
}

func TestWhatsAppReceiveWebhook(t *testing.T) {
	p := NewWhatsAppProvider()

	messages, err := p.ReceiveWebhook([]byte(waPayload), http.Header{}, waIntegration(nil))
	require.NoError(t, err)
	require.Len(t, messages, 1)

	m := messages[0]
	assert.Equal(t, "wamid.abc123", m.ProviderMessageID)
	assert.Equal(t, "oi", m.Text)
	assert.Equal(t, "5511999990000", m.SenderID)
	assert.Equal(t, "Maria", m.SenderName)
	assert.Equal(t, "+5511999990000", m.SenderPhone)
	assert.Equal(t, time.Unix(1756600000, 0).UTC(), m.SentAt)
}

func TestWhatsAppReceiveWebhookFiltersEmptyEntries(t *testing.T) {
	p := NewWhatsAppProvider()

	// A message with neither text nor sender (a status-style entry) is
	// dropped; the one with content survives.
	payload := `{
		"entry": [{"changes": [{"value": {"messages": [
			{"id": "wamid.noise", "timestamp": "1756600000", "type": "reaction"},
			{"id": "wamid.keep", "from": "5511888880000", "timestamp": "1756600001", "type": "text", "text": {"body": "hello"}}
		]}}]}]
	}`

	messages, err := p.ReceiveWebhook([]byte(payload), http.Header{}, waIntegration(nil))
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "wamid.keep", messages[0].ProviderMessageID)
}

func TestWhatsAppReceiveWebhookFallbackID(t *testing.T) {
	p := NewWhatsAppProvider()

	payload := `{
		"entry": [{"changes": [{"value": {"messages": [
			{"from": "5511888880000", "timestamp": "1756600000", "type": "text", "text": {"body": "sem id"}}
		]}}]}]
	}`

	messages, err := p.ReceiveWebhook([]byte(payload), http.Header{}, waIntegration(nil))
	require.NoError(t, err)
	require.Len(t, messages, 1)

	sentAt := time.Unix(1756600000, 0).UTC()
	assert.Equal(t, FallbackMessageID(ChannelWhatsApp, sentAt, "5511888880000"), messages[0].ProviderMessageID)
	assert.Equal(t, "whatsapp_1756600000000_5511888880000", messages[0].ProviderMessageID)
}

func TestWhatsAppReceiveWebhookMalformedJSON(t *testing.T) {
	p := NewWhatsAppProvider()
	_, err := p.ReceiveWebhook([]byte(`{not json`), http.Header{}, waIntegration(nil))
	assert.Error(t, err)
}

func TestWhatsAppMapInboundToContact(t *testing.T) {
	p := NewWhatsAppProvider()

	info := p.MapInboundToContact(InboundMessage{
		SenderID:    "5511999990000",
		SenderName:  "Maria",
		SenderPhone: "+5511999990000",
	})
	assert.Equal(t, "Maria", info.DisplayName)
	assert.Equal(t, "+5511999990000", info.Phone)
	assert.Equal(t, "5511999990000", info.ExternalID)

	t.Run("default display name", func(t *testing.T) {
		info := p.MapInboundToContact(InboundMessage{SenderID: "5511999990000", SenderPhone: "+5511999990000"})
		assert.Equal(t, "WhatsApp User", info.DisplayName)
	})
}
