package channels

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Channel names. Providers register under these; the webhook URL path
// carries one of them.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelWebchat  = "webchat"
)

// Integration is the decrypted credential view a provider works with.
// Providers never see the storage representation — the resolver hands
// them plain key/value secrets.
type Integration struct {
	WorkspaceID string
	Channel     string
	Secrets     map[string]string
}

// InboundMessage is the channel-agnostic shape of one received message.
// Everything downstream of a provider (gateway, ingestion, assignment)
// only ever sees this.
type InboundMessage struct {
	// ProviderMessageID is the channel's own id for the message — the
	// idempotency key. Empty when the channel didn't supply one; the
	// provider then fills it with a deterministic fallback.
	ProviderMessageID string
	Text              string
	SenderID          string
	SenderName        string
	SenderPhone       string
	SenderEmail       string
	SentAt            time.Time
	Metadata          map[string]any
}

// ContactInfo is what a provider can tell us about the person behind an
// inbound message. At least one of Phone/Email/ExternalID is expected;
// DisplayName always has a value (providers substitute a channel-specific
// default when the payload has none).
type ContactInfo struct {
	DisplayName string
	Phone       string
	Email       string
	ExternalID  string
}

// SendInput is an outbound text send request.
type SendInput struct {
	To   string
	Text string
}

// SendResult reports the provider-side id of a sent message when the
// channel returns one.
type SendResult struct {
	ProviderMessageID string
}

// Provider is the per-channel capability set. Implementations are pure with
// respect to our storage: they parse, verify and call the channel's API,
// nothing else. Adding a channel means implementing this interface and
// registering it — the gateway never branches on channel strings beyond
// registry lookup.
type Provider interface {
	// Name returns the channel identifier this provider registers under.
	Name() string

	// VerifyWebhook authenticates a raw payload using the channel's scheme.
	// Must fail closed: a missing configured secret is a verification
	// failure, never a pass.
	VerifyWebhook(payload []byte, headers http.Header, integration *Integration) bool

	// ReceiveWebhook transforms a raw payload into zero or more normalized
	// messages. Pure: entries lacking both text and sender identity are
	// dropped, and messages without a provider id get the deterministic
	// fallback id from FallbackMessageID.
	ReceiveWebhook(payload []byte, headers http.Header, integration *Integration) ([]InboundMessage, error)

	// MapInboundToContact extracts contact identity from a normalized
	// message, substituting the channel's default display name when the
	// payload carries none.
	MapInboundToContact(msg InboundMessage) ContactInfo

	// SendMessage performs one outbound send. No retries — retry policy
	// belongs to the caller. On failure the error carries a human-readable
	// cause from the channel API.
	SendMessage(ctx context.Context, input SendInput, integration *Integration) (*SendResult, error)
}

// FallbackMessageID builds a deterministic id for inbound messages whose
// channel didn't supply one: {channel}_{unix-millis}_{sender}.
//
// Known gap: two genuinely distinct messages from the same sender in the
// same millisecond collide and the second is swallowed as a duplicate.
// Channels that omit ids are rare and low-volume; monitor duplicate counts
// per channel before reaching for anything fancier.
func FallbackMessageID(channel string, sentAt time.Time, senderID string) string {
	return fmt.Sprintf("%s_%d_%s", channel, sentAt.UnixMilli(), senderID)
}

// Registry maps channel names to providers.
//
// Why not a package-level map with init() registration?
//   - Explicit construction in main makes the wired channel set visible in
//     one place and lets tests build registries with fakes.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Lookup returns the provider for a channel, or nil if the channel is
// unsupported.
func (r *Registry) Lookup(channel string) Provider {
	return r.providers[channel]
}
