package integrations

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atendo-io/atendo/internal/channels"
	"github.com/atendo-io/atendo/internal/models"
)

// Terminal resolution failures. The gateway maps both to a 4xx for the
// whole webhook call — no partial processing.
var (
	// ErrNotConfigured means no active integration row exists for the
	// workspace+channel pair.
	ErrNotConfigured = errors.New("channel integration not configured")

	// ErrConfigurationIncomplete means the integration exists but is
	// missing keys the channel requires (secret, token, ...).
	ErrConfigurationIncomplete = errors.New("channel integration configuration incomplete")
)

// requiredSecretKeys lists, per channel, the keys a usable integration must
// carry. An integration missing any of them is ErrConfigurationIncomplete —
// better to reject the webhook outright than to half-verify it.
var requiredSecretKeys = map[string][]string{
	channels.ChannelWhatsApp: {"app_secret", "access_token", "phone_number_id"},
	channels.ChannelWebchat:  {"webhook_secret", "api_token"},
}

// Store is the persistence contract the resolver reads through.
type Store interface {
	// GetActive returns the active integration for a workspace+channel,
	// or (nil, nil) when none exists.
	GetActive(ctx context.Context, workspaceID uuid.UUID, channel string) (*models.ChannelIntegration, error)
}

// Resolver loads and decrypts a workspace's channel credentials.
//
// Cache layout: the webhook hot path resolves credentials on every delivery,
// so the raw (still-encrypted) integration row is cached in Redis with a
// short TTL. Decrypted secrets never touch Redis. Cache failures degrade to
// a direct store read — Redis being down must not break ingestion.
type Resolver struct {
	store  Store
	cache  *redis.Client
	key    []byte
	logger *zap.Logger
}

const cacheTTL = 60 * time.Second

// NewResolver builds a resolver. credentialKey is the hex-encoded 32-byte
// AES key; cache may be nil to disable caching (tests, local dev without
// Redis).
func NewResolver(store Store, cache *redis.Client, credentialKey string, logger *zap.Logger) (*Resolver, error) {
	key, err := hex.DecodeString(credentialKey)
	if err != nil {
		return nil, fmt.Errorf("decode credential key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}
	return &Resolver{store: store, cache: cache, key: key, logger: logger}, nil
}

// GetActiveIntegration returns the decrypted secrets for a workspace's
// channel, or ErrNotConfigured / ErrConfigurationIncomplete.
func (r *Resolver) GetActiveIntegration(ctx context.Context, workspaceID uuid.UUID, channel string) (*channels.Integration, error) {
	row, err := r.lookup(ctx, workspaceID, channel)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotConfigured
	}

	secrets, err := r.decryptSecrets(row.Secrets)
	if err != nil {
		return nil, fmt.Errorf("decrypt integration secrets: %w", err)
	}

	for _, k := range requiredSecretKeys[channel] {
		if secrets[k] == "" {
			return nil, fmt.Errorf("%w: missing %q", ErrConfigurationIncomplete, k)
		}
	}

	return &channels.Integration{
		WorkspaceID: workspaceID.String(),
		Channel:     channel,
		Secrets:     secrets,
	}, nil
}

func (r *Resolver) lookup(ctx context.Context, workspaceID uuid.UUID, channel string) (*models.ChannelIntegration, error) {
	cacheKey := fmt.Sprintf("integration:%s:%s", workspaceID, channel)

	if r.cache != nil {
		raw, err := r.cache.Get(ctx, cacheKey).Bytes()
		if err == nil {
			var cached cachedIntegration
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached.row(), nil
			}
			// Corrupt cache entry — treat as a miss.
		} else if !errors.Is(err, redis.Nil) {
			r.logger.Debug("integration cache read failed",
				zap.String("key", cacheKey), zap.Error(err))
		}
	}

	row, err := r.store.GetActive(ctx, workspaceID, channel)
	if err != nil {
		return nil, fmt.Errorf("load integration: %w", err)
	}
	if row == nil {
		return nil, nil
	}

	if r.cache != nil {
		// Cache the row as stored — Secrets is the encrypted blob. Errors
		// are non-fatal; the next delivery just reads the store again.
		if raw, err := json.Marshal(newCachedIntegration(row)); err == nil {
			if err := r.cache.Set(ctx, cacheKey, raw, cacheTTL).Err(); err != nil {
				r.logger.Debug("integration cache write failed",
					zap.String("key", cacheKey), zap.Error(err))
			}
		}
	}
	return row, nil
}

// cachedIntegration is the Redis representation of an integration row.
// models.ChannelIntegration hides Secrets from JSON (json:"-"), which is
// right for API responses and wrong here — the cache needs the encrypted
// blob back on read, so it gets its own shape.
type cachedIntegration struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Channel     string    `json:"channel"`
	IsActive    bool      `json:"is_active"`
	Secrets     []byte    `json:"secrets"`
}

func newCachedIntegration(row *models.ChannelIntegration) cachedIntegration {
	return cachedIntegration{
		ID:          row.ID,
		WorkspaceID: row.WorkspaceID,
		Channel:     row.Channel,
		IsActive:    row.IsActive,
		Secrets:     row.Secrets,
	}
}

func (c cachedIntegration) row() *models.ChannelIntegration {
	return &models.ChannelIntegration{
		ID:          c.ID,
		WorkspaceID: c.WorkspaceID,
		Channel:     c.Channel,
		IsActive:    c.IsActive,
		Secrets:     c.Secrets,
	}
}

// decryptSecrets opens an AES-256-GCM blob laid out as nonce||ciphertext
// and unmarshals the plaintext JSON object into a flat string map. The
// admin service owns the matching encryption; we only ever read.
func (r *Resolver) decryptSecrets(blob []byte) (map[string]string, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("secret blob shorter than nonce")
	}

	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed secrets: %w", err)
	}

	secrets := make(map[string]string)
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("decode secrets JSON: %w", err)
	}
	return secrets, nil
}
