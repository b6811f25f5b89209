package integrations

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atendo-io/atendo/internal/channels"
	"github.com/atendo-io/atendo/internal/models"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// seal is the test-side counterpart of the resolver's decryptSecrets:
// AES-256-GCM, nonce||ciphertext.
func seal(t *testing.T, keyHex string, secrets map[string]string) []byte {
	t.Helper()

	key, err := hex.DecodeString(keyHex)
	require.NoError(t, err)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)

	plaintext, err := json.Marshal(secrets)
	require.NoError(t, err)

	nonce := make([]byte, gcm.NonceSize())
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	return gcm.Seal(nonce, nonce, plaintext, nil)
}

type stubStore struct {
	row   *models.ChannelIntegration
	err   error
	calls int
}

func (s *stubStore) GetActive(ctx context.Context, workspaceID uuid.UUID, channel string) (*models.ChannelIntegration, error) {
	s.calls++
	return s.row, s.err
}

func newTestResolver(t *testing.T, store Store) *Resolver {
	t.Helper()
	r, err := NewResolver(store, nil, testKeyHex, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestNewResolverRejectsBadKeys(t *testing.T) {
	_, err := NewResolver(&stubStore{}, nil, "not-hex", zap.NewNop())
	assert.Error(t, err)

	_, err = NewResolver(&stubStore{}, nil, "deadbeef", zap.NewNop())
	assert.Error(t, err, "short keys must be rejected")
}

func TestGetActiveIntegrationDecryptsSecrets(t *testing.T) {
	workspaceID := uuid.New()
	store := &stubStore{row: &models.ChannelIntegration{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Channel:     channels.ChannelWhatsApp,
		IsActive:    true,
		Secrets: seal(t, testKeyHex, map[string]string{
			"app_secret":      "s3cret",
			"access_token":    "tok",
			"phone_number_id": "123456",
		}),
	}}

	r := newTestResolver(t, store)
	integration, err := r.GetActiveIntegration(context.Background(), workspaceID, channels.ChannelWhatsApp)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", integration.Secrets["app_secret"])
	assert.Equal(t, "tok", integration.Secrets["access_token"])
	assert.Equal(t, channels.ChannelWhatsApp, integration.Channel)
}

func TestGetActiveIntegrationNotConfigured(t *testing.T) {
	r := newTestResolver(t, &stubStore{row: nil})

	_, err := r.GetActiveIntegration(context.Background(), uuid.New(), channels.ChannelWhatsApp)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestGetActiveIntegrationIncompleteConfiguration(t *testing.T) {
	workspaceID := uuid.New()
	store := &stubStore{row: &models.ChannelIntegration{
		WorkspaceID: workspaceID,
		Channel:     channels.ChannelWhatsApp,
		IsActive:    true,
		// access_token and phone_number_id are missing.
		Secrets: seal(t, testKeyHex, map[string]string{"app_secret": "s3cret"}),
	}}

	r := newTestResolver(t, store)
	_, err := r.GetActiveIntegration(context.Background(), workspaceID, channels.ChannelWhatsApp)
	assert.ErrorIs(t, err, ErrConfigurationIncomplete)
}

func TestGetActiveIntegrationWrongKeyFails(t *testing.T) {
	otherKey := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	workspaceID := uuid.New()
	store := &stubStore{row: &models.ChannelIntegration{
		WorkspaceID: workspaceID,
		Channel:     channels.ChannelWhatsApp,
		IsActive:    true,
		Secrets:     seal(t, otherKey, map[string]string{"app_secret": "s3cret"}),
	}}

	r := newTestResolver(t, store)
	_, err := r.GetActiveIntegration(context.Background(), workspaceID, channels.ChannelWhatsApp)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConfigured)
}

func TestResolverWithoutCacheHitsStoreEachTime(t *testing.T) {
	workspaceID := uuid.New()
	store := &stubStore{row: &models.ChannelIntegration{
		WorkspaceID: workspaceID,
		Channel:     channels.ChannelWebchat,
		IsActive:    true,
		Secrets: seal(t, testKeyHex, map[string]string{
			"webhook_secret": "wh",
			"api_token":      "at",
		}),
	}}

	r := newTestResolver(t, store)
	for i := 0; i < 3; i++ {
		_, err := r.GetActiveIntegration(context.Background(), workspaceID, channels.ChannelWebchat)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, store.calls, "nil cache means a store read per call")
}
