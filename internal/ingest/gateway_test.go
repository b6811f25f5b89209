package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atendo-io/atendo/internal/automation"
	"github.com/atendo-io/atendo/internal/channels"
	"github.com/atendo-io/atendo/internal/integrations"
	"github.com/atendo-io/atendo/internal/models"
	"github.com/atendo-io/atendo/internal/repository"
	"github.com/atendo-io/atendo/internal/scoring"
)

// ---------------------------------------------------------------
// Fakes. The store fake replicates the ingestion transaction's
// semantics (dedup short-circuit, contact upsert, open-conversation
// threading) in memory so the gateway's behavior is testable without
// Postgres.
// ---------------------------------------------------------------

type fakeProvider struct {
	name      string
	verifyOK  bool
	messages  []channels.InboundMessage
	parseErr  error
	sendCalls int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) VerifyWebhook(payload []byte, headers http.Header, integration *channels.Integration) bool {
	return p.verifyOK
}

func (p *fakeProvider) ReceiveWebhook(payload []byte, headers http.Header, integration *channels.Integration) ([]channels.InboundMessage, error) {
	if p.parseErr != nil {
		return nil, p.parseErr
	}
	return p.messages, nil
}

func (p *fakeProvider) MapInboundToContact(msg channels.InboundMessage) channels.ContactInfo {
	name := msg.SenderName
	if name == "" {
		name = "Contato"
	}
	return channels.ContactInfo{
		DisplayName: name,
		Phone:       msg.SenderPhone,
		Email:       msg.SenderEmail,
		ExternalID:  msg.SenderID,
	}
}

func (p *fakeProvider) SendMessage(ctx context.Context, input channels.SendInput, integration *channels.Integration) (*channels.SendResult, error) {
	p.sendCalls++
	return &channels.SendResult{}, nil
}

type fakeResolver struct {
	integration *channels.Integration
	err         error
}

func (r *fakeResolver) GetActiveIntegration(ctx context.Context, workspaceID uuid.UUID, channel string) (*channels.Integration, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.integration, nil
}

type memStore struct {
	byProviderID  map[string]*repository.IngestResult
	contacts      map[string]*models.Contact      // keyed by phone|email
	conversations map[string]*models.Conversation // open, keyed by contact+channel
	nextMessageID int64
}

func newMemStore() *memStore {
	return &memStore{
		byProviderID:  make(map[string]*repository.IngestResult),
		contacts:      make(map[string]*models.Contact),
		conversations: make(map[string]*models.Conversation),
	}
}

func (s *memStore) IngestInbound(ctx context.Context, workspaceID uuid.UUID, channel string, msg channels.InboundMessage, contact channels.ContactInfo) (*repository.IngestResult, error) {
	if msg.ProviderMessageID != "" {
		if prior, ok := s.byProviderID[msg.ProviderMessageID]; ok {
			return &repository.IngestResult{
				Conversation: prior.Conversation,
				Message:      prior.Message,
				IsDuplicate:  true,
			}, nil
		}
	}

	contactKey := contact.Phone
	if contactKey == "" {
		contactKey = contact.Email
	}
	if contactKey == "" {
		return nil, repository.ErrBadInput
	}

	c, ok := s.contacts[contactKey]
	if !ok {
		c = &models.Contact{ID: uuid.New(), WorkspaceID: workspaceID, Name: contact.DisplayName}
		s.contacts[contactKey] = c
	}

	convKey := contactKey + "|" + channel
	conv, ok := s.conversations[convKey]
	if !ok {
		conv = &models.Conversation{
			ID:            uuid.New(),
			WorkspaceID:   workspaceID,
			ContactID:     c.ID,
			Channel:       channel,
			Status:        models.ConversationOpen,
			LastMessageAt: msg.SentAt,
		}
		s.conversations[convKey] = conv
	}

	s.nextMessageID++
	providerID := msg.ProviderMessageID
	message := &models.Message{
		ID:             s.nextMessageID,
		WorkspaceID:    workspaceID,
		ConversationID: conv.ID,
		Direction:      models.DirectionIn,
		Body:           msg.Text,
		SentAt:         msg.SentAt,
	}
	if providerID != "" {
		message.ProviderMessageID = &providerID
	}
	conv.LastMessageAt = msg.SentAt

	result := &repository.IngestResult{Conversation: conv, Message: message}
	if providerID != "" {
		s.byProviderID[providerID] = result
	}
	return result, nil
}

func (s *memStore) CreateOutbound(ctx context.Context, workspaceID, conversationID uuid.UUID, body string, providerMessageID *string) (*models.Message, error) {
	return nil, errors.New("not used in gateway tests")
}

func (s *memStore) GetConversation(ctx context.Context, workspaceID, conversationID uuid.UUID) (*models.Conversation, error) {
	for _, conv := range s.conversations {
		if conv.ID == conversationID {
			return conv, nil
		}
	}
	return nil, nil
}

type fakeAssigner struct {
	members []uuid.UUID
	cursor  int
	err     error
	calls   int
	byConv  map[uuid.UUID]uuid.UUID
}

func newFakeAssigner(members ...uuid.UUID) *fakeAssigner {
	return &fakeAssigner{members: members, byConv: make(map[uuid.UUID]uuid.UUID)}
}

func (a *fakeAssigner) AssignRoundRobin(ctx context.Context, workspaceID uuid.UUID, channel string, conversationID uuid.UUID) (*repository.Assignment, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if len(a.members) == 0 {
		return nil, nil
	}
	member := a.members[a.cursor%len(a.members)]
	a.cursor++
	a.byConv[conversationID] = member
	return &repository.Assignment{AssignedToUserID: member, QueueID: uuid.New()}, nil
}

func (a *fakeAssigner) AssignManually(ctx context.Context, workspaceID, conversationID, userID uuid.UUID) (bool, error) {
	return false, errors.New("not used in gateway tests")
}

type recNotifier struct {
	panicMode     bool
	err           error
	userNotified  []uuid.UUID
	workspaceWide int
	lastKind      string
	lastTitle     string
	lastBody      string
}

func (n *recNotifier) Create(ctx context.Context, workspaceID uuid.UUID, userID *uuid.UUID, kind, title, body string) error {
	if n.panicMode {
		panic("notification sink exploded")
	}
	if n.err != nil {
		return n.err
	}
	if userID != nil {
		n.userNotified = append(n.userNotified, *userID)
	}
	n.lastKind, n.lastTitle, n.lastBody = kind, title, body
	return nil
}

func (n *recNotifier) NotifyWorkspaceMembers(ctx context.Context, workspaceID uuid.UUID, kind, title, body string) error {
	if n.panicMode {
		panic("notification sink exploded")
	}
	if n.err != nil {
		return n.err
	}
	n.workspaceWide++
	n.lastKind, n.lastTitle, n.lastBody = kind, title, body
	return nil
}

type recDispatcher struct {
	err    error
	events []automation.Event
	types  []string
}

func (d *recDispatcher) Dispatch(ctx context.Context, eventType string, event automation.Event) error {
	if d.err != nil {
		return d.err
	}
	d.types = append(d.types, eventType)
	d.events = append(d.events, event)
	return nil
}

type recScorer struct {
	err   error
	leads []scoring.Lead
}

func (s *recScorer) EnqueueLead(ctx context.Context, lead scoring.Lead) error {
	if s.err != nil {
		return s.err
	}
	s.leads = append(s.leads, lead)
	return nil
}

func (s *recScorer) Close() error { return nil }

// ---------------------------------------------------------------
// Harness
// ---------------------------------------------------------------

type harness struct {
	gateway    *Gateway
	provider   *fakeProvider
	resolver   *fakeResolver
	store      *memStore
	assigner   *fakeAssigner
	notifier   *recNotifier
	dispatcher *recDispatcher
	scorer     *recScorer
	workspace  uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		provider:   &fakeProvider{name: "fake", verifyOK: true},
		resolver:   &fakeResolver{integration: &channels.Integration{Channel: "fake"}},
		store:      newMemStore(),
		assigner:   newFakeAssigner(uuid.New()),
		notifier:   &recNotifier{},
		dispatcher: &recDispatcher{},
		scorer:     &recScorer{},
		workspace:  uuid.New(),
	}
	h.gateway = NewGateway(
		channels.NewRegistry(h.provider),
		h.resolver,
		h.store,
		h.assigner,
		h.notifier,
		h.dispatcher,
		h.scorer,
		zap.NewNop(),
	)
	return h
}

func (h *harness) receive(t *testing.T) (*Summary, error) {
	t.Helper()
	return h.gateway.ReceiveWebhook(context.Background(), "fake", []byte(`{}`), http.Header{}, h.workspace)
}

func inbound(id, text, phone string, sentAt time.Time) channels.InboundMessage {
	return channels.InboundMessage{
		ProviderMessageID: id,
		Text:              text,
		SenderID:          phone,
		SenderPhone:       phone,
		SentAt:            sentAt,
	}
}

// ---------------------------------------------------------------
// Rejection paths
// ---------------------------------------------------------------

func TestReceiveWebhookMissingWorkspace(t *testing.T) {
	h := newHarness(t)
	_, err := h.gateway.ReceiveWebhook(context.Background(), "fake", []byte(`{}`), http.Header{}, uuid.Nil)
	assert.ErrorIs(t, err, ErrMissingWorkspace)
}

func TestReceiveWebhookUnsupportedChannel(t *testing.T) {
	h := newHarness(t)
	_, err := h.gateway.ReceiveWebhook(context.Background(), "pager", []byte(`{}`), http.Header{}, h.workspace)
	assert.ErrorIs(t, err, ErrUnsupportedChannel)
}

func TestReceiveWebhookResolverFailurePassesThrough(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = integrations.ErrNotConfigured

	_, err := h.receive(t)
	assert.ErrorIs(t, err, integrations.ErrNotConfigured)
}

func TestReceiveWebhookVerificationFailure(t *testing.T) {
	h := newHarness(t)
	h.provider.verifyOK = false
	h.provider.messages = []channels.InboundMessage{inbound("m1", "oi", "+5511999990000", time.Now())}

	_, err := h.receive(t)
	assert.ErrorIs(t, err, ErrInvalidWebhook)
	assert.Empty(t, h.store.byProviderID, "nothing may be ingested from an unverified payload")
}

func TestReceiveWebhookMalformedPayload(t *testing.T) {
	h := newHarness(t)
	h.provider.parseErr = fmt.Errorf("garbled envelope")

	_, err := h.receive(t)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestReceiveWebhookBadContactRejectsCall(t *testing.T) {
	h := newHarness(t)
	// No phone, no email: the threading store has nothing to key the
	// contact on.
	h.provider.messages = []channels.InboundMessage{{ProviderMessageID: "m1", Text: "oi", SentAt: time.Now()}}

	_, err := h.receive(t)
	assert.ErrorIs(t, err, repository.ErrBadInput)
}

// ---------------------------------------------------------------
// Happy path and idempotence
// ---------------------------------------------------------------

func TestReceiveWebhookIngestsAndFansOut(t *testing.T) {
	h := newHarness(t)
	sentAt := time.Now().UTC().Truncate(time.Millisecond)
	h.provider.messages = []channels.InboundMessage{inbound("m1", "oi", "+5511999990000", sentAt)}

	summary, err := h.receive(t)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	require.Len(t, summary.Results, 1)
	assert.False(t, summary.Results[0].Duplicate)
	assert.NotEqual(t, uuid.Nil, summary.Results[0].ConversationID)
	assert.NotZero(t, summary.Results[0].MessageID)

	// Assignment was attempted and the assignee got the notification.
	assert.Equal(t, 1, h.assigner.calls)
	require.Len(t, h.notifier.userNotified, 1)
	assert.Equal(t, h.assigner.members[0], h.notifier.userNotified[0])
	assert.Equal(t, "conversation.assigned", h.notifier.lastKind)

	// Automation saw the created message.
	require.Len(t, h.dispatcher.events, 1)
	assert.Equal(t, automation.EventInboundCreated, h.dispatcher.types[0])
	assert.Equal(t, summary.Results[0].ConversationID, h.dispatcher.events[0].ConversationID)
	assert.Equal(t, summary.Results[0].MessageID, h.dispatcher.events[0].MessageID)

	// Lead scoring got the contact and message context.
	require.Len(t, h.scorer.leads, 1)
	assert.Equal(t, "oi", h.scorer.leads[0].LastMessage)
	assert.Equal(t, "fake", h.scorer.leads[0].Source)
}

func TestReceiveWebhookIdempotentRedelivery(t *testing.T) {
	h := newHarness(t)
	sentAt := time.Now().UTC()
	h.provider.messages = []channels.InboundMessage{inbound("m1", "oi", "+5511999990000", sentAt)}

	first, err := h.receive(t)
	require.NoError(t, err)
	require.Equal(t, 1, first.Processed)

	// Same payload delivered again (provider retry).
	second, err := h.receive(t)
	require.NoError(t, err)

	assert.Equal(t, 0, second.Processed, "re-delivery must not count as processed")
	require.Len(t, second.Results, 1)
	assert.True(t, second.Results[0].Duplicate)
	assert.Equal(t, first.Results[0].ConversationID, second.Results[0].ConversationID)
	assert.Equal(t, first.Results[0].MessageID, second.Results[0].MessageID)

	// Fan-out must not fire for the duplicate.
	assert.Equal(t, 1, h.assigner.calls)
	assert.Len(t, h.scorer.leads, 1)
	assert.Len(t, h.dispatcher.events, 1)
}

func TestReceiveWebhookThreadsSameContact(t *testing.T) {
	h := newHarness(t)
	t1 := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Minute)

	h.provider.messages = []channels.InboundMessage{inbound("m1", "oi", "+5511999990000", t1)}
	first, err := h.receive(t)
	require.NoError(t, err)

	h.provider.messages = []channels.InboundMessage{inbound("m2", "tudo bem?", "+5511999990000", t2)}
	second, err := h.receive(t)
	require.NoError(t, err)

	// Same open conversation, distinct messages.
	assert.Equal(t, first.Results[0].ConversationID, second.Results[0].ConversationID)
	assert.NotEqual(t, first.Results[0].MessageID, second.Results[0].MessageID)

	conv, err := h.store.GetConversation(context.Background(), h.workspace, first.Results[0].ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, t2, conv.LastMessageAt, "lastMessageAt tracks the later message")
}

func TestReceiveWebhookBatchIsSequential(t *testing.T) {
	h := newHarness(t)
	t1 := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	h.provider.messages = []channels.InboundMessage{
		inbound("m1", "primeira", "+5511999990000", t1),
		inbound("m2", "segunda", "+5511999990000", t1.Add(time.Second)),
		inbound("m1", "primeira de novo", "+5511999990000", t1), // dup within batch
	}

	summary, err := h.receive(t)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	require.Len(t, summary.Results, 3)
	assert.True(t, summary.Results[2].Duplicate)
	assert.Equal(t, summary.Results[0].ConversationID, summary.Results[1].ConversationID)
	assert.Equal(t, summary.Results[0].MessageID, summary.Results[2].MessageID)
}

// ---------------------------------------------------------------
// Fan-out behavior
// ---------------------------------------------------------------

func TestFanOutIsolation(t *testing.T) {
	h := newHarness(t)
	h.notifier.panicMode = true
	h.provider.messages = []channels.InboundMessage{inbound("m1", "oi", "+5511999990000", time.Now())}

	summary, err := h.receive(t)
	require.NoError(t, err, "a panicking sink must not fail the webhook")
	assert.Equal(t, 1, summary.Processed)

	// The actions after the panicking one still ran.
	assert.Len(t, h.dispatcher.events, 1)
	assert.Len(t, h.scorer.leads, 1)
}

func TestFanOutErrorsAreSwallowed(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("smtp down")
	h.dispatcher.err = errors.New("rules engine 503")
	h.scorer.err = errors.New("broker unreachable")
	h.provider.messages = []channels.InboundMessage{inbound("m1", "oi", "+5511999990000", time.Now())}

	summary, err := h.receive(t)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
}

func TestNoQueueLeavesConversationUnassigned(t *testing.T) {
	h := newHarness(t)
	h.assigner = newFakeAssigner() // empty roster, AssignRoundRobin returns nil
	h.gateway = NewGateway(channels.NewRegistry(h.provider), h.resolver, h.store,
		h.assigner, h.notifier, h.dispatcher, h.scorer, zap.NewNop())
	h.provider.messages = []channels.InboundMessage{inbound("m1", "oi", "+5511999990000", time.Now())}

	summary, err := h.receive(t)
	require.NoError(t, err, "no queue is a normal state, not an error")
	assert.Equal(t, 1, summary.Processed)

	// Nobody to notify individually: the whole workspace hears about it.
	assert.Empty(t, h.notifier.userNotified)
	assert.Equal(t, 1, h.notifier.workspaceWide)
	assert.Equal(t, "message.received", h.notifier.lastKind)
}

func TestSerializationConflictTolerated(t *testing.T) {
	h := newHarness(t)
	h.assigner.err = repository.ErrSerialization
	h.provider.messages = []channels.InboundMessage{inbound("m1", "oi", "+5511999990000", time.Now())}

	summary, err := h.receive(t)
	require.NoError(t, err, "losing the rotation race must not fail ingestion")
	assert.Equal(t, 1, summary.Processed)

	// The conversation stays unassigned and the workspace is notified.
	assert.Equal(t, 1, h.notifier.workspaceWide)

	// The other fan-out actions still ran.
	assert.Len(t, h.dispatcher.events, 1)
	assert.Len(t, h.scorer.leads, 1)
}

func TestAssignmentRotatesAcrossConversations(t *testing.T) {
	h := newHarness(t)
	m1, m2, m3 := uuid.New(), uuid.New(), uuid.New()
	h.assigner = newFakeAssigner(m1, m2, m3)
	h.gateway = NewGateway(channels.NewRegistry(h.provider), h.resolver, h.store,
		h.assigner, h.notifier, h.dispatcher, h.scorer, zap.NewNop())

	// Four distinct contacts, so four new conversations on the same channel.
	phones := []string{"+551191", "+551192", "+551193", "+551194"}
	for i, phone := range phones {
		h.provider.messages = []channels.InboundMessage{
			inbound(fmt.Sprintf("m%d", i), "oi", phone, time.Now()),
		}
		_, err := h.receive(t)
		require.NoError(t, err)
	}

	// Roster order, then wraparound to the first member.
	assert.Equal(t, []uuid.UUID{m1, m2, m3, m1}, h.notifier.userNotified)
}
