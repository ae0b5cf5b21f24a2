package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/events"
	"realtime-service/internal/mocks"
	"realtime-service/internal/models"
	"realtime-service/internal/presence"
)

type fakeConn struct {
	id string

	mu       sync.Mutex
	payloads [][]byte
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return true
}

func (c *fakeConn) Close() {}

func (c *fakeConn) envelopes(t *testing.T) []events.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Envelope, 0, len(c.payloads))
	for _, p := range c.payloads {
		var env events.Envelope
		require.NoError(t, json.Unmarshal(p, &env))
		out = append(out, env)
	}
	return out
}

var (
	alice = models.Identity{UserID: "alice", Type: models.ParticipantStudent}
	bob   = models.Identity{UserID: "bob", Type: models.ParticipantTeacher}
)

func participantRows(conversationID int, identities ...models.Identity) []models.Participant {
	rows := make([]models.Participant, 0, len(identities))
	for _, id := range identities {
		rows = append(rows, models.Participant{
			ConversationID: conversationID,
			UserID:         id.UserID,
			UserType:       id.Type,
		})
	}
	return rows
}

func setupDispatcher(publisher *mocks.PublisherMock) (*Dispatcher, *mocks.ConversationRepositoryMock, *mocks.MessageRepositoryMock, *presence.Registry, *fakeConn, *fakeConn) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	registry := presence.NewRegistry()

	aliceConn := &fakeConn{id: "conn-alice"}
	bobConn := &fakeConn{id: "conn-bob"}
	registry.Register(alice, aliceConn)
	registry.Register(bob, bobConn)

	var d *Dispatcher
	if publisher != nil {
		d = NewDispatcher(convRepo, msgRepo, registry, publisher)
	} else {
		d = NewDispatcher(convRepo, msgRepo, registry, nil)
	}
	return d, convRepo, msgRepo, registry, aliceConn, bobConn
}

func TestSendMessagePersistsThenFansOut(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	d, convRepo, msgRepo, _, aliceConn, bobConn := setupDispatcher(publisher)

	conv := models.Conversation{ID: 5, Type: models.ConversationDirect}
	persisted := models.Message{ID: 42, ConversationID: 5, SenderID: "alice", SenderType: models.ParticipantStudent, Type: models.MessageText, Body: "hi"}

	convRepo.On("GetConversation", mock.Anything, 5).Return(conv, nil).Once()
	convRepo.On("IsParticipant", mock.Anything, 5, "alice").Return(true, nil).Once()
	msgRepo.On("AppendMessage", mock.Anything, 5, alice, models.MessageText, "hi", "", "").Return(persisted, nil).Once()
	convRepo.On("Participants", mock.Anything, 5).Return(participantRows(5, alice, bob), nil).Once()
	publisher.On("Publish", mock.Anything, "chat.message_sent", mock.Anything).Return(nil).Once()

	msg, err := d.SendMessage(context.Background(), alice, SendRequest{ConversationID: 5, Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, persisted, msg)

	for _, conn := range []*fakeConn{aliceConn, bobConn} {
		envs := conn.envelopes(t)
		require.Len(t, envs, 1)
		assert.Equal(t, events.ChatNew, envs[0].Event)
		var delivered models.Message
		require.NoError(t, json.Unmarshal(envs[0].Data, &delivered))
		assert.Equal(t, 42, delivered.ID)
	}

	convRepo.AssertExpectations(t)
	msgRepo.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestSendMessageToRecipientResolvesDirectConversation(t *testing.T) {
	d, convRepo, msgRepo, _, _, bobConn := setupDispatcher(nil)

	conv := models.Conversation{ID: 9, Type: models.ConversationDirect}
	persisted := models.Message{ID: 1, ConversationID: 9, SenderID: "alice", Type: models.MessageText, Body: "first contact"}

	convRepo.On("CreateOrGetDirect", mock.Anything, alice, bob).Return(conv, nil).Once()
	msgRepo.On("AppendMessage", mock.Anything, 9, alice, models.MessageText, "first contact", "", "").Return(persisted, nil).Once()
	convRepo.On("Participants", mock.Anything, 9).Return(participantRows(9, alice, bob), nil).Once()

	_, err := d.SendMessage(context.Background(), alice, SendRequest{Recipient: bob, Body: "first contact"})
	require.NoError(t, err)
	require.Len(t, bobConn.envelopes(t), 1)

	convRepo.AssertExpectations(t)
	msgRepo.AssertExpectations(t)
}

func TestSendMessageRejectsNonParticipant(t *testing.T) {
	d, convRepo, msgRepo, _, _, _ := setupDispatcher(nil)

	conv := models.Conversation{ID: 5, Type: models.ConversationGroup}
	convRepo.On("GetConversation", mock.Anything, 5).Return(conv, nil).Once()
	convRepo.On("IsParticipant", mock.Anything, 5, "alice").Return(false, nil).Once()

	_, err := d.SendMessage(context.Background(), alice, SendRequest{ConversationID: 5, Body: "hi"})
	assert.ErrorIs(t, err, ErrNotParticipant)

	msgRepo.AssertNotCalled(t, "AppendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	convRepo.AssertExpectations(t)
}

func TestSendMessageValidation(t *testing.T) {
	d, _, _, _, _, _ := setupDispatcher(nil)
	ctx := context.Background()

	_, err := d.SendMessage(ctx, alice, SendRequest{ConversationID: 5})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = d.SendMessage(ctx, alice, SendRequest{ConversationID: 5, Type: models.MessageImage})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = d.SendMessage(ctx, alice, SendRequest{ConversationID: 5, Type: "sticker", Body: "x"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = d.SendMessage(ctx, alice, SendRequest{Body: "no target"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSendMessageStoreFailureAbortsFanOut(t *testing.T) {
	d, convRepo, msgRepo, _, aliceConn, bobConn := setupDispatcher(nil)

	conv := models.Conversation{ID: 5, Type: models.ConversationDirect}
	convRepo.On("GetConversation", mock.Anything, 5).Return(conv, nil).Once()
	convRepo.On("IsParticipant", mock.Anything, 5, "alice").Return(true, nil).Once()
	msgRepo.On("AppendMessage", mock.Anything, 5, alice, models.MessageText, "hi", "", "").Return(models.Message{}, assert.AnError).Once()

	_, err := d.SendMessage(context.Background(), alice, SendRequest{ConversationID: 5, Body: "hi"})
	require.Error(t, err)

	assert.Empty(t, aliceConn.envelopes(t))
	assert.Empty(t, bobConn.envelopes(t))
	convRepo.AssertNotCalled(t, "Participants", mock.Anything, mock.Anything)
}

func TestSendMessageNonceDeduplicates(t *testing.T) {
	d, convRepo, msgRepo, _, _, bobConn := setupDispatcher(nil)

	conv := models.Conversation{ID: 5, Type: models.ConversationDirect}
	persisted := models.Message{ID: 42, ConversationID: 5, SenderID: "alice", Type: models.MessageText, Body: "hi"}

	convRepo.On("GetConversation", mock.Anything, 5).Return(conv, nil).Once()
	convRepo.On("IsParticipant", mock.Anything, 5, "alice").Return(true, nil).Once()
	msgRepo.On("AppendMessage", mock.Anything, 5, alice, models.MessageText, "hi", "", "").Return(persisted, nil).Once()
	convRepo.On("Participants", mock.Anything, 5).Return(participantRows(5, alice, bob), nil).Once()

	req := SendRequest{ConversationID: 5, Body: "hi", Nonce: "n-1"}
	first, err := d.SendMessage(context.Background(), alice, req)
	require.NoError(t, err)
	second, err := d.SendMessage(context.Background(), alice, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, bobConn.envelopes(t), 1)
	msgRepo.AssertExpectations(t)
	convRepo.AssertExpectations(t)
}

func TestSendMessageNonceIsScopedToSender(t *testing.T) {
	d, convRepo, msgRepo, _, _, _ := setupDispatcher(nil)

	conv := models.Conversation{ID: 5, Type: models.ConversationGroup}
	convRepo.On("GetConversation", mock.Anything, 5).Return(conv, nil).Twice()
	convRepo.On("IsParticipant", mock.Anything, 5, mock.Anything).Return(true, nil).Twice()
	msgRepo.On("AppendMessage", mock.Anything, 5, alice, models.MessageText, "hi", "", "").Return(models.Message{ID: 1, ConversationID: 5}, nil).Once()
	msgRepo.On("AppendMessage", mock.Anything, 5, bob, models.MessageText, "hi", "", "").Return(models.Message{ID: 2, ConversationID: 5}, nil).Once()
	convRepo.On("Participants", mock.Anything, 5).Return(participantRows(5, alice, bob), nil).Twice()

	fromAlice, err := d.SendMessage(context.Background(), alice, SendRequest{ConversationID: 5, Body: "hi", Nonce: "n-1"})
	require.NoError(t, err)
	fromBob, err := d.SendMessage(context.Background(), bob, SendRequest{ConversationID: 5, Body: "hi", Nonce: "n-1"})
	require.NoError(t, err)

	assert.NotEqual(t, fromAlice.ID, fromBob.ID)
	msgRepo.AssertExpectations(t)
}

func TestMarkReadNotifiesOtherParticipants(t *testing.T) {
	d, convRepo, msgRepo, _, aliceConn, bobConn := setupDispatcher(nil)

	convRepo.On("IsParticipant", mock.Anything, 5, "bob").Return(true, nil).Once()
	convRepo.On("ResetUnread", mock.Anything, 5, "bob").Return(nil).Once()
	msgRepo.On("MarkRead", mock.Anything, 5, "bob").Return(nil).Once()
	convRepo.On("Participants", mock.Anything, 5).Return(participantRows(5, alice, bob), nil).Once()

	require.NoError(t, d.MarkRead(context.Background(), bob, 5))

	envs := aliceConn.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, events.ChatReadReceipt, envs[0].Event)
	var receipt events.ReadReceiptPayload
	require.NoError(t, json.Unmarshal(envs[0].Data, &receipt))
	assert.Equal(t, "bob", receipt.ReaderID)

	// The reader does not get their own receipt.
	assert.Empty(t, bobConn.envelopes(t))
	convRepo.AssertExpectations(t)
	msgRepo.AssertExpectations(t)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	d, convRepo, msgRepo, _, _, _ := setupDispatcher(nil)

	convRepo.On("IsParticipant", mock.Anything, 5, "bob").Return(true, nil).Twice()
	convRepo.On("ResetUnread", mock.Anything, 5, "bob").Return(nil).Twice()
	msgRepo.On("MarkRead", mock.Anything, 5, "bob").Return(nil).Twice()
	convRepo.On("Participants", mock.Anything, 5).Return(participantRows(5, alice, bob), nil).Twice()

	require.NoError(t, d.MarkRead(context.Background(), bob, 5))
	require.NoError(t, d.MarkRead(context.Background(), bob, 5))
	convRepo.AssertExpectations(t)
}

func TestMarkReadRejectsNonParticipant(t *testing.T) {
	d, convRepo, _, _, _, _ := setupDispatcher(nil)

	convRepo.On("IsParticipant", mock.Anything, 5, "alice").Return(false, nil).Once()
	assert.ErrorIs(t, d.MarkRead(context.Background(), alice, 5), ErrNotParticipant)
	convRepo.AssertNotCalled(t, "ResetUnread", mock.Anything, mock.Anything, mock.Anything)
}

func TestReactUpsertsAndFansOut(t *testing.T) {
	d, convRepo, msgRepo, _, aliceConn, bobConn := setupDispatcher(nil)

	msg := models.Message{ID: 42, ConversationID: 5}
	msgRepo.On("GetMessage", mock.Anything, 42).Return(msg, nil).Once()
	convRepo.On("IsParticipant", mock.Anything, 5, "bob").Return(true, nil).Once()
	msgRepo.On("UpsertReaction", mock.Anything, 42, "bob", "👍").Return(nil).Once()
	msgRepo.On("ReactionsFor", mock.Anything, 42).Return(map[string]string{"bob": "👍"}, nil).Once()
	convRepo.On("Participants", mock.Anything, 5).Return(participantRows(5, alice, bob), nil).Once()

	reactions, err := d.React(context.Background(), bob, 42, "👍")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"bob": "👍"}, reactions)

	for _, conn := range []*fakeConn{aliceConn, bobConn} {
		envs := conn.envelopes(t)
		require.Len(t, envs, 1)
		assert.Equal(t, events.ChatReactionUpdated, envs[0].Event)
	}
	msgRepo.AssertExpectations(t)
}

func TestReactEmptyReactionClears(t *testing.T) {
	d, convRepo, msgRepo, _, _, _ := setupDispatcher(nil)

	msg := models.Message{ID: 42, ConversationID: 5}
	msgRepo.On("GetMessage", mock.Anything, 42).Return(msg, nil).Once()
	convRepo.On("IsParticipant", mock.Anything, 5, "bob").Return(true, nil).Once()
	msgRepo.On("ClearReaction", mock.Anything, 42, "bob").Return(nil).Once()
	msgRepo.On("ReactionsFor", mock.Anything, 42).Return(map[string]string{}, nil).Once()
	convRepo.On("Participants", mock.Anything, 5).Return(participantRows(5, alice, bob), nil).Once()

	reactions, err := d.React(context.Background(), bob, 42, "")
	require.NoError(t, err)
	assert.Empty(t, reactions)
	msgRepo.AssertNotCalled(t, "UpsertReaction", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReactRejectsNonParticipant(t *testing.T) {
	d, convRepo, msgRepo, _, _, _ := setupDispatcher(nil)

	msg := models.Message{ID: 42, ConversationID: 5}
	msgRepo.On("GetMessage", mock.Anything, 42).Return(msg, nil).Once()
	convRepo.On("IsParticipant", mock.Anything, 5, "alice").Return(false, nil).Once()

	_, err := d.React(context.Background(), alice, 42, "👍")
	assert.ErrorIs(t, err, ErrNotParticipant)
	msgRepo.AssertNotCalled(t, "UpsertReaction", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestListMessagesRequiresMembership(t *testing.T) {
	d, convRepo, msgRepo, _, _, _ := setupDispatcher(nil)

	convRepo.On("IsParticipant", mock.Anything, 5, "alice").Return(false, nil).Once()
	_, err := d.ListMessages(context.Background(), alice, 5, 50, 0)
	assert.ErrorIs(t, err, ErrNotParticipant)

	convRepo.On("IsParticipant", mock.Anything, 6, "alice").Return(true, nil).Once()
	msgRepo.On("ListMessages", mock.Anything, 6, 50, 0).Return([]models.Message{{ID: 1}}, nil).Once()
	msgs, err := d.ListMessages(context.Background(), alice, 6, 50, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestCreateGroupIncludesCreator(t *testing.T) {
	d, convRepo, _, _, _, _ := setupDispatcher(nil)

	carol := models.Identity{UserID: "carol", Type: models.ParticipantStudent}
	expected := []models.Identity{alice, bob, carol}
	convRepo.On("CreateGroup", mock.Anything, "physics", expected).Return(models.Conversation{ID: 7, Type: models.ConversationGroup, Title: "physics"}, nil).Once()

	conv, err := d.CreateGroup(context.Background(), alice, "physics", []models.Identity{bob, carol})
	require.NoError(t, err)
	assert.Equal(t, 7, conv.ID)
	convRepo.AssertExpectations(t)
}
