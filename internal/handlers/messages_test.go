package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pairchat/internal/clock"
	"pairchat/internal/delivery"
	"pairchat/internal/mocks"
	"pairchat/internal/models"
	"pairchat/internal/protocol"
	"pairchat/internal/registry"
	"pairchat/internal/repositories"
)

var now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type messageFixture struct {
	router   *gin.Engine
	messages *mocks.MessageRepositoryMock
	users    *mocks.UserRepositoryMock
	registry *registry.Registry
	pusher   *mocks.Pusher
}

func newMessageFixture(username string) *messageFixture {
	f := &messageFixture{
		messages: new(mocks.MessageRepositoryMock),
		users:    new(mocks.UserRepositoryMock),
		registry: registry.New(),
		pusher:   &mocks.Pusher{},
	}
	engine := delivery.NewEngine(f.messages, f.users, f.registry, f.pusher, clock.NewFake(now), quietLogger())
	handler := NewMessageHandler(engine, nil)

	f.router = newRouter(username)
	f.router.GET("/api/messages", handler.ListMessages)
	f.router.POST("/api/messages", handler.PostMessage)
	f.router.GET("/api/messages/unread", handler.UnreadCount)
	f.router.PUT("/api/messages/mark-all-read", handler.MarkAllRead)
	f.router.PUT("/api/messages/:id/read", handler.MarkRead)
	return f
}

func TestPostMessageRoutesToLiveReceiver(t *testing.T) {
	f := newMessageFixture("alice")
	f.registry.Register("bob", "b1")
	stored := models.Message{ID: "4b0c3c52-7f0e-4e3b-9a51-3f0a3a1d6c11", SenderUsername: "alice", ReceiverUsername: "bob", Content: "hi", Type: models.MessageText, CreatedAt: now}

	f.users.On("GetUser", mock.Anything, "bob").Return(models.User{Username: "bob"}, nil)
	f.messages.On("CreateMessage", mock.Anything, mock.MatchedBy(func(m models.Message) bool {
		return m.SenderUsername == "alice" && m.ReceiverUsername == "bob" && m.Type == models.MessageText && m.ID != ""
	})).Return(stored, nil).Once()
	f.messages.On("MarkDelivered", mock.Anything, "4b0c3c52-7f0e-4e3b-9a51-3f0a3a1d6c11", now).Return(true, nil).Once()

	rec := do(f.router, http.MethodPost, "/api/messages", `{"receiverUsername":"bob","content":"hi"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	msg := decode(t, rec)["message"].(map[string]any)
	assert.NotNil(t, msg["deliveredAt"])
	assert.Equal(t, []string{protocol.TypeMessageReceive}, f.pusher.Types("b1"))
	f.messages.AssertExpectations(t)
}

func TestPostMessageAsAnotherUserIsForbidden(t *testing.T) {
	f := newMessageFixture("alice")

	rec := do(f.router, http.MethodPost, "/api/messages", `{"senderUsername":"bob","receiverUsername":"alice","content":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	f.messages.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestPostMessageStoreFailure(t *testing.T) {
	f := newMessageFixture("alice")
	f.users.On("GetUser", mock.Anything, "bob").Return(models.User{Username: "bob"}, nil)
	f.messages.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, assert.AnError).Once()

	rec := do(f.router, http.MethodPost, "/api/messages", `{"receiverUsername":"bob","content":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed to store message", decode(t, rec)["error"])
}

func TestListMessages(t *testing.T) {
	f := newMessageFixture("bob")
	conv, _ := models.NewConversation("alice", "bob")
	f.users.On("GetUser", mock.Anything, "alice").Return(models.User{Username: "alice"}, nil)
	f.messages.On("MarkDeliveredTo", mock.Anything, "bob", "alice", now).Return([]models.Message{}, nil).Once()
	f.messages.On("ListConversation", mock.Anything, conv, (*time.Time)(nil)).Return([]models.Message{
		{ID: "m1", SenderUsername: "alice", ReceiverUsername: "bob", Content: "one", Type: models.MessageText, CreatedAt: now},
	}, nil).Once()

	rec := do(f.router, http.MethodGet, "/api/messages?otherUser=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["messages"], 1)

	rec = do(f.router, http.MethodGet, "/api/messages", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(f.router, http.MethodGet, "/api/messages?otherUser=alice&since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.messages.AssertExpectations(t)
}

func TestMarkReadByNonRecipientIsForbidden(t *testing.T) {
	f := newMessageFixture("alice")
	f.messages.On("MarkRead", mock.Anything, "m1", "alice", now).Return(nil, false, repositories.ErrNotRecipient).Once()

	rec := do(f.router, http.MethodPut, "/api/messages/m1/read", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMarkReadUnknownMessage(t *testing.T) {
	f := newMessageFixture("bob")
	f.messages.On("MarkRead", mock.Anything, "m9", "bob", now).Return(nil, false, repositories.ErrMessageNotFound).Once()

	rec := do(f.router, http.MethodPut, "/api/messages/m9/read", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkAllReadAndUnreadCount(t *testing.T) {
	f := newMessageFixture("bob")
	f.registry.Register("alice", "a1")
	readAt := now
	f.users.On("GetUser", mock.Anything, "alice").Return(models.User{Username: "alice"}, nil)
	f.messages.On("MarkAllRead", mock.Anything, "bob", "alice", now).Return([]models.Message{
		{ID: "m1", SenderUsername: "alice", ReceiverUsername: "bob", ReadAt: &readAt},
		{ID: "m2", SenderUsername: "alice", ReceiverUsername: "bob", ReadAt: &readAt},
	}, nil).Once()
	f.messages.On("CountUnread", mock.Anything, "bob").Return(0, nil).Once()

	rec := do(f.router, http.MethodPut, "/api/messages/mark-all-read", `{"otherUser":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{protocol.TypeRead, protocol.TypeRead}, f.pusher.Types("a1"))

	rec = do(f.router, http.MethodGet, "/api/messages/unread", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["unreadCount"])
}
