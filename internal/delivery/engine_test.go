package delivery

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pairchat/internal/clock"
	"pairchat/internal/db"
	"pairchat/internal/mocks"
	"pairchat/internal/models"
	"pairchat/internal/protocol"
	"pairchat/internal/registry"
	"pairchat/internal/repositories"
)

var (
	start = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	dbSeq atomic.Int64
)

type fixture struct {
	engine   *Engine
	registry *registry.Registry
	pusher   *mocks.Pusher
	clock    *clock.Fake
	messages *repositories.MessageRepo
	users    *repositories.UserRepo
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:delivery%d?mode=memory&cache=shared&_fk=1", dbSeq.Add(1))
	database, err := db.Connect("sqlite3", dsn, quietLogger())
	require.NoError(t, err)
	require.NoError(t, db.SeedUsers(context.Background(), database, []string{"alice", "bob"}))

	f := &fixture{
		registry: registry.New(),
		pusher:   &mocks.Pusher{},
		clock:    clock.NewFake(start),
		messages: repositories.NewMessageRepo(database),
		users:    repositories.NewUserRepo(database),
	}
	f.engine = NewEngine(f.messages, f.users, f.registry, f.pusher, f.clock, quietLogger())
	t.Cleanup(func() { database.Close() })
	return f
}

func hello(id string) protocol.SendMessage {
	return protocol.SendMessage{ID: id, SenderUsername: "alice", ReceiverUsername: "bob", Content: "hello", Type: models.MessageText}
}

func TestSendToOnlineReceiverDeliversOnce(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("alice", "a1")
	f.registry.Register("bob", "b1")

	id := uuid.NewString()
	msg, err := f.engine.Send(context.Background(), "alice", hello(id))
	require.NoError(t, err)
	require.NotNil(t, msg.DeliveredAt)

	assert.Equal(t, []string{protocol.TypeMessageReceive}, f.pusher.Types("b1"))
	assert.Equal(t, []string{protocol.TypeMessageSent, protocol.TypeDelivered}, f.pusher.Types("a1"))

	all := f.pusher.All()
	require.Len(t, all, 3)
	assert.Equal(t, "b1", all[1].ConnID, "receiver gets the message before the sender hears it was delivered")
	delivered := all[2].Event.(protocol.MessageDelivered)
	assert.Equal(t, id, delivered.MessageID)

	stored, err := f.messages.GetMessage(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored.DeliveredAt)
	assert.True(t, delivered.DeliveredAt.Equal(*stored.DeliveredAt))
}

func TestSendToOfflineReceiverIsSentNotDelivered(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("alice", "a1")

	msg, err := f.engine.Send(context.Background(), "alice", hello(""))
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID, "server assigns an id when the client sent none")
	assert.Nil(t, msg.DeliveredAt)
	assert.Equal(t, []string{protocol.TypeMessageSent}, f.pusher.Types("a1"))

	// bob comes back and syncs: the message is there and alice learns it was delivered
	f.registry.Register("bob", "b1")
	f.pusher.Reset()
	res, err := f.engine.Sync(context.Background(), "bob", protocol.SyncRequest{CurrentUser: "bob", OtherUser: "alice"})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, msg.ID, res.Messages[0].ID)
	assert.NotNil(t, res.Messages[0].DeliveredAt)
	assert.Empty(t, f.pusher.Types("b1"))
	assert.Equal(t, []string{protocol.TypeDelivered}, f.pusher.Types("a1"))
}

func TestSendWithFullReceiverQueueStaysUndelivered(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("alice", "a1")
	f.registry.Register("bob", "b1")
	f.pusher.Refuse = map[string]bool{"b1": true}

	msg, err := f.engine.Send(context.Background(), "alice", hello(uuid.NewString()))
	require.NoError(t, err)
	assert.Nil(t, msg.DeliveredAt)
	assert.Equal(t, []string{protocol.TypeMessageSent}, f.pusher.Types("a1"))

	stored, err := f.messages.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.DeliveredAt, "the delivered claim is released when the push is refused")
}

// failingDelivered refuses every delivered claim.
type failingDelivered struct {
	*repositories.MessageRepo
}

func (failingDelivered) MarkDelivered(context.Context, string, time.Time) (bool, error) {
	return false, assert.AnError
}

func TestSendWithFailedDeliveredClaimIsLeftForSync(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("alice", "a1")
	f.registry.Register("bob", "b1")
	engine := NewEngine(failingDelivered{f.messages}, f.users, f.registry, f.pusher, f.clock, quietLogger())

	msg, err := engine.Send(context.Background(), "alice", hello(uuid.NewString()))
	require.NoError(t, err)
	assert.Nil(t, msg.DeliveredAt)
	assert.Empty(t, f.pusher.Types("b1"))
	assert.Equal(t, []string{protocol.TypeMessageSent}, f.pusher.Types("a1"))

	f.pusher.Reset()
	res, err := f.engine.Sync(context.Background(), "bob", protocol.SyncRequest{CurrentUser: "bob", OtherUser: "alice"})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.NotNil(t, res.Messages[0].DeliveredAt)
	assert.Equal(t, []string{protocol.TypeDelivered}, f.pusher.Types("a1"))
}

func TestRoutedMessageIsNotDeliveredAgainBySyncOrRetry(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("alice", "a1")
	f.registry.Register("bob", "b1")
	ctx := context.Background()
	id := uuid.NewString()

	_, err := f.engine.Send(ctx, "alice", hello(id))
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.engine.Sync(ctx, "bob", protocol.SyncRequest{CurrentUser: "bob", OtherUser: "alice"})
	require.NoError(t, err)
	_, err = f.engine.Send(ctx, "alice", hello(id))
	require.NoError(t, err)

	assert.Equal(t, []string{protocol.TypeMessageReceive}, f.pusher.Types("b1"))
	assert.Equal(t, []string{protocol.TypeMessageSent, protocol.TypeDelivered, protocol.TypeMessageSent}, f.pusher.Types("a1"))
}

func TestRetriedSendIsNotDuplicated(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("alice", "a1")
	f.registry.Register("bob", "b1")
	id := uuid.NewString()

	_, err := f.engine.Send(context.Background(), "alice", hello(id))
	require.NoError(t, err)
	f.pusher.Reset()

	_, err = f.engine.Send(context.Background(), "alice", hello(id))
	require.NoError(t, err)
	assert.Empty(t, f.pusher.Types("b1"))
	assert.Equal(t, []string{protocol.TypeMessageSent}, f.pusher.Types("a1"))

	conv, _ := models.NewConversation("alice", "bob")
	msgs, err := f.messages.ListConversation(context.Background(), conv, nil)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSendRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Send(ctx, "bob", hello(""))
	assert.ErrorIs(t, err, ErrUnauthorized)

	req := hello("")
	req.ReceiverUsername = "mallory"
	_, err = f.engine.Send(ctx, "alice", req)
	assert.ErrorIs(t, err, ErrUnknownUser)

	req = hello("")
	req.Content = ""
	_, err = f.engine.Send(ctx, "alice", req)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, models.ErrEmptyMessage)

	_, err = f.engine.Send(ctx, "alice", hello("not-a-uuid"))
	assert.ErrorIs(t, err, ErrInvalid)

	req = hello("")
	req.Type = "sticker"
	_, err = f.engine.Send(ctx, "alice", req)
	assert.ErrorIs(t, err, models.ErrInvalidType)
	assert.Empty(t, f.pusher.All())
}

func TestSendPersistenceFailureDoesNotAdvance(t *testing.T) {
	messages := new(mocks.MessageRepositoryMock)
	users := new(mocks.UserRepositoryMock)
	reg := registry.New()
	pusher := &mocks.Pusher{}
	engine := NewEngine(messages, users, reg, pusher, clock.NewFake(start), quietLogger())
	reg.Register("alice", "a1")
	reg.Register("bob", "b1")

	users.On("GetUser", mock.Anything, "bob").Return(models.User{Username: "bob"}, nil)
	messages.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, assert.AnError).Once()

	_, err := engine.Send(context.Background(), "alice", hello(uuid.NewString()))
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, protocol.CodePersistence, ErrorCode(err))
	assert.Empty(t, pusher.All())
	messages.AssertExpectations(t)
}

func TestReadAckIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("alice", "a1")
	f.registry.Register("bob", "b1")
	ctx := context.Background()

	msg, err := f.engine.Send(ctx, "alice", hello(uuid.NewString()))
	require.NoError(t, err)
	f.pusher.Reset()

	ack := protocol.ReadAck{MessageID: msg.ID, CurrentUser: "bob"}
	f.clock.Advance(time.Second)
	read, err := f.engine.MarkRead(ctx, "bob", ack)
	require.NoError(t, err)
	require.NotNil(t, read.ReadAt)

	f.clock.Advance(time.Second)
	again, err := f.engine.MarkRead(ctx, "bob", ack)
	require.NoError(t, err)
	assert.True(t, read.ReadAt.Equal(*again.ReadAt))

	events := f.pusher.To("a1")
	require.Len(t, events, 1)
	assert.Equal(t, protocol.MessageRead{MessageID: msg.ID, ReadAt: *read.ReadAt}, events[0])
}

func TestReadAckAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg, err := f.engine.Send(ctx, "alice", hello(uuid.NewString()))
	require.NoError(t, err)

	_, err = f.engine.MarkRead(ctx, "bob", protocol.ReadAck{MessageID: msg.ID, CurrentUser: "alice"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	// the sender cannot mark its own message read
	_, err = f.engine.MarkRead(ctx, "alice", protocol.ReadAck{MessageID: msg.ID, CurrentUser: "alice"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, repositories.ErrNotRecipient)

	_, err = f.engine.MarkRead(ctx, "bob", protocol.ReadAck{MessageID: uuid.NewString(), CurrentUser: "bob"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadStatusIsPerMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.engine.Send(ctx, "alice", hello(uuid.NewString()))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	second, err := f.engine.Send(ctx, "alice", hello(uuid.NewString()))
	require.NoError(t, err)

	_, err = f.engine.MarkRead(ctx, "bob", protocol.ReadAck{MessageID: second.ID, CurrentUser: "bob"})
	require.NoError(t, err)

	earlier, err := f.messages.GetMessage(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, earlier.ReadAt, "reading a later message leaves earlier ones unread")

	f.registry.Register("alice", "a1")
	changed, err := f.engine.MarkAllRead(ctx, "bob", protocol.MarkAllRead{CurrentUser: "bob", OtherUser: "alice"})
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, first.ID, changed[0].ID)
	assert.Equal(t, []string{protocol.TypeRead}, f.pusher.Types("a1"))

	count, err := f.engine.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSyncAfterGapReturnsAscendingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := f.engine.Send(ctx, "alice", hello(uuid.NewString()))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
		f.clock.Advance(time.Second)
	}

	res, err := f.engine.Sync(ctx, "bob", protocol.SyncRequest{CurrentUser: "bob", OtherUser: "alice"})
	require.NoError(t, err)
	require.Len(t, res.Messages, 3)
	for i, msg := range res.Messages {
		assert.Equal(t, ids[i], msg.ID)
	}
	assert.Nil(t, res.Since)

	since := start.Add(time.Second)
	res, err = f.engine.Sync(ctx, "bob", protocol.SyncRequest{CurrentUser: "bob", OtherUser: "alice", LastSyncTime: &since})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, ids[2], res.Messages[0].ID)
	assert.Equal(t, &since, res.Since)
}

func TestSyncRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Sync(ctx, "bob", protocol.SyncRequest{CurrentUser: "alice", OtherUser: "bob"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.engine.Sync(ctx, "bob", protocol.SyncRequest{CurrentUser: "bob", OtherUser: "bob"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = f.engine.Sync(ctx, "bob", protocol.SyncRequest{CurrentUser: "bob", OtherUser: "mallory"})
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, protocol.CodeUnauthorized, ErrorCode(fmt.Errorf("%w: x", ErrUnauthorized)))
	assert.Equal(t, protocol.CodeInvalid, ErrorCode(ErrUnknownUser))
	assert.Equal(t, protocol.CodeNotFound, ErrorCode(ErrNotFound))
	assert.Equal(t, protocol.CodeInternal, ErrorCode(assert.AnError))
}
