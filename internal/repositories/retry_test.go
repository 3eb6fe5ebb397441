package repositories

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pairchat/internal/models"
)

type messageRepoMock struct {
	MessageRepository
	mock.Mock
}

func (m *messageRepoMock) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *messageRepoMock) MarkRead(ctx context.Context, id, reader string, at time.Time) (models.Message, bool, error) {
	args := m.Called(ctx, id, reader, at)
	return args.Get(0).(models.Message), args.Bool(1), args.Error(2)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Initial: time.Millisecond}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(driver.ErrBadConn))
	assert.True(t, IsTransient(fmt.Errorf("insert: %w", context.DeadlineExceeded)))
	assert.True(t, IsTransient(&pq.Error{Code: "08006"}))
	assert.True(t, IsTransient(&pq.Error{Code: "57P01"}))
	assert.True(t, IsTransient(fmt.Errorf("set presence: %w", errors.New("redis: connection pool timeout"))))
	assert.False(t, IsTransient(errors.New("redis: nil")))
	assert.False(t, IsTransient(&pq.Error{Code: "23505"}))
	assert.False(t, IsTransient(ErrMessageNotFound))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
}

func TestRetryingRepoRetriesTransientFailures(t *testing.T) {
	next := new(messageRepoMock)
	repo := NewRetryingMessageRepo(next, fastPolicy(), quietLogger())
	msg := textMessage("m1", "alice", "bob", 0)

	next.On("CreateMessage", mock.Anything, msg).Return(models.Message{}, driver.ErrBadConn).Twice()
	next.On("CreateMessage", mock.Anything, msg).Return(msg, nil).Once()

	stored, err := repo.CreateMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "m1", stored.ID)
	next.AssertExpectations(t)
}

func TestRetryingRepoGivesUpAfterAttempts(t *testing.T) {
	next := new(messageRepoMock)
	repo := NewRetryingMessageRepo(next, fastPolicy(), quietLogger())
	msg := textMessage("m1", "alice", "bob", 0)

	next.On("CreateMessage", mock.Anything, msg).Return(models.Message{}, driver.ErrBadConn).Times(3)

	_, err := repo.CreateMessage(context.Background(), msg)
	require.ErrorIs(t, err, driver.ErrBadConn)
	next.AssertNumberOfCalls(t, "CreateMessage", 3)
}

func TestRetryingRepoDoesNotRetryRejections(t *testing.T) {
	next := new(messageRepoMock)
	repo := NewRetryingMessageRepo(next, fastPolicy(), quietLogger())
	at := base

	next.On("MarkRead", mock.Anything, "m1", "alice", at).Return(models.Message{}, false, ErrNotRecipient).Once()

	_, _, err := repo.MarkRead(context.Background(), "m1", "alice", at)
	require.True(t, errors.Is(err, ErrNotRecipient))
	next.AssertNumberOfCalls(t, "MarkRead", 1)
}

func TestRetryingMarkReadRemembersChangeAcrossRetries(t *testing.T) {
	next := new(messageRepoMock)
	repo := NewRetryingMessageRepo(next, fastPolicy(), quietLogger())
	at := base
	read := textMessage("m1", "alice", "bob", 0)
	read.ReadAt = &at

	next.On("MarkRead", mock.Anything, "m1", "bob", at).Return(models.Message{}, true, driver.ErrBadConn).Once()
	next.On("MarkRead", mock.Anything, "m1", "bob", at).Return(read, false, nil).Once()

	msg, changed, err := repo.MarkRead(context.Background(), "m1", "bob", at)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "m1", msg.ID)
}
