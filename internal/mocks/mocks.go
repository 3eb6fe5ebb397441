package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"pairchat/internal/models"
	"pairchat/internal/repositories"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var stored models.Message
	if val := args.Get(0); val != nil {
		stored = val.(models.Message)
	}
	return stored, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListConversation(ctx context.Context, conv models.Conversation, since *time.Time) ([]models.Message, error) {
	args := m.Called(ctx, conv, since)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error) {
	args := m.Called(ctx, messageID, at)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) UnmarkDelivered(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *MessageRepositoryMock) MarkDeliveredTo(ctx context.Context, receiver, sender string, at time.Time) ([]models.Message, error) {
	args := m.Called(ctx, receiver, sender, at)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, messageID, reader string, at time.Time) (models.Message, bool, error) {
	args := m.Called(ctx, messageID, reader, at)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) MarkAllRead(ctx context.Context, reader, sender string, at time.Time) ([]models.Message, error) {
	args := m.Called(ctx, reader, sender, at)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) CountUnread(ctx context.Context, receiver string) (int, error) {
	args := m.Called(ctx, receiver)
	return args.Int(0), args.Error(1)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) ListUsers(ctx context.Context) ([]models.User, error) {
	args := m.Called(ctx)
	var users []models.User
	if val := args.Get(0); val != nil {
		users = val.([]models.User)
	}
	return users, args.Error(1)
}

func (m *UserRepositoryMock) GetUser(ctx context.Context, username string) (models.User, error) {
	args := m.Called(ctx, username)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

type PresenceRepositoryMock struct {
	mock.Mock
}

func (m *PresenceRepositoryMock) UpdatePresence(ctx context.Context, username string, online bool, at time.Time) error {
	args := m.Called(ctx, username, online, at)
	return args.Error(0)
}

func (m *PresenceRepositoryMock) GetPresence(ctx context.Context, username string) (models.Presence, error) {
	args := m.Called(ctx, username)
	var p models.Presence
	if val := args.Get(0); val != nil {
		p = val.(models.Presence)
	}
	return p, args.Error(1)
}

var (
	_ repositories.MessageRepository  = (*MessageRepositoryMock)(nil)
	_ repositories.UserRepository     = (*UserRepositoryMock)(nil)
	_ repositories.PresenceRepository = (*PresenceRepositoryMock)(nil)
)
