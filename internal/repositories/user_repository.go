package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"pairchat/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository reads the configured accounts.
type UserRepository interface {
	ListUsers(ctx context.Context) ([]models.User, error)
	GetUser(ctx context.Context, username string) (models.User, error)
}

// PresenceRepository stores the last known online state of users.
type PresenceRepository interface {
	UpdatePresence(ctx context.Context, username string, online bool, at time.Time) error
	GetPresence(ctx context.Context, username string) (models.Presence, error)
}

// UserRepo is a sqlx implementation of UserRepository and PresenceRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// ListUsers returns every account ordered by username.
func (r *UserRepo) ListUsers(ctx context.Context) ([]models.User, error) {
	users := []models.User{}
	err := r.db.SelectContext(ctx, &users, `SELECT username, display_name, is_online, last_seen FROM app_users ORDER BY username`)
	return users, err
}

// GetUser fetches one account.
func (r *UserRepo) GetUser(ctx context.Context, username string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, r.db.Rebind(`SELECT username, display_name, is_online, last_seen FROM app_users WHERE username = ?`), username)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// UpdatePresence records the online flag and last-seen time.
func (r *UserRepo) UpdatePresence(ctx context.Context, username string, online bool, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE app_users SET is_online = ?, last_seen = ? WHERE username = ?`), online, at.UTC(), username)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetPresence returns the stored presence of username.
func (r *UserRepo) GetPresence(ctx context.Context, username string) (models.Presence, error) {
	user, err := r.GetUser(ctx, username)
	if err != nil {
		return models.Presence{}, err
	}
	return models.Presence{Username: user.Username, IsOnline: user.IsOnline, LastSeen: user.LastSeen}, nil
}
