package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"pairchat/internal/models"
)

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotRecipient     = errors.New("user is not the message recipient")
	ErrDuplicateMessage = errors.New("message id already used by another conversation")
)

const messageColumns = `id, sender_username, receiver_username, content, message_type, media_url, media_name, media_size, delivered_at, read_at, created_at`

// MessageRepository defines interactions for direct messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	ListConversation(ctx context.Context, conv models.Conversation, since *time.Time) ([]models.Message, error)
	MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error)
	UnmarkDelivered(ctx context.Context, messageID string) error
	MarkDeliveredTo(ctx context.Context, receiver, sender string, at time.Time) ([]models.Message, error)
	MarkRead(ctx context.Context, messageID, reader string, at time.Time) (models.Message, bool, error)
	MarkAllRead(ctx context.Context, reader, sender string, at time.Time) ([]models.Message, error)
	CountUnread(ctx context.Context, receiver string) (int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage stores a message. Writing the same id twice returns the stored
// row, so a client retry never duplicates a message.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	msg.FlattenMedia()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO messages
        (id, sender_username, receiver_username, content, message_type, media_url, media_name, media_size, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO NOTHING`),
		msg.ID, msg.SenderUsername, msg.ReceiverUsername, msg.Content, msg.Type,
		msg.MediaURL, msg.MediaName, msg.MediaSize, msg.CreatedAt.UTC())
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	stored, err := r.GetMessage(ctx, msg.ID)
	if err != nil {
		return models.Message{}, err
	}
	if stored.SenderUsername != msg.SenderUsername || stored.ReceiverUsername != msg.ReceiverUsername {
		return models.Message{}, ErrDuplicateMessage
	}
	return stored, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, r.db.Rebind(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msg.ExpandMedia()
	return msg, nil
}

// ListConversation returns the messages exchanged by the pair, oldest first.
// With since set only messages created after it are returned.
func (r *MessageRepo) ListConversation(ctx context.Context, conv models.Conversation, since *time.Time) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE ((sender_username = ? AND receiver_username = ?) OR (sender_username = ? AND receiver_username = ?))`
	args := []any{conv.A, conv.B, conv.B, conv.A}
	if since != nil {
		query += ` AND created_at > ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY created_at ASC, id ASC`

	msgs := []models.Message{}
	if err := r.db.SelectContext(ctx, &msgs, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	expandAll(msgs)
	return msgs, nil
}

// MarkDelivered sets delivered_at unless it is already set. The bool reports
// whether this call set it.
func (r *MessageRepo) MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE messages SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`), at.UTC(), messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UnmarkDelivered clears delivered_at of a message nobody has read yet.
func (r *MessageRepo) UnmarkDelivered(ctx context.Context, messageID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE messages SET delivered_at = NULL WHERE id = ? AND read_at IS NULL`), messageID)
	return err
}

// MarkDeliveredTo marks every undelivered message from sender to receiver as
// delivered and returns the rows it changed.
func (r *MessageRepo) MarkDeliveredTo(ctx context.Context, receiver, sender string, at time.Time) ([]models.Message, error) {
	return r.transition(ctx, `delivered_at IS NULL`, `delivered_at = ?`, []any{at.UTC()}, receiver, sender)
}

// MarkRead sets read_at when the reader is the receiver and the message is not
// read yet. The bool reports whether the row changed.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID, reader string, at time.Time) (models.Message, bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE messages
        SET read_at = ?, delivered_at = COALESCE(delivered_at, ?)
        WHERE id = ? AND receiver_username = ? AND read_at IS NULL`), at.UTC(), at.UTC(), messageID, reader)
	if err != nil {
		return models.Message{}, false, err
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return models.Message{}, false, err
	}

	msg, err := r.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	if msg.ReceiverUsername != reader {
		return models.Message{}, false, ErrNotRecipient
	}
	return msg, changed > 0, nil
}

// MarkAllRead reads every unread message from sender to reader and returns the
// rows it changed.
func (r *MessageRepo) MarkAllRead(ctx context.Context, reader, sender string, at time.Time) ([]models.Message, error) {
	return r.transition(ctx, `read_at IS NULL`, `read_at = ?, delivered_at = COALESCE(delivered_at, ?)`, []any{at.UTC(), at.UTC()}, reader, sender)
}

// CountUnread returns how many messages addressed to receiver are unread.
func (r *MessageRepo) CountUnread(ctx context.Context, receiver string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`SELECT COUNT(*) FROM messages WHERE receiver_username = ? AND read_at IS NULL`), receiver)
	return count, err
}

func (r *MessageRepo) transition(ctx context.Context, pending, set string, setArgs []any, receiver, sender string) ([]models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var ids []string
	if err := tx.SelectContext(ctx, &ids, tx.Rebind(`SELECT id FROM messages
        WHERE sender_username = ? AND receiver_username = ? AND `+pending), sender, receiver); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.Message{}, tx.Commit()
	}

	update, args, err := sqlx.In(`UPDATE messages SET `+set+` WHERE id IN (?) AND `+pending, append(setArgs, ids)...)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(update), args...); err != nil {
		return nil, err
	}

	query, args, err := sqlx.In(`SELECT `+messageColumns+` FROM messages WHERE id IN (?) ORDER BY created_at ASC, id ASC`, ids)
	if err != nil {
		return nil, err
	}
	msgs := []models.Message{}
	if err := tx.SelectContext(ctx, &msgs, tx.Rebind(query), args...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	expandAll(msgs)
	return msgs, nil
}

func expandAll(msgs []models.Message) {
	for i := range msgs {
		msgs[i].ExpandMedia()
	}
}
