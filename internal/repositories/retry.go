package repositories

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"pairchat/internal/models"
	"pairchat/internal/observability"
)

// RetryPolicy bounds how often a store call is attempted.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
}

// DefaultRetryPolicy makes three attempts, waiting 1s then 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Initial: time.Second}
}

// IsTransient reports whether err is a network-class failure worth retrying.
// Rejections (constraint violations, missing rows, authorization) are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || isRedisPoolTimeout(err) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53":
			return true
		}
		return strings.HasPrefix(string(pqErr.Code), "57P")
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// go-redis keeps its pool timeout error in an internal package, so only the
// message identifies it.
const redisPoolTimeout = "redis: connection pool timeout"

func isRedisPoolTimeout(err error) bool {
	for ; err != nil; err = errors.Unwrap(err) {
		if err.Error() == redisPoolTimeout {
			return true
		}
	}
	return false
}

func (p RetryPolicy) run(ctx context.Context, logger logrus.FieldLogger, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		observability.IncStoreRetry(op)
		logger.WithError(err).WithFields(logrus.Fields{"op": op, "wait": wait.String()}).Warn("store call failed, retrying")
	})
}

func retryValue[T any](ctx context.Context, p RetryPolicy, logger logrus.FieldLogger, op string, fn func() (T, error)) (T, error) {
	var out T
	err := p.run(ctx, logger, op, func() error {
		v, err := fn()
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// RetryingMessageRepo retries transient failures of the wrapped repository.
type RetryingMessageRepo struct {
	next   MessageRepository
	policy RetryPolicy
	logger logrus.FieldLogger
}

// NewRetryingMessageRepo wraps next with policy.
func NewRetryingMessageRepo(next MessageRepository, policy RetryPolicy, logger logrus.FieldLogger) *RetryingMessageRepo {
	return &RetryingMessageRepo{next: next, policy: policy, logger: logger}
}

func (r *RetryingMessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	return retryValue(ctx, r.policy, r.logger, "create_message", func() (models.Message, error) {
		return r.next.CreateMessage(ctx, msg)
	})
}

func (r *RetryingMessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	return retryValue(ctx, r.policy, r.logger, "get_message", func() (models.Message, error) {
		return r.next.GetMessage(ctx, messageID)
	})
}

func (r *RetryingMessageRepo) ListConversation(ctx context.Context, conv models.Conversation, since *time.Time) ([]models.Message, error) {
	return retryValue(ctx, r.policy, r.logger, "list_conversation", func() ([]models.Message, error) {
		return r.next.ListConversation(ctx, conv, since)
	})
}

func (r *RetryingMessageRepo) MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error) {
	return retryValue(ctx, r.policy, r.logger, "mark_delivered", func() (bool, error) {
		return r.next.MarkDelivered(ctx, messageID, at)
	})
}

func (r *RetryingMessageRepo) UnmarkDelivered(ctx context.Context, messageID string) error {
	return r.policy.run(ctx, r.logger, "unmark_delivered", func() error {
		return r.next.UnmarkDelivered(ctx, messageID)
	})
}

func (r *RetryingMessageRepo) MarkDeliveredTo(ctx context.Context, receiver, sender string, at time.Time) ([]models.Message, error) {
	return retryValue(ctx, r.policy, r.logger, "mark_delivered_to", func() ([]models.Message, error) {
		return r.next.MarkDeliveredTo(ctx, receiver, sender, at)
	})
}

func (r *RetryingMessageRepo) MarkRead(ctx context.Context, messageID, reader string, at time.Time) (models.Message, bool, error) {
	var changed bool
	msg, err := retryValue(ctx, r.policy, r.logger, "mark_read", func() (models.Message, error) {
		msg, ok, err := r.next.MarkRead(ctx, messageID, reader, at)
		// a retry after a lost response sees the row already read
		changed = changed || ok
		return msg, err
	})
	return msg, changed, err
}

func (r *RetryingMessageRepo) MarkAllRead(ctx context.Context, reader, sender string, at time.Time) ([]models.Message, error) {
	return retryValue(ctx, r.policy, r.logger, "mark_all_read", func() ([]models.Message, error) {
		return r.next.MarkAllRead(ctx, reader, sender, at)
	})
}

func (r *RetryingMessageRepo) CountUnread(ctx context.Context, receiver string) (int, error) {
	return retryValue(ctx, r.policy, r.logger, "count_unread", func() (int, error) {
		return r.next.CountUnread(ctx, receiver)
	})
}

// RetryingPresenceRepo retries transient failures of the wrapped presence store.
type RetryingPresenceRepo struct {
	next   PresenceRepository
	policy RetryPolicy
	logger logrus.FieldLogger
}

// NewRetryingPresenceRepo wraps next with policy.
func NewRetryingPresenceRepo(next PresenceRepository, policy RetryPolicy, logger logrus.FieldLogger) *RetryingPresenceRepo {
	return &RetryingPresenceRepo{next: next, policy: policy, logger: logger}
}

func (r *RetryingPresenceRepo) UpdatePresence(ctx context.Context, username string, online bool, at time.Time) error {
	return r.policy.run(ctx, r.logger, "update_presence", func() error {
		return r.next.UpdatePresence(ctx, username, online, at)
	})
}

func (r *RetryingPresenceRepo) GetPresence(ctx context.Context, username string) (models.Presence, error) {
	return retryValue(ctx, r.policy, r.logger, "get_presence", func() (models.Presence, error) {
		return r.next.GetPresence(ctx, username)
	})
}

var (
	_ MessageRepository  = (*MessageRepo)(nil)
	_ MessageRepository  = (*RetryingMessageRepo)(nil)
	_ UserRepository     = (*UserRepo)(nil)
	_ PresenceRepository = (*UserRepo)(nil)
	_ PresenceRepository = (*RedisPresenceRepo)(nil)
	_ PresenceRepository = (*RetryingPresenceRepo)(nil)
)
