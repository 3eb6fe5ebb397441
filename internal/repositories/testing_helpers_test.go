package repositories

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"pairchat/internal/db"
	"pairchat/internal/models"
)

var dbSeq atomic.Int64

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo%d?mode=memory&cache=shared&_fk=1", dbSeq.Add(1))
	database, err := db.Connect("sqlite3", dsn, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.SeedUsers(context.Background(), database, []string{"alice", "bob", "carol"}))
	return database
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func textMessage(id, from, to string, offset time.Duration) models.Message {
	return models.Message{
		ID:               id,
		SenderUsername:   from,
		ReceiverUsername: to,
		Content:          "hello " + id,
		Type:             models.MessageText,
		CreatedAt:        base.Add(offset),
	}
}
