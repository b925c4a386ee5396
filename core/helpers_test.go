package core

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
)

var (
	instructor = Participant{ID: "+84900000001", Role: Instructor, DisplayName: "Ms Lan"}
	student1   = Participant{ID: "student@example.com", Role: Student, DisplayName: "An"}
	student2   = Participant{ID: "second@example.com", Role: Student, DisplayName: "Binh"}
)

type ChatFixture struct {
	chatStore *SQLiteChatStore
	db        *sql.DB
	ctx       context.Context
	tearDown  func()
	t         *testing.T
}

func NewChatFixture(t *testing.T, opts ...ChatStoreOption) *ChatFixture {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}

	migrationfs := os.DirFS("../migrations")
	goose.SetBaseFS(migrationfs)

	if err := goose.SetDialect("sqlite3"); err != nil {
		t.Fatal(err)
	}

	if err := goose.Up(db, "."); err != nil {
		t.Fatal(err)
	}

	return &ChatFixture{
		chatStore: NewSQLiteChatStore(db, NewNormalizer("84"), opts...),
		db:        db,
		ctx:       ctx,
		tearDown: func() {
			cancel()
			db.Close()
		},
		t: t,
	}
}

// appendAt persists a message with a fixed sent_at so tests control the
// transcript ordering.
func appendAt(f *ChatFixture, from, to Participant, body string, at time.Time) *Message {
	msg, err := f.chatStore.AppendMessage(f.ctx, MessageCreateInput{
		From:   from,
		To:     to.ID,
		ToRole: to.Role,
		Body:   body,
		SentAt: at,
	})
	require.NoError(f.t, err)
	require.NotNil(f.t, msg)
	return msg
}

// seedLegacyMessage writes a row straight into the messages table the
// way earlier routing schemes did, bypassing room id derivation.
func seedLegacyMessage(f *ChatFixture, roomID string, from Participant, to, body string, at time.Time) {
	var recipient any
	if to != "" {
		recipient = to
	}
	_, err := f.db.Exec(`
	INSERT INTO messages (room_id, sender, sender_name, sender_role, recipient, body, kind, sent_at, read)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		roomID, from.ID, from.DisplayName, from.Role, recipient, body, TextMessage, at)
	require.NoError(f.t, err)
}

func bodies(messages []Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Body
	}
	return out
}
