package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	// DefaultHistoryLimit bounds history reads when the caller passes a
	// zero limit.
	DefaultHistoryLimit = 50
	// DefaultLegacyWindow bounds the recent-message scan used by the
	// legacy pair-filter fallback.
	DefaultLegacyWindow = 500
	// DefaultOpTimeout bounds every store round trip so a slow backend
	// surfaces ErrStoreTimeout instead of hanging a connection's event
	// loop.
	DefaultOpTimeout = 10 * time.Second
)

// SQLiteChatStore is the sqlite binding of the ChatStore port.
type SQLiteChatStore struct {
	db           *sql.DB
	normalizer   Normalizer
	opTimeout    time.Duration
	legacyWindow int
	backfill     bool
}

type ChatStoreOption func(*SQLiteChatStore)

// WithOpTimeout bounds each store round trip.
func WithOpTimeout(d time.Duration) ChatStoreOption {
	return func(s *SQLiteChatStore) {
		s.opTimeout = d
	}
}

// WithLegacyWindow sets the size of the recent window scanned by the
// legacy pair-filter fallback.
func WithLegacyWindow(n int) ChatStoreOption {
	return func(s *SQLiteChatStore) {
		s.legacyWindow = n
	}
}

// WithBackfill enables writing the canonical room id back onto legacy
// rows matched by the pair filter, so the O(window) fallback runs at
// most once per legacy conversation.
func WithBackfill(enabled bool) ChatStoreOption {
	return func(s *SQLiteChatStore) {
		s.backfill = enabled
	}
}

func NewSQLiteChatStore(db *sql.DB, normalizer Normalizer, opts ...ChatStoreOption) *SQLiteChatStore {
	s := &SQLiteChatStore{
		db:           db,
		normalizer:   normalizer,
		opTimeout:    DefaultOpTimeout,
		legacyWindow: DefaultLegacyWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLiteChatStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// storeErr maps a driver failure onto the store error kinds while
// keeping the cause visible.
func storeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

func (s *SQLiteChatStore) AppendMessage(ctx context.Context, input MessageCreateInput) (*Message, error) {
	input.Body = strings.TrimSpace(input.Body)
	if input.Kind == "" {
		input.Kind = TextMessage
	}
	if err := input.Validate(); err != nil {
		return nil, ErrInvalidMessage
	}

	from, err := s.normalizer.NormalizeParticipant(input.From)
	if err != nil {
		return nil, err
	}
	to, err := s.normalizer.Normalize(input.To, input.ToRole)
	if err != nil {
		return nil, err
	}

	roomID := input.RoomID
	if roomID == "" {
		roomID, err = PairRoomID(from.ID, to)
		if err != nil {
			return nil, err
		}
	}

	// sent_at is always stored in UTC; sqlite orders the timestamps
	// lexicographically, so mixed offsets would break the transcript
	// ordering.
	sentAt := input.SentAt.UTC()
	if input.SentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("BeginTx", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO messages (room_id, sender, sender_name, sender_role, recipient, body, kind, sent_at, read)
	VALUES (@room_id, @sender, @sender_name, @sender_role, @recipient, @body, @kind, @sent_at, 0)
	RETURNING id`
	row := tx.QueryRowContext(ctx, query,
		sql.Named("room_id", roomID),
		sql.Named("sender", from.ID), sql.Named("sender_name", from.DisplayName),
		sql.Named("sender_role", from.Role), sql.Named("recipient", to),
		sql.Named("body", input.Body), sql.Named("kind", input.Kind),
		sql.Named("sent_at", sentAt))
	var id int
	if err := row.Scan(&id); err != nil {
		return nil, storeErr("row.Scan(insert message)", err)
	}

	if err := touchRoom(ctx, tx, roomID, []string{from.ID, to}, input.Body, from.DisplayName, sentAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("Commit", err)
	}

	return &Message{
		ID:       id,
		RoomID:   roomID,
		From:     from.ID,
		FromName: from.DisplayName,
		FromRole: from.Role,
		To:       to,
		Body:     input.Body,
		Kind:     input.Kind,
		SentAt:   sentAt,
	}, nil
}

// touchRoom merge-updates the room metadata. The participant insert is
// a set union (ON CONFLICT DO NOTHING) so concurrent touches commute;
// last_message fields are last write wins, which is acceptable because
// sent_at on the messages themselves is the transcript ordering.
func touchRoom(ctx context.Context, tx *sql.Tx, roomID string, participants []string, lastMessage, from string, at time.Time) error {
	query := `
	INSERT INTO rooms (id, last_message, last_message_from, last_message_at, updated_at)
	VALUES (@id, @last_message, @last_message_from, @last_message_at, @updated_at)
	ON CONFLICT (id) DO UPDATE SET
		last_message = excluded.last_message,
		last_message_from = excluded.last_message_from,
		last_message_at = excluded.last_message_at,
		updated_at = excluded.updated_at`
	_, err := tx.ExecContext(ctx, query,
		sql.Named("id", roomID),
		sql.Named("last_message", lastMessage),
		sql.Named("last_message_from", from),
		sql.Named("last_message_at", at),
		sql.Named("updated_at", at))
	if err != nil {
		return storeErr("ExecContext(upsert room)", err)
	}

	query = `
	INSERT INTO room_participants (room_id, participant_id)
	VALUES (@room_id, @participant_id) ON CONFLICT DO NOTHING`
	for _, p := range participants {
		if _, err := tx.ExecContext(ctx, query,
			sql.Named("room_id", roomID), sql.Named("participant_id", p)); err != nil {
			return storeErr("ExecContext(insert room_participants)", err)
		}
	}
	return nil
}

// PairHistory reconciles the current and historical routing schemes, in
// priority order:
//
//  1. canonical pair room id
//  2. a bounded recent window filtered in memory on the (from, to) pair
//  3. the legacy alias rooms applicable to the pair
//
// Steps 2 and 3 exist only for data written under earlier schemes; new
// writes always land under the canonical id.
func (s *SQLiteChatStore) PairHistory(ctx context.Context, a, b Participant, limit int) ([]Message, error) {
	a, err := s.normalizer.NormalizeParticipant(a)
	if err != nil {
		return nil, err
	}
	b, err = s.normalizer.NormalizeParticipant(b)
	if err != nil {
		return nil, err
	}
	roomID, err := PairRoomID(a.ID, b.ID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var errs []error

	messages, err := s.queryMessages(ctx, `WHERE room_id = @p0`, limit, roomID)
	if err != nil {
		errs = append(errs, err)
	}
	if len(messages) == 0 {
		var ferr error
		messages, ferr = s.pairFilterFallback(ctx, roomID, a.ID, b.ID, limit)
		if ferr != nil {
			errs = append(errs, ferr)
		}
	}
	if len(messages) == 0 {
		aliases := legacyAliasesForPair(a, b)
		var ferr error
		messages, ferr = s.aliasFallback(ctx, aliases, limit)
		if ferr != nil {
			errs = append(errs, ferr)
		}
	}

	// Surface an error only when every strategy failed; an empty
	// transcript from a healthy store is a valid result.
	if len(messages) == 0 && len(errs) == 3 {
		return nil, errs[0]
	}

	slices.Reverse(messages)
	return messages, nil
}

func (s *SQLiteChatStore) RoomHistory(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	messages, err := s.queryMessages(ctx, `WHERE room_id = @p0`, limit, roomID)
	if err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

// queryMessages runs a filtered select over messages, newest first.
func (s *SQLiteChatStore) queryMessages(ctx context.Context, where string, limit int, args ...any) ([]Message, error) {
	namedArgs := make([]any, 0, len(args)+1)
	for i, a := range args {
		namedArgs = append(namedArgs, sql.Named(fmt.Sprintf("p%d", i), a))
	}
	namedArgs = append(namedArgs, sql.Named("limit", limit))

	query := `
	SELECT id, room_id, sender, sender_name, sender_role, recipient, body, kind, sent_at, read
	FROM messages ` + where + `
	ORDER BY sent_at DESC, id DESC
	LIMIT @limit`

	rows, err := s.db.QueryContext(ctx, query, namedArgs...)
	if err != nil {
		return nil, storeErr("QueryContext(select messages)", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var recipient sql.NullString
		if err := rows.Scan(&m.ID, &m.RoomID, &m.From, &m.FromName, &m.FromRole,
			&recipient, &m.Body, &m.Kind, &m.SentAt, &m.Read); err != nil {
			return nil, storeErr("rows.Scan", err)
		}
		m.To = recipient.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("rows.Err", err)
	}
	return messages, nil
}

// pairFilterFallback scans a bounded window of recent messages and
// keeps the ones exchanged between the pair in either direction. This
// is O(window) per call; with backfill enabled the matched rows get the
// canonical room id written back so the next read hits the fast path.
func (s *SQLiteChatStore) pairFilterFallback(ctx context.Context, canonicalRoomID, a, b string, limit int) ([]Message, error) {
	window, err := s.queryMessages(ctx, ``, s.legacyWindow)
	if err != nil {
		return nil, err
	}

	var matched []Message
	for _, m := range window {
		betweenPair := (m.From == a && m.To == b) || (m.From == b && m.To == a)
		if !betweenPair {
			continue
		}
		if len(matched) < limit {
			matched = append(matched, m)
		}
		if len(matched) == limit && !s.backfill {
			break
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	if s.backfill {
		// Best effort; the read result stands even if healing fails.
		s.backfillRoomID(ctx, canonicalRoomID, a, b)
		for i := range matched {
			matched[i].RoomID = canonicalRoomID
		}
	}
	return matched, nil
}

func (s *SQLiteChatStore) backfillRoomID(ctx context.Context, roomID, a, b string) {
	query := `
	UPDATE messages SET room_id = @room_id
	WHERE room_id != @room_id
	AND ((sender = @a AND recipient = @b) OR (sender = @b AND recipient = @a))`
	s.db.ExecContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("a", a), sql.Named("b", b))
}

func (s *SQLiteChatStore) aliasFallback(ctx context.Context, aliases []string, limit int) ([]Message, error) {
	if len(aliases) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(aliases))
	args := make([]any, len(aliases))
	for i, alias := range aliases {
		placeholders[i] = fmt.Sprintf("@p%d", i)
		args[i] = alias
	}
	where := `WHERE room_id IN (` + strings.Join(placeholders, ", ") + `)`
	return s.queryMessages(ctx, where, limit, args...)
}

// legacyAliasesForPair collects the historical room ids that could hold
// the pair's conversation. Per-student schemes apply to whichever side
// is the student.
func legacyAliasesForPair(a, b Participant) []string {
	var aliases []string
	for _, p := range []Participant{a, b} {
		if p.Role == Student {
			aliases = append(aliases, StudentRoom(p.ID), LegacyInstructorRoom(p.ID))
		}
	}
	return append(aliases, InstructorRoom)
}

func (s *SQLiteChatStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `
	SELECT r.id, r.last_message, r.last_message_from, r.last_message_at, r.updated_at, rp.participant_id
	FROM rooms AS r
	INNER JOIN room_participants AS rp ON r.id = rp.room_id
	WHERE r.id = @id`
	rows, err := s.db.QueryContext(ctx, query, sql.Named("id", roomID))
	if err != nil {
		return nil, storeErr("QueryContext(select room)", err)
	}
	defer rows.Close()

	var room Room
	for rows.Next() {
		var participant string
		if err := rows.Scan(&room.ID, &room.LastMessage, &room.LastMessageFrom,
			&room.LastMessageAt, &room.UpdatedAt, &participant); err != nil {
			return nil, storeErr("rows.Scan", err)
		}
		room.Participants = append(room.Participants, participant)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("rows.Err", err)
	}
	if room.ID == "" {
		return nil, nil
	}
	slices.Sort(room.Participants)
	return &room, nil
}

func (s *SQLiteChatStore) MarkRoomRead(ctx context.Context, roomID, reader string) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	// Only a participant who is not the sender may flip read.
	query := `
	UPDATE messages SET read = 1
	WHERE room_id = @room_id AND read = 0 AND sender != @reader`
	res, err := s.db.ExecContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("reader", reader))
	if err != nil {
		return 0, storeErr("ExecContext(mark read)", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("RowsAffected", err)
	}
	return int(n), nil
}

func (s *SQLiteChatStore) ParticipantRooms(ctx context.Context, participantID string, limit int) ([]RoomSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `
	SELECT r.id, r.last_message, r.last_message_from, r.last_message_at,
		(SELECT rp2.participant_id FROM room_participants AS rp2
		 WHERE rp2.room_id = r.id AND rp2.participant_id != @pid LIMIT 1),
		(SELECT count(*) FROM messages AS m
		 WHERE m.room_id = r.id AND m.read = 0 AND m.sender != @pid)
	FROM rooms AS r
	INNER JOIN room_participants AS rp ON r.id = rp.room_id
	WHERE rp.participant_id = @pid
	ORDER BY r.last_message_at DESC
	LIMIT @limit`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("pid", participantID), sql.Named("limit", limit))
	if err != nil {
		return nil, storeErr("QueryContext(select rooms)", err)
	}
	defer rows.Close()

	var summaries []RoomSummary
	for rows.Next() {
		var summary RoomSummary
		var peer sql.NullString
		if err := rows.Scan(&summary.RoomID, &summary.LastMessage, &summary.LastMessageFrom,
			&summary.LastMessageAt, &peer, &summary.UnreadCount); err != nil {
			return nil, storeErr("rows.Scan", err)
		}
		summary.PeerID = peer.String
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("rows.Err", err)
	}
	return summaries, nil
}

func (s *SQLiteChatStore) Contacts(ctx context.Context, participantID string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `
	WITH my_rooms AS (
		SELECT room_id FROM room_participants WHERE participant_id = @pid
	)
	SELECT DISTINCT rp.participant_id
	FROM room_participants AS rp
	INNER JOIN my_rooms AS mr ON rp.room_id = mr.room_id
	WHERE rp.participant_id != @pid
	ORDER BY rp.participant_id`
	rows, err := s.db.QueryContext(ctx, query, sql.Named("pid", participantID))
	if err != nil {
		return nil, storeErr("QueryContext(select contacts)", err)
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var contact string
		if err := rows.Scan(&contact); err != nil {
			return nil, storeErr("rows.Scan", err)
		}
		contacts = append(contacts, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("rows.Err", err)
	}
	return contacts, nil
}
