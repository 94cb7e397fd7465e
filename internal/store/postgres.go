package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campswap/messaging/internal/apperr"
	"github.com/campswap/messaging/internal/model"
)

//go:embed schema.sql
var schemaDDL string

const pgForeignKeyViolation = "23503"

// PostgresStore implements the store contracts on PostgreSQL.
//
// The pool is owned by the caller; Close is a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string

	conversations string
	messages      string
	users         string

	now func() time.Time
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the schema used by this store (default "messaging").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "messaging",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}

	st.conversations = pgIdent(st.schema, "conversations")
	st.messages = pgIdent(st.schema, "messages")
	st.users = pgIdent(st.schema, "users")
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaDDL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// Ping implements Pinger.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UserExists implements UserDirectory against the users table.
func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.users+` WHERE id = $1)`, userID,
	).Scan(&ok)
	if err != nil {
		return false, mapPGError("user exists", err)
	}
	return ok, nil
}

// UpsertUser registers a user id. Used by the identity sync and tests.
func (s *PostgresStore) UpsertUser(ctx context.Context, userID, email string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.users+` (id, email) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email`,
		userID, email,
	)
	return mapPGError("upsert user", err)
}

const conversationColumns = `id, conversation_type, participants, advert_id, unread_count,
	last_message_id, last_message_content, last_message_sender, last_message_at, last_message_seq,
	created_at, updated_at`

// FindPrivate implements ConversationStore.
func (s *PostgresStore) FindPrivate(ctx context.Context, userA, userB, advertID string) (*model.Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+s.conversations+`
		  WHERE pair_key = $1 AND advert_id = $2`,
		PairKey(userA, userB), advertID,
	)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, mapPGError("find private", err)
	}
	return conv, nil
}

// Create implements ConversationStore. Private conversations use an
// ON CONFLICT upsert on the partial unique index, so concurrent callers
// converge on one row; xmax = 0 identifies the inserting call.
func (s *PostgresStore) Create(ctx context.Context, in CreateConversationInput) (*model.Conversation, bool, error) {
	participants, err := validateCreate(in)
	if err != nil {
		return nil, false, err
	}

	unread := make(map[string]int, len(participants))
	for _, p := range participants {
		unread[p] = max(0, in.InitialUnread[p])
	}
	id := newID()
	now := s.now()

	if in.Type == model.ConversationGroup {
		row := s.pool.QueryRow(ctx,
			`INSERT INTO `+s.conversations+`
			   (id, conversation_type, participants, pair_key, advert_id, unread_count, created_at, updated_at)
			 VALUES ($1, 'group', $2, NULL, $3, $4, $5, $5)
			 RETURNING `+conversationColumns,
			id, participants, in.AdvertID, unread, now,
		)
		conv, err := scanConversation(row)
		if err != nil {
			return nil, false, mapPGError("create group", err)
		}
		return conv, true, nil
	}

	slices.Sort(participants)
	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.conversations+`
		   (id, conversation_type, participants, pair_key, advert_id, unread_count, created_at, updated_at)
		 VALUES ($1, 'private', $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (pair_key, advert_id) WHERE pair_key IS NOT NULL
		 DO UPDATE SET pair_key = EXCLUDED.pair_key
		 RETURNING `+conversationColumns+`, (xmax = 0) AS created`,
		id, participants, PairKey(participants[0], participants[1]), in.AdvertID, unread, now,
	)
	var created bool
	conv, err := scanConversation(row, &created)
	if err != nil {
		return nil, false, mapPGError("create private", err)
	}
	return conv, created, nil
}

// Get implements ConversationStore.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+s.conversations+` WHERE id = $1`, id,
	)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, mapPGError("get conversation", err)
	}
	return conv, nil
}

// ListForUser implements ConversationStore.
func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+s.conversations+`
		  WHERE participants @> ARRAY[$1::text]
		  ORDER BY last_message_at DESC NULLS LAST, last_message_seq DESC NULLS LAST, updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, mapPGError("list conversations", err)
	}
	defer rows.Close()

	out := make([]model.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, mapPGError("scan conversation", err)
		}
		out = append(out, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGError("list conversations", err)
	}
	return out, nil
}

// AppendLastMessage implements ConversationStore.
func (s *PostgresStore) AppendLastMessage(ctx context.Context, id string, snapshot model.LastMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.conversations+`
		    SET last_message_id = $2,
		        last_message_content = $3,
		        last_message_sender = $4,
		        last_message_at = $5,
		        last_message_seq = $6,
		        updated_at = now()
		  WHERE id = $1
		    AND (last_message_at IS NULL
		         OR last_message_at < $5
		         OR (last_message_at = $5 AND last_message_seq < $6))`,
		id, snapshot.MessageID, snapshot.Content, snapshot.SenderID, snapshot.Timestamp, snapshot.Seq,
	)
	if err != nil {
		return mapPGError("append last message", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Either the row is missing or a newer snapshot already won.
	return s.exists(ctx, id)
}

// IncrementUnread implements ConversationStore. The read-modify-write is a
// single UPDATE, so the row lock serializes concurrent increments.
func (s *PostgresStore) IncrementUnread(ctx context.Context, id, participantID string, delta int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.conversations+`
		    SET unread_count = jsonb_set(
		            unread_count,
		            ARRAY[$2::text],
		            to_jsonb(GREATEST(0, COALESCE((unread_count ->> $2::text)::int, 0) + $3::int)),
		            true),
		        updated_at = now()
		  WHERE id = $1`,
		id, participantID, delta,
	)
	if err != nil {
		return mapPGError("increment unread", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetUnread implements ConversationStore.
func (s *PostgresStore) ResetUnread(ctx context.Context, id, participantID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.conversations+`
		    SET unread_count = jsonb_set(unread_count, ARRAY[$2::text], '0'::jsonb, true)
		  WHERE id = $1`,
		id, participantID,
	)
	if err != nil {
		return mapPGError("reset unread", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Append implements MessageStore.
func (s *PostgresStore) Append(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if msg == nil || msg.ConversationID == "" || msg.SenderID == "" {
		return nil, apperr.Validation("invalid message")
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = newID()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.now()
	}
	if stored.MessageType == "" {
		stored.MessageType = model.MessageText
	}
	stored.IsRead = false

	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.messages+`
		   (id, conversation_id, sender_id, receiver_id, content, message_type, ts, is_read)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false)
		 RETURNING seq`,
		stored.ID, stored.ConversationID, stored.SenderID, stored.ReceiverID,
		stored.Content, string(stored.MessageType), stored.Timestamp,
	).Scan(&stored.Seq)
	if err != nil {
		return nil, mapPGError("append message", err)
	}
	return &stored, nil
}

// ListByConversation implements MessageStore.
func (s *PostgresStore) ListByConversation(ctx context.Context, conversationID string, page, pageSize int) (MessagePage, error) {
	page, pageSize = normalizePage(page, pageSize)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+s.messages+` WHERE conversation_id = $1`, conversationID,
	).Scan(&total); err != nil {
		return MessagePage{}, mapPGError("count messages", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, receiver_id, content, message_type, ts, is_read, seq
		   FROM `+s.messages+`
		  WHERE conversation_id = $1
		  ORDER BY ts ASC, seq ASC
		  LIMIT $2 OFFSET $3`,
		conversationID, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return MessagePage{}, mapPGError("list messages", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, pageSize)
	for rows.Next() {
		var (
			m     model.Message
			mtype string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID,
			&m.Content, &mtype, &m.Timestamp, &m.IsRead, &m.Seq); err != nil {
			return MessagePage{}, mapPGError("scan message", err)
		}
		m.MessageType = model.MessageType(mtype)
		m.Timestamp = m.Timestamp.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, mapPGError("list messages", err)
	}
	return MessagePage{Messages: msgs, Total: total}, nil
}

// MarkRead implements MessageStore.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.messages+`
		    SET is_read = true
		  WHERE conversation_id = $1
		    AND sender_id <> $2
		    AND (receiver_id = $2 OR receiver_id = '')
		    AND NOT is_read`,
		conversationID, readerID,
	)
	if err != nil {
		return 0, mapPGError("mark read", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) exists(ctx context.Context, id string) error {
	var ok bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.conversations+` WHERE id = $1)`, id,
	).Scan(&ok); err != nil {
		return mapPGError("conversation exists", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func scanConversation(row pgx.Row, extra ...any) (*model.Conversation, error) {
	var (
		c        model.Conversation
		ctype    string
		lmID     *string
		lmBody   *string
		lmSender *string
		lmAt     *time.Time
		lmSeq    *int64
	)
	dest := []any{
		&c.ID, &ctype, &c.Participants, &c.AdvertID, &c.UnreadCount,
		&lmID, &lmBody, &lmSender, &lmAt, &lmSeq,
		&c.CreatedAt, &c.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	c.ConversationType = model.ConversationType(ctype)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}
	if lmAt != nil {
		lm := &model.LastMessage{Timestamp: lmAt.UTC()}
		if lmID != nil {
			lm.MessageID = *lmID
		}
		if lmBody != nil {
			lm.Content = *lmBody
		}
		if lmSender != nil {
			lm.SenderID = *lmSender
		}
		if lmSeq != nil {
			lm.Seq = *lmSeq
		}
		c.LastMessage = lm
	}
	return &c, nil
}

// mapPGError translates driver errors into the store's error vocabulary.
func mapPGError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return apperr.Unavailable("store timed out", fmt.Errorf("%s: %w", op, err))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return ErrNotFound
	}
	return fmt.Errorf("store: %s: %w", op, err)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
