package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/4xmen/novachat/internal/db"
	"github.com/4xmen/novachat/internal/models"
)

const (
	DefaultPageSize  = 50
	MaxPageSize      = 100
	MaxContentLength = 4096
)

const messageColumns = `m.id, m.sender_id, m.receiver_id, m.content, m.media_url, m.status,
	m.created_at, m.delivered_at, m.read_at, m.edited, m.edited_at, m.deleted_for_everyone`

// visibleTo filters out messages deleted for everyone or hidden by the viewer.
// It takes the viewer ID as its single placeholder.
const visibleTo = `m.deleted_for_everyone = FALSE
	AND NOT EXISTS (SELECT 1 FROM message_hidden h WHERE h.message_id = m.id AND h.user_id = ?)`

const statusRank = `(CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END)`

// Store persists direct messages and enforces their consistency rules:
// statuses only move forward, only senders edit or delete for everyone, and
// history never returns a message hidden from the viewer.
type Store struct {
	db      *db.DB
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(database *db.DB, timeout time.Duration, opts ...Option) *Store {
	s := &Store{db: database, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Page struct {
	Limit    int
	BeforeID int
}

type HistoryPage struct {
	Messages []*models.Message `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

// Conversation summarizes one peer the user has exchanged messages with.
type Conversation struct {
	UserID      int             `json:"user_id"`
	Username    string          `json:"username"`
	DisplayName *string         `json:"display_name,omitempty"`
	AvatarURL   *string         `json:"avatar_url,omitempty"`
	LastMessage *models.Message `json:"last_message"`
	UnreadCount int             `json:"unread_count"`
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func wrap(op string, err error) error {
	if db.IsTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, models.ErrTransientStore, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func validateContent(content string, mediaURL *string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" && (mediaURL == nil || *mediaURL == "") {
		return "", fmt.Errorf("%w: message content is empty", models.ErrValidation)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", fmt.Errorf("%w: message content is too long", models.ErrValidation)
	}
	return content, nil
}

// Create persists a new message with status sent.
func (s *Store) Create(ctx context.Context, senderID, recipientID int, content string, mediaURL *string) (*models.Message, error) {
	if senderID <= 0 || recipientID <= 0 {
		return nil, fmt.Errorf("%w: unknown participant", models.ErrValidation)
	}
	if senderID == recipientID {
		return nil, fmt.Errorf("%w: cannot send a message to yourself", models.ErrValidation)
	}
	content, err := validateContent(content, mediaURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	msg := &models.Message{
		SenderID:   senderID,
		ReceiverID: recipientID,
		Content:    content,
		MediaURL:   mediaURL,
		Status:     models.StatusSent,
		CreatedAt:  s.timestamp(),
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (sender_id, receiver_id, content, media_url, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`, senderID, recipientID, msg.Content, mediaURL, string(msg.Status), msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return nil, wrap("create message", err)
	}
	return msg, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var msg models.Message
	var mediaURL sql.NullString
	var status string
	var deliveredAt, readAt, editedAt sql.NullTime
	err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &mediaURL, &status,
		&msg.CreatedAt, &deliveredAt, &readAt, &msg.Edited, &editedAt, &msg.DeletedForEveryone)
	if err != nil {
		return nil, err
	}
	msg.Status = models.Status(status)
	if mediaURL.Valid {
		msg.MediaURL = &mediaURL.String
	}
	if deliveredAt.Valid {
		msg.DeliveredAt = &deliveredAt.Time
	}
	if readAt.Valid {
		msg.ReadAt = &readAt.Time
	}
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}
	return &msg, nil
}

// Get returns the message if viewerID participates in it and it is visible
// to them. Anything else is ErrNotFound.
func (s *Store) Get(ctx context.Context, id, viewerID int) (*models.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	msg, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.id = ? AND (m.sender_id = ? OR m.receiver_id = ?) AND `+visibleTo,
		id, viewerID, viewerID, viewerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, wrap("get message", err)
	}
	return msg, nil
}

// AppendStatus moves the message to status if that is a forward transition.
// It reports whether the stored status changed; stale or duplicate updates
// are no-ops.
func (s *Store) AppendStatus(ctx context.Context, id int, status models.Status) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", models.ErrValidation, status)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.timestamp()
	var readAt *time.Time
	if status == models.StatusRead {
		readAt = &now
	}
	var deliveredAt *time.Time
	if status.Rank() >= models.StatusDelivered.Rank() {
		deliveredAt = &now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, delivered_at = COALESCE(delivered_at, ?), read_at = COALESCE(read_at, ?)
		WHERE id = ? AND `+statusRank+` < ?
	`, string(status), deliveredAt, readAt, id, status.Rank())
	if err != nil {
		return false, wrap("update status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("update status", err)
	}
	return n > 0, nil
}

// MarkDeliveredFrom advances every visible sent message from senderID to
// recipientID to delivered and returns the IDs that changed.
func (s *Store) MarkDeliveredFrom(ctx context.Context, recipientID, senderID int) ([]int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE messages
		SET status = 'delivered', delivered_at = COALESCE(delivered_at, ?)
		WHERE receiver_id = ? AND sender_id = ? AND status = 'sent' AND deleted_for_everyone = FALSE
		RETURNING id
	`, s.timestamp(), recipientID, senderID)
	if err != nil {
		return nil, wrap("mark delivered", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("mark delivered", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("mark delivered", err)
	}
	return ids, nil
}

// Edit replaces the content of a message. Only the sender may edit; the
// previous content is kept in the edit log. Status is untouched.
func (s *Store) Edit(ctx context.Context, id, editorID int, content string) (*models.Message, error) {
	content, err := validateContent(content, nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.GetConn().BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("edit message", err)
	}
	defer tx.Rollback()

	msg, err := scanMessage(tx.QueryRowContext(ctx, s.db.Rebind(`
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.id = ? AND (m.sender_id = ? OR m.receiver_id = ?) AND `+visibleTo),
		id, editorID, editorID, editorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, wrap("edit message", err)
	}
	if msg.SenderID != editorID {
		return nil, fmt.Errorf("edit message %d: %w", id, models.ErrUnauthorized)
	}
	if msg.Content == content {
		return msg, nil
	}

	now := s.timestamp()
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO message_edits (message_id, editor_id, previous_content, edited_at)
		VALUES (?, ?, ?, ?)
	`), id, editorID, msg.Content, now); err != nil {
		return nil, wrap("edit message", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE messages SET content = ?, edited = TRUE, edited_at = ? WHERE id = ?
	`), content, now, id); err != nil {
		return nil, wrap("edit message", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("edit message", err)
	}

	msg.Content = content
	msg.Edited = true
	msg.EditedAt = &now
	return msg, nil
}

// Edits returns the edit log of a message visible to viewerID, oldest first.
func (s *Store) Edits(ctx context.Context, id, viewerID int) ([]models.Edit, error) {
	if _, err := s.Get(ctx, id, viewerID); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, editor_id, previous_content, edited_at
		FROM message_edits WHERE message_id = ? ORDER BY edited_at, id
	`, id)
	if err != nil {
		return nil, wrap("list edits", err)
	}
	defer rows.Close()

	edits := []models.Edit{}
	for rows.Next() {
		var e models.Edit
		if err := rows.Scan(&e.MessageID, &e.EditorID, &e.PreviousContent, &e.EditedAt); err != nil {
			return nil, wrap("list edits", err)
		}
		edits = append(edits, e)
	}
	return edits, rows.Err()
}

// DeleteForSelf hides the message from userID only. Repeating it is a no-op.
func (s *Store) DeleteForSelf(ctx context.Context, id, userID int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var participant bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM messages WHERE id = ? AND (sender_id = ? OR receiver_id = ?))
	`, id, userID, userID).Scan(&participant)
	if err != nil {
		return wrap("delete message", err)
	}
	if !participant {
		return models.ErrNotFound
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO message_hidden (message_id, user_id, hidden_at) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, id, userID, s.timestamp()); err != nil {
		return wrap("delete message", err)
	}
	return nil
}

// DeleteForEveryone flags the message as removed for both participants.
// Only the sender may do this. The row is kept.
func (s *Store) DeleteForEveryone(ctx context.Context, id, requesterID int) (*models.Message, error) {
	msg, err := s.Get(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != requesterID {
		return nil, fmt.Errorf("delete message %d: %w", id, models.ErrUnauthorized)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET deleted_for_everyone = TRUE, deleted_at = ?
		WHERE id = ? AND sender_id = ? AND deleted_for_everyone = FALSE
	`, s.timestamp(), id, requesterID)
	if err != nil {
		return nil, wrap("delete message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, models.ErrNotFound
	}
	msg.DeletedForEveryone = true
	return msg, nil
}

// History returns the conversation between viewerID and peerID visible to
// the viewer, oldest first. BeforeID pages backwards from a known message.
func (s *Store) History(ctx context.Context, viewerID, peerID int, page Page) (*HistoryPage, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		WHERE ((m.sender_id = ? AND m.receiver_id = ?) OR (m.sender_id = ? AND m.receiver_id = ?))
		AND ` + visibleTo
	args := []any{viewerID, peerID, peerID, viewerID, viewerID}
	if page.BeforeID > 0 {
		query += `
		AND EXISTS (SELECT 1 FROM messages b WHERE b.id = ?
			AND (m.created_at < b.created_at OR (m.created_at = b.created_at AND m.id < b.id)))`
		args = append(args, page.BeforeID)
	}
	query += `
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("history", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0, limit+1)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, wrap("history", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("history", err)
	}

	result := &HistoryPage{}
	if len(messages) > limit {
		result.HasMore = true
		messages = messages[:limit]
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	result.Messages = messages
	return result, nil
}

// Conversations lists the peers userID has visible messages with, most
// recent first, with the count of inbound messages not yet read.
func (s *Store) Conversations(ctx context.Context, userID int) ([]Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.display_name, u.avatar_url, t.unread, `+messageColumns+`
		FROM (
			SELECT v.peer_id, MAX(v.id) AS last_id, SUM(v.unread) AS unread
			FROM (
				SELECT CASE WHEN m.sender_id = ? THEN m.receiver_id ELSE m.sender_id END AS peer_id,
					m.id,
					CASE WHEN m.receiver_id = ? AND m.status <> 'read' THEN 1 ELSE 0 END AS unread
				FROM messages m
				WHERE (m.sender_id = ? OR m.receiver_id = ?) AND `+visibleTo+`
			) v
			GROUP BY v.peer_id
		) t
		JOIN users u ON u.id = t.peer_id
		JOIN messages m ON m.id = t.last_id
		ORDER BY m.created_at DESC, m.id DESC
	`, userID, userID, userID, userID, userID)
	if err != nil {
		return nil, wrap("conversations", err)
	}
	defer rows.Close()

	conversations := []Conversation{}
	for rows.Next() {
		var (
			conv                   Conversation
			displayName, avatarURL sql.NullString
			unread                 int64
		)
		row := prefixScanner{rows: rows, prefix: []any{&conv.UserID, &conv.Username, &displayName, &avatarURL, &unread}}
		msg, err := scanMessage(row)
		if err != nil {
			return nil, wrap("conversations", err)
		}
		if displayName.Valid {
			conv.DisplayName = &displayName.String
		}
		if avatarURL.Valid {
			conv.AvatarURL = &avatarURL.String
		}
		conv.UnreadCount = int(unread)
		conv.LastMessage = msg
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// prefixScanner scans leading columns into prefix before handing the rest
// to the caller's destinations.
type prefixScanner struct {
	rows   *sql.Rows
	prefix []any
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.rows.Scan(append(p.prefix, dest...)...)
}
