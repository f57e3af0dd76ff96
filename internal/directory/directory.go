package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/4xmen/novachat/internal/db"
	"github.com/4xmen/novachat/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

const userColumns = `id, username, display_name, avatar_url, online, last_seen,
	last_seen_visibility, read_receipts, created_at`

// Directory holds user profiles and the relations between users: contacts,
// blocks and privacy preferences. It also persists the presence flags the
// tracker derives from live connections.
type Directory struct {
	db      *db.DB
	timeout time.Duration
}

func New(database *db.DB, timeout time.Duration) *Directory {
	return &Directory{db: database, timeout: timeout}
}

func (d *Directory) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func wrap(op string, err error) error {
	if db.IsTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, models.ErrTransientStore, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	var displayName, avatarURL sql.NullString
	var lastSeen sql.NullTime
	var visibility string
	err := row.Scan(&u.ID, &u.Username, &displayName, &avatarURL, &u.Online, &lastSeen,
		&visibility, &u.Privacy.ReadReceipts, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	if displayName.Valid {
		u.DisplayName = &displayName.String
	}
	if avatarURL.Valid {
		u.AvatarURL = &avatarURL.String
	}
	if lastSeen.Valid {
		u.LastSeen = &lastSeen.Time
	}
	u.Privacy.LastSeen = models.Visibility(visibility)
	return &u, nil
}

func (d *Directory) User(ctx context.Context, id int) (*models.User, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	u, err := scanUser(d.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, wrap("get user", err)
	}
	return u, nil
}

func (d *Directory) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	u, err := scanUser(d.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`,
		strings.TrimSpace(username)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, wrap("get user", err)
	}
	return u, nil
}

func (d *Directory) UserExists(ctx context.Context, id int) (bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := d.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", id).Scan(&exists)
	if err != nil {
		return false, wrap("user exists", err)
	}
	return exists, nil
}

// Search finds users other than viewerID by username or display name,
// leaving out anyone in a block relation with the viewer.
func (d *Directory) Search(ctx context.Context, viewerID int, query string, limit int) ([]*models.User, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users u
		WHERE u.id != ?
		AND (LOWER(u.username) LIKE ? OR LOWER(COALESCE(u.display_name, '')) LIKE ?)
		AND NOT EXISTS (
			SELECT 1 FROM blocks b
			WHERE (b.blocker_id = ? AND b.blocked_id = u.id) OR (b.blocker_id = u.id AND b.blocked_id = ?)
		)
		ORDER BY u.username
		LIMIT ?
	`, viewerID, pattern, pattern, viewerID, viewerID, limit)
	if err != nil {
		return nil, wrap("search users", err)
	}
	defer rows.Close()

	users := []*models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrap("search users", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateProfile sets the display name and avatar. Nil leaves a field as is.
func (d *Directory) UpdateProfile(ctx context.Context, id int, displayName, avatarURL *string) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.db.ExecContext(ctx, `
		UPDATE users
		SET display_name = COALESCE(?, display_name), avatar_url = COALESCE(?, avatar_url), updated_at = ?
		WHERE id = ?
	`, displayName, avatarURL, time.Now().UTC(), id)
	if err != nil {
		return wrap("update profile", err)
	}
	return nil
}

func (d *Directory) Privacy(ctx context.Context, userID int) (models.Privacy, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var p models.Privacy
	var visibility string
	err := d.db.QueryRowContext(ctx,
		"SELECT last_seen_visibility, read_receipts FROM users WHERE id = ?", userID,
	).Scan(&visibility, &p.ReadReceipts)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Privacy{}, ErrUserNotFound
	}
	if err != nil {
		return models.Privacy{}, wrap("get privacy", err)
	}
	p.LastSeen = models.Visibility(visibility)
	if !p.LastSeen.Valid() {
		p.LastSeen = models.VisibleEveryone
	}
	return p, nil
}

func (d *Directory) SetPrivacy(ctx context.Context, userID int, p models.Privacy) error {
	if !p.LastSeen.Valid() {
		return fmt.Errorf("%w: last_seen must be everyone, contacts or nobody", models.ErrValidation)
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.db.ExecContext(ctx, `
		UPDATE users SET last_seen_visibility = ?, read_receipts = ?, updated_at = ? WHERE id = ?
	`, string(p.LastSeen), p.ReadReceipts, time.Now().UTC(), userID)
	if err != nil {
		return wrap("set privacy", err)
	}
	return nil
}

// Contacts returns the IDs on userID's contact list.
func (d *Directory) Contacts(ctx context.Context, userID int) ([]int, error) {
	return d.queryIDs(ctx, "list contacts", "SELECT contact_id FROM contacts WHERE owner_id = ?", userID)
}

func (d *Directory) ContactList(ctx context.Context, userID int) ([]*models.User, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE id IN (SELECT contact_id FROM contacts WHERE owner_id = ?)
		ORDER BY username
	`, userID)
	if err != nil {
		return nil, wrap("list contacts", err)
	}
	defer rows.Close()

	users := []*models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrap("list contacts", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (d *Directory) AddContact(ctx context.Context, ownerID, contactID int) error {
	if ownerID == contactID {
		return fmt.Errorf("%w: cannot add yourself as a contact", models.ErrValidation)
	}
	exists, err := d.UserExists(ctx, contactID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err = d.db.ExecContext(ctx,
		"INSERT INTO contacts (owner_id, contact_id) VALUES (?, ?) ON CONFLICT DO NOTHING", ownerID, contactID)
	if err != nil {
		return wrap("add contact", err)
	}
	return nil
}

func (d *Directory) RemoveContact(ctx context.Context, ownerID, contactID int) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.db.ExecContext(ctx, "DELETE FROM contacts WHERE owner_id = ? AND contact_id = ?", ownerID, contactID)
	if err != nil {
		return wrap("remove contact", err)
	}
	return nil
}

func (d *Directory) Block(ctx context.Context, blockerID, blockedID int) error {
	if blockerID == blockedID {
		return fmt.Errorf("%w: cannot block yourself", models.ErrValidation)
	}
	exists, err := d.UserExists(ctx, blockedID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err = d.db.ExecContext(ctx,
		"INSERT INTO blocks (blocker_id, blocked_id) VALUES (?, ?) ON CONFLICT DO NOTHING", blockerID, blockedID)
	if err != nil {
		return wrap("block user", err)
	}
	return nil
}

func (d *Directory) Unblock(ctx context.Context, blockerID, blockedID int) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.db.ExecContext(ctx, "DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?", blockerID, blockedID)
	if err != nil {
		return wrap("unblock user", err)
	}
	return nil
}

// Blocked returns the users blockerID has blocked.
func (d *Directory) Blocked(ctx context.Context, blockerID int) ([]int, error) {
	return d.queryIDs(ctx, "list blocks", "SELECT blocked_id FROM blocks WHERE blocker_id = ?", blockerID)
}

// IsBlockedEither reports whether a and b are in a block relation in either
// direction.
func (d *Directory) IsBlockedEither(ctx context.Context, a, b int) (bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var blocked bool
	err := d.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM blocks
			WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)
		)
	`, a, b, b, a).Scan(&blocked)
	if err != nil {
		return false, wrap("check block", err)
	}
	return blocked, nil
}

// BlockRelated returns every user that blocks userID or is blocked by them.
func (d *Directory) BlockRelated(ctx context.Context, userID int) (map[int]bool, error) {
	ids, err := d.queryIDs(ctx, "list block relations", `
		SELECT blocked_id FROM blocks WHERE blocker_id = ?
		UNION
		SELECT blocker_id FROM blocks WHERE blocked_id = ?
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	related := make(map[int]bool, len(ids))
	for _, id := range ids {
		related[id] = true
	}
	return related, nil
}

// SetPresence persists the online flag and, when given, the last-seen time.
func (d *Directory) SetPresence(ctx context.Context, userID int, online bool, lastSeen *time.Time) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.db.ExecContext(ctx,
		"UPDATE users SET online = ?, last_seen = COALESCE(?, last_seen) WHERE id = ?", online, lastSeen, userID)
	if err != nil {
		return wrap("set presence", err)
	}
	return nil
}

func (d *Directory) LastSeen(ctx context.Context, userID int) (*time.Time, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var lastSeen sql.NullTime
	err := d.db.QueryRowContext(ctx, "SELECT last_seen FROM users WHERE id = ?", userID).Scan(&lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, wrap("get last seen", err)
	}
	if !lastSeen.Valid {
		return nil, nil
	}
	return &lastSeen.Time, nil
}

// ResetPresence clears online flags left behind by a previous process.
func (d *Directory) ResetPresence(ctx context.Context) (int64, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	res, err := d.db.ExecContext(ctx, "UPDATE users SET online = FALSE WHERE online = TRUE")
	if err != nil {
		return 0, wrap("reset presence", err)
	}
	return res.RowsAffected()
}

func (d *Directory) queryIDs(ctx context.Context, op, query string, args ...any) ([]int, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, wrap(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return ids, nil
}
