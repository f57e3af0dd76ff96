package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/4xmen/novachat/internal/db"
	"github.com/4xmen/novachat/internal/models"
)

const previewLength = 80

// SendFunc delivers one push message. It matches webpush.SendNotificationWithContext.
type SendFunc func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// Notifier sends Web Push notifications to recipients who are offline.
type Notifier struct {
	db              *db.DB
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string
	logger          *zap.Logger
	send            SendFunc
}

// NewNotifier creates a push Notifier. Returns nil if VAPID keys are empty;
// a nil Notifier accepts every call and does nothing.
func NewNotifier(database *db.DB, vapidPublicKey, vapidPrivateKey, subscriber string, logger *zap.Logger) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	if subscriber == "" {
		subscriber = "mailto:push@novachat.local"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		db:              database,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      subscriber,
		logger:          logger.Named("push"),
		send:            webpush.SendNotificationWithContext,
	}
}

// WithSender replaces the transport, for tests.
func (n *Notifier) WithSender(send SendFunc) *Notifier {
	n.send = send
	return n
}

// VAPIDPublicKey returns the public VAPID key for the frontend.
func (n *Notifier) VAPIDPublicKey() string {
	if n == nil {
		return ""
	}
	return n.vapidPublicKey
}

func (n *Notifier) Enabled() bool {
	return n != nil
}

// Subscribe stores a device endpoint for userID. An endpoint moves to the
// latest user that registers it.
func (n *Notifier) Subscribe(ctx context.Context, userID int, sub models.PushSubscription) error {
	if n == nil {
		return nil
	}
	if !strings.HasPrefix(sub.Endpoint, "https://") || sub.KeyP256dh == "" || sub.KeyAuth == "" {
		return fmt.Errorf("%w: incomplete push subscription", models.ErrValidation)
	}

	_, err := n.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (endpoint) DO UPDATE
		SET user_id = excluded.user_id, p256dh = excluded.p256dh, auth = excluded.auth, revoked_at = NULL
	`, userID, sub.Endpoint, sub.KeyP256dh, sub.KeyAuth, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save push subscription: %w", err)
	}
	return nil
}

func (n *Notifier) Unsubscribe(ctx context.Context, userID int, endpoint string) error {
	if n == nil {
		return nil
	}
	_, err := n.db.ExecContext(ctx,
		"UPDATE push_subscriptions SET revoked_at = ? WHERE user_id = ? AND endpoint = ? AND revoked_at IS NULL",
		time.Now().UTC(), userID, endpoint)
	if err != nil {
		return fmt.Errorf("failed to revoke push subscription: %w", err)
	}
	return nil
}

// payload is the JSON structure sent inside the push notification.
type payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	URL       string `json:"url"`
	MessageID int    `json:"message_id"`
	SenderID  int    `json:"sender_id"`
}

// NotifyMessage pushes a new-message notification to every active
// subscription of the message's recipient.
func (n *Notifier) NotifyMessage(ctx context.Context, msg *models.Message) error {
	if n == nil {
		return nil
	}

	var username string
	var displayName sql.NullString
	err := n.db.QueryRowContext(ctx, "SELECT username, display_name FROM users WHERE id = ?", msg.SenderID).
		Scan(&username, &displayName)
	if err != nil {
		return fmt.Errorf("failed to load sender %d: %w", msg.SenderID, err)
	}
	if displayName.Valid && displayName.String != "" {
		username = displayName.String
	}

	subs, err := n.subscriptions(ctx, msg.ReceiverID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		n.logger.Debug("no active subscriptions", zap.Int("user_id", msg.ReceiverID))
		return nil
	}

	data, err := json.Marshal(payload{
		Title:     username,
		Body:      preview(msg),
		URL:       "/?chat=" + strconv.Itoa(msg.SenderID),
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
	})
	if err != nil {
		return err
	}

	n.logger.Debug("sending notification", zap.Int("user_id", msg.ReceiverID), zap.Int("subscriptions", len(subs)))
	for _, sub := range subs {
		n.sendToSubscription(ctx, sub, data)
	}
	return nil
}

func (n *Notifier) subscriptions(ctx context.Context, userID int) ([]models.PushSubscription, error) {
	rows, err := n.db.QueryContext(ctx,
		"SELECT endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = ? AND revoked_at IS NULL",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions for user %d: %w", userID, err)
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		var sub models.PushSubscription
		if err := rows.Scan(&sub.Endpoint, &sub.KeyP256dh, &sub.KeyAuth); err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (n *Notifier) sendToSubscription(ctx context.Context, sub models.PushSubscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}

	resp, err := n.send(ctx, data, s, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      n.subscriber,
		TTL:             86400,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		n.logger.Warn("failed to send", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// 410 Gone or 404 means the subscription is expired
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		if _, err := n.db.ExecContext(ctx, "DELETE FROM push_subscriptions WHERE endpoint = ?", sub.Endpoint); err != nil {
			n.logger.Warn("failed to remove expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
			return
		}
		n.logger.Info("removed expired subscription", zap.String("endpoint", sub.Endpoint), zap.Int("status", resp.StatusCode))
	}
}

func preview(msg *models.Message) string {
	if msg.Content == "" && msg.MediaURL != nil {
		return "📎"
	}
	runes := []rune(msg.Content)
	if len(runes) > previewLength {
		return string(runes[:previewLength]) + "…"
	}
	return msg.Content
}
