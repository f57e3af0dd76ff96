package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/novachat/internal/models"
	"github.com/4xmen/novachat/internal/registry"
	"github.com/4xmen/novachat/internal/store"
)

// SignalTypes are the call signaling events relayed between peers.
var SignalTypes = []string{"call_offer", "call_answer", "ice_candidate", "call_reject", "call_hangup"}

type MessageStore interface {
	Create(ctx context.Context, senderID, recipientID int, content string, mediaURL *string) (*models.Message, error)
	Get(ctx context.Context, id, viewerID int) (*models.Message, error)
	AppendStatus(ctx context.Context, id int, status models.Status) (bool, error)
	Edit(ctx context.Context, id, editorID int, content string) (*models.Message, error)
	DeleteForSelf(ctx context.Context, id, userID int) error
	DeleteForEveryone(ctx context.Context, id, requesterID int) (*models.Message, error)
	History(ctx context.Context, viewerID, peerID int, page store.Page) (*store.HistoryPage, error)
	MarkDeliveredFrom(ctx context.Context, recipientID, senderID int) ([]int, error)
}

type Directory interface {
	UserExists(ctx context.Context, id int) (bool, error)
	IsBlockedEither(ctx context.Context, a, b int) (bool, error)
}

// Notifier reaches recipients that have no live connection.
type Notifier interface {
	NotifyMessage(ctx context.Context, msg *models.Message) error
}

type Config struct {
	SendRetries    int
	RetryBackoff   time.Duration
	AIHistoryLimit int
	AITimeout      time.Duration
}

type SendRequest struct {
	SenderID         int
	RecipientID      int
	Content          string
	MediaURL         *string
	CorrelationToken string
}

// Router persists outgoing messages and fans them out to the live
// connections of both participants. Offline recipients pick messages up
// from history.
type Router struct {
	store    MessageStore
	registry *registry.Registry
	dir      Directory
	notifier Notifier
	peers    PeerResolver
	cfg      Config
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(st MessageStore, reg *registry.Registry, dir Directory, notifier Notifier, peers PeerResolver, cfg Config, logger *zap.Logger) *Router {
	if cfg.SendRetries < 0 {
		cfg.SendRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.AIHistoryLimit <= 0 {
		cfg.AIHistoryLimit = 20
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		store:    st,
		registry: reg,
		dir:      dir,
		notifier: notifier,
		peers:    peers,
		cfg:      cfg,
		logger:   logger.Named("delivery"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Send persists a message and routes it. The sender's connections get an
// ack carrying the correlation token before anything reaches the recipient.
func (r *Router) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	if err := r.checkPair(ctx, req.SenderID, req.RecipientID); err != nil {
		return nil, err
	}

	peer := r.peers.Resolve(req.RecipientID)

	msg, err := r.createWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	r.registry.Emit(req.SenderID, models.NewEvent(models.EventMessageSentAck, models.SentAckPayload{
		ClientMessageID: req.CorrelationToken,
		Message:         msg.Snapshot(),
	}))

	switch p := peer.(type) {
	case AIPeer:
		r.handOffToAI(ctx, msg, p)
	case HumanPeer:
		r.deliver(ctx, msg)
	}
	return msg, nil
}

// checkPair validates the participants and rejects blocked pairs.
func (r *Router) checkPair(ctx context.Context, senderID, recipientID int) error {
	if recipientID <= 0 {
		return fmt.Errorf("%w: recipient is required", models.ErrValidation)
	}
	if senderID == recipientID {
		return fmt.Errorf("%w: cannot send a message to yourself", models.ErrValidation)
	}
	exists, err := r.dir.UserExists(ctx, recipientID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: unknown recipient", models.ErrValidation)
	}
	blocked, err := r.dir.IsBlockedEither(ctx, senderID, recipientID)
	if err != nil {
		return err
	}
	if blocked {
		return models.ErrBlocked
	}
	return nil
}

func (r *Router) createWithRetry(ctx context.Context, req SendRequest) (*models.Message, error) {
	attempts := r.cfg.SendRetries + 1
	for attempt := 1; ; attempt++ {
		msg, err := r.store.Create(ctx, req.SenderID, req.RecipientID, req.Content, req.MediaURL)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, models.ErrTransientStore) {
			return nil, err
		}
		if attempt >= attempts {
			r.logger.Error("giving up on message", zap.Int("sender_id", req.SenderID), zap.Int("attempts", attempt), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", models.ErrSendFailed, err)
		}

		r.logger.Warn("retrying message create", zap.Int("sender_id", req.SenderID), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", models.ErrSendFailed, ctx.Err())
		case <-time.After(r.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}
}

func (r *Router) deliver(ctx context.Context, msg *models.Message) {
	if !r.registry.IsOnline(msg.ReceiverID) {
		r.pushOffline(msg)
		return
	}

	if n := r.registry.Emit(msg.ReceiverID, models.NewEvent(models.EventMessageReceived, models.MessagePayload{Message: msg.Snapshot()})); n == 0 {
		r.pushOffline(msg)
		return
	}

	changed, err := r.store.AppendStatus(ctx, msg.ID, models.StatusDelivered)
	if err != nil {
		r.logger.Warn("failed to mark delivered", zap.Int("message_id", msg.ID), zap.Error(err))
		return
	}
	if !changed {
		return
	}
	msg.Status = models.StatusDelivered
	r.emitStatus(msg.SenderID, []int{msg.ID}, models.StatusDelivered)
}

func (r *Router) pushOffline(msg *models.Message) {
	if r.notifier == nil {
		return
	}
	r.goAsync(func(ctx context.Context) {
		if err := r.notifier.NotifyMessage(ctx, msg); err != nil {
			r.logger.Warn("push notification failed", zap.Int("message_id", msg.ID), zap.Error(err))
		}
	})
}

// handOffToAI marks the message read by the assistant and asks it for a
// reply in the background. The reply is sent like any other message.
func (r *Router) handOffToAI(ctx context.Context, msg *models.Message, p AIPeer) {
	changed, err := r.store.AppendStatus(ctx, msg.ID, models.StatusRead)
	if err != nil {
		r.logger.Warn("failed to mark ai message read", zap.Int("message_id", msg.ID), zap.Error(err))
	} else if changed {
		msg.Status = models.StatusRead
		r.emitStatus(msg.SenderID, []int{msg.ID}, models.StatusRead)
	}

	r.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, r.cfg.AITimeout)
		defer cancel()

		prior, err := r.store.History(ctx, msg.SenderID, p.ID, store.Page{Limit: r.cfg.AIHistoryLimit, BeforeID: msg.ID})
		if err != nil {
			r.logger.Warn("failed to load ai context", zap.Int("message_id", msg.ID), zap.Error(err))
			return
		}

		reply, err := p.Responder.Reply(ctx, prior.Messages, msg.Content)
		if err != nil {
			r.logger.Warn("ai responder failed", zap.Int("message_id", msg.ID), zap.Error(err))
			return
		}

		if _, err := r.Send(ctx, SendRequest{SenderID: p.ID, RecipientID: msg.SenderID, Content: reply}); err != nil {
			r.logger.Warn("failed to send ai reply", zap.Int("message_id", msg.ID), zap.Error(err))
		}
	})
}

// Edit changes a message's content and tells both participants.
func (r *Router) Edit(ctx context.Context, editorID, messageID int, content string) (*models.Message, error) {
	msg, err := r.store.Edit(ctx, messageID, editorID, content)
	if err != nil {
		return nil, err
	}

	editedAt := time.Now().UTC()
	if msg.EditedAt != nil {
		editedAt = *msg.EditedAt
	}
	event := models.NewEvent(models.EventMessageEdited, models.EditedPayload{
		MessageID: msg.ID,
		Content:   msg.Content,
		EditedAt:  editedAt,
	})
	r.registry.Emit(msg.SenderID, event)
	r.registry.Emit(msg.ReceiverID, event)
	return msg, nil
}

// DeleteForSelf hides a message for userID and syncs their other devices.
func (r *Router) DeleteForSelf(ctx context.Context, userID, messageID int) error {
	if err := r.store.DeleteForSelf(ctx, messageID, userID); err != nil {
		return err
	}
	r.registry.Emit(userID, models.NewEvent(models.EventMessageDeleted, models.DeletedPayload{
		MessageID: messageID,
		Scope:     models.DeleteForSelf,
	}))
	return nil
}

// DeleteForEveryone removes a message for both participants.
func (r *Router) DeleteForEveryone(ctx context.Context, requesterID, messageID int) error {
	msg, err := r.store.DeleteForEveryone(ctx, messageID, requesterID)
	if err != nil {
		return err
	}
	event := models.NewEvent(models.EventMessageDeleted, models.DeletedPayload{
		MessageID: msg.ID,
		Scope:     models.DeleteForEveryone,
	})
	r.registry.Emit(msg.SenderID, event)
	r.registry.Emit(msg.ReceiverID, event)
	return nil
}

func (r *Router) Delete(ctx context.Context, userID, messageID int, scope models.DeleteScope) error {
	switch scope {
	case models.DeleteForSelf, "":
		return r.DeleteForSelf(ctx, userID, messageID)
	case models.DeleteForEveryone:
		return r.DeleteForEveryone(ctx, userID, messageID)
	}
	return fmt.Errorf("%w: scope must be self or everyone", models.ErrValidation)
}

// History returns the conversation page and, since fetching it is how an
// offline recipient receives messages, advances the viewer's inbound sent
// messages to delivered. Their senders get one coalesced notice.
func (r *Router) History(ctx context.Context, viewerID, peerID int, page store.Page) (*store.HistoryPage, error) {
	if peerID <= 0 || peerID == viewerID {
		return nil, fmt.Errorf("%w: invalid peer", models.ErrValidation)
	}

	result, err := r.store.History(ctx, viewerID, peerID, page)
	if err != nil {
		return nil, err
	}

	delivered, err := r.store.MarkDeliveredFrom(ctx, viewerID, peerID)
	if err != nil {
		r.logger.Warn("failed to mark history delivered", zap.Int("viewer_id", viewerID), zap.Int("peer_id", peerID), zap.Error(err))
		return result, nil
	}
	if len(delivered) == 0 {
		return result, nil
	}

	changed := make(map[int]bool, len(delivered))
	for _, id := range delivered {
		changed[id] = true
	}
	for _, m := range result.Messages {
		if changed[m.ID] {
			m.Status = models.StatusDelivered
		}
	}
	r.emitStatus(peerID, delivered, models.StatusDelivered)
	return result, nil
}

// Signal relays a call signaling event to every connection of the recipient.
func (r *Router) Signal(ctx context.Context, senderID, recipientID int, signalType string, data map[string]any) error {
	if !isSignalType(signalType) {
		return fmt.Errorf("%w: unknown signal %q", models.ErrValidation, signalType)
	}
	if err := r.checkPair(ctx, senderID, recipientID); err != nil {
		return err
	}
	if _, ok := r.peers.Resolve(recipientID).(AIPeer); ok {
		return fmt.Errorf("%w: cannot call the assistant", models.ErrValidation)
	}

	if n := r.registry.Emit(recipientID, models.NewEvent(signalType, models.SignalPayload{SenderID: senderID, Data: data})); n == 0 {
		return fmt.Errorf("%w: recipient is offline", models.ErrValidation)
	}
	return nil
}

func isSignalType(t string) bool {
	for _, s := range SignalTypes {
		if s == t {
			return true
		}
	}
	return false
}

func (r *Router) emitStatus(userID int, ids []int, status models.Status) {
	payload := models.StatusPayload{Status: status}
	if len(ids) == 1 {
		payload.MessageID = ids[0]
	} else {
		payload.MessageIDs = ids
	}
	r.registry.Emit(userID, models.NewEvent(models.EventMessageStatusChanged, payload))
}

func (r *Router) goAsync(fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
}

// Close cancels background work and waits for it to finish.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until background work started so far has finished.
func (r *Router) Wait() {
	r.wg.Wait()
}
