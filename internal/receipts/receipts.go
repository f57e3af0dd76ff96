package receipts

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/4xmen/novachat/internal/models"
	"github.com/4xmen/novachat/internal/registry"
)

const MaxBatch = 500

type MessageStore interface {
	Get(ctx context.Context, id, viewerID int) (*models.Message, error)
	AppendStatus(ctx context.Context, id int, status models.Status) (bool, error)
}

type PrivacySource interface {
	Privacy(ctx context.Context, userID int) (models.Privacy, error)
}

// Processor applies delivered/read receipts from a message's recipient and
// tells the sender. Receipts for messages the reader did not receive are
// dropped without a trace.
type Processor struct {
	store    MessageStore
	privacy  PrivacySource
	registry *registry.Registry
	logger   *zap.Logger
}

func New(store MessageStore, privacy PrivacySource, reg *registry.Registry, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:    store,
		privacy:  privacy,
		registry: reg,
		logger:   logger.Named("receipts"),
	}
}

func (p *Processor) MarkRead(ctx context.Context, readerID, messageID int) error {
	return p.apply(ctx, readerID, []int{messageID}, models.StatusRead)
}

func (p *Processor) MarkReadBatch(ctx context.Context, readerID int, messageIDs []int) error {
	return p.apply(ctx, readerID, messageIDs, models.StatusRead)
}

func (p *Processor) MarkDelivered(ctx context.Context, readerID int, messageIDs []int) error {
	return p.apply(ctx, readerID, messageIDs, models.StatusDelivered)
}

func (p *Processor) apply(ctx context.Context, readerID int, messageIDs []int, status models.Status) error {
	if len(messageIDs) > MaxBatch {
		return fmt.Errorf("%w: too many message ids (max %d)", models.ErrValidation, MaxBatch)
	}

	shareReads := true
	if status == models.StatusRead {
		privacy, err := p.privacy.Privacy(ctx, readerID)
		if err != nil {
			return err
		}
		shareReads = privacy.ReadReceipts
	}

	// sender -> status -> message IDs
	notices := make(map[int]map[models.Status][]int)
	var changedIDs []int
	seen := make(map[int]bool, len(messageIDs))

	for _, id := range messageIDs {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true

		msg, err := p.store.Get(ctx, id, readerID)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if msg.ReceiverID != readerID {
			p.logger.Debug("ignoring receipt from non-recipient", zap.Int("reader_id", readerID), zap.Int("message_id", id))
			continue
		}

		changed, err := p.store.AppendStatus(ctx, id, status)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		changedIDs = append(changedIDs, id)

		notify := status
		if status == models.StatusRead && !shareReads {
			// the sender still learns the message arrived
			if msg.Status != models.StatusSent {
				continue
			}
			notify = models.StatusDelivered
		}
		if notices[msg.SenderID] == nil {
			notices[msg.SenderID] = make(map[models.Status][]int)
		}
		notices[msg.SenderID][notify] = append(notices[msg.SenderID][notify], id)
	}

	for senderID, byStatus := range notices {
		for st, ids := range byStatus {
			p.registry.Emit(senderID, statusEvent(ids, st))
		}
	}
	if len(changedIDs) > 0 {
		// keep the reader's other devices in sync
		p.registry.Emit(readerID, statusEvent(changedIDs, status))
	}
	return nil
}

func statusEvent(ids []int, status models.Status) models.Event {
	payload := models.StatusPayload{Status: status}
	if len(ids) == 1 {
		payload.MessageID = ids[0]
	} else {
		sorted := append([]int(nil), ids...)
		sort.Ints(sorted)
		payload.MessageIDs = sorted
	}
	return models.NewEvent(models.EventMessageStatusChanged, payload)
}
