package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/memberflow/memberflow/app/repository"
	"github.com/memberflow/memberflow/internal/pkg/reconcile"
	"gorm.io/gorm"
)

// WebhookProcessor replays a stored webhook event through the
// reconciler. The controller already recorded the row and answered the
// processor; everything here can fail and retry without losing the
// event.
type WebhookProcessor struct {
	events     repository.WebhookEventRepository
	reconciler *reconcile.Reconciler
}

func NewWebhookProcessor(events repository.WebhookEventRepository, reconciler *reconcile.Reconciler) *WebhookProcessor {
	return &WebhookProcessor{events: events, reconciler: reconciler}
}

// Process loads the stored event and reconciles it. Rows already marked
// processed are skipped, so a redelivered job converges to a no-op.
func (p *WebhookProcessor) Process(ctx context.Context, payload *WebhookEventJobPayload) error {
	stored, err := p.events.GetByID(payload.EventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Webhook] Event %d vanished before processing", payload.EventID)
			return nil
		}
		return err
	}
	if stored.ProcessedAt != nil {
		log.Debugf("[Webhook] Event %d already processed, skipping", stored.ID)
		return nil
	}

	var ev reconcile.Event
	if err := json.Unmarshal([]byte(stored.PayloadJSON), &ev); err != nil {
		// Unparseable payloads are permanent; record and stop retrying.
		_ = p.events.MarkProcessed(stored.ID, fmt.Sprintf("bad payload: %v", err))
		return nil
	}

	if err := p.reconciler.Process(ctx, stored.Provider, ev); err != nil {
		// Leave the event unprocessed: when the queue's retries run
		// out, the sweeper still finds it and re-enqueues.
		_ = p.events.RecordError(stored.ID, err.Error())
		return err
	}
	return p.events.MarkProcessed(stored.ID, "")
}
