package controllers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	stripesdk "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/memberflow/memberflow/app/models"
	"github.com/memberflow/memberflow/app/repository"
	"github.com/memberflow/memberflow/internal/pkg/env"
	"github.com/memberflow/memberflow/internal/pkg/gocardless"
	"github.com/memberflow/memberflow/internal/pkg/jobqueue"
	"github.com/memberflow/memberflow/internal/pkg/reconcile"
)

// HandleGoCardlessWebhook receives GoCardless event batches. The raw
// body is verified against Webhook-Signature before anything is stored;
// a bad signature produces a 4xx with no side effects. Verified events
// are recorded and queued, then answered 2xx immediately, so processor
// retries and our processing never race on the response deadline.
func HandleGoCardlessWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("Webhook-Signature")
	secret := env.GetEnv("GC_WEBHOOK_SECRET", "")

	if !gocardless.VerifyWebhookSignature(rawBody, signature, secret) {
		return jsonError(c, fiber.StatusUnauthorized, "invalid_signature")
	}

	var batch struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(rawBody, &batch); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_payload")
	}

	repos := repository.GetGlobalRepositories()
	for _, raw := range batch.Events {
		var ev reconcile.Event
		if err := json.Unmarshal(raw, &ev); err != nil || ev.ID == "" {
			log.Warnf("[Webhook] Skipping malformed gocardless event: %v", err)
			continue
		}
		recordAndEnqueue(repos, &models.WebhookEvent{
			Provider:        models.ContributionTypeGoCardless,
			ProviderEventID: ev.ID,
			Action:          ev.Action,
			ResourceType:    ev.ResourceType,
			PayloadJSON:     string(raw),
			SignatureValid:  true,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// HandleStripeWebhook receives Stripe events, verifies the signed
// payload and normalizes the event types the engine cares about into
// the shared event shape before queueing.
func HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")

	stripeEvent, err := webhook.ConstructEvent(rawBody, c.Get("Stripe-Signature"), secret)
	if err != nil {
		return jsonError(c, fiber.StatusUnauthorized, "invalid_signature")
	}

	ev, ok := normalizeStripeEvent(stripeEvent)
	if !ok {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}

	payloadJSON, err := json.Marshal(ev)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "webhook_persist_failed")
	}

	recordAndEnqueue(repository.GetGlobalRepositories(), &models.WebhookEvent{
		Provider:        models.ContributionTypeStripe,
		ProviderEventID: stripeEvent.ID,
		Action:          ev.Action,
		ResourceType:    ev.ResourceType,
		PayloadJSON:     string(payloadJSON),
		SignatureValid:  true,
	})

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// normalizeStripeEvent maps Stripe's event vocabulary onto the neutral
// resource/action shape the reconciler dispatches on. Unlisted event
// types are ignored.
func normalizeStripeEvent(stripeEvent stripesdk.Event) (reconcile.Event, bool) {
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(stripeEvent.Data.Raw, &obj); err != nil || obj.ID == "" {
		return reconcile.Event{}, false
	}

	ev := reconcile.Event{ID: stripeEvent.ID}
	switch stripeEvent.Type {
	case "invoice.paid", "invoice.payment_succeeded":
		ev.ResourceType = reconcile.ResourcePayments
		ev.Action = reconcile.ActionConfirmed
		ev.Links.Payment = obj.ID
	case "invoice.payment_failed", "invoice.marked_uncollectible":
		ev.ResourceType = reconcile.ResourcePayments
		ev.Action = reconcile.ActionFailed
		ev.Links.Payment = obj.ID
	case "customer.subscription.deleted":
		ev.ResourceType = reconcile.ResourceSubscriptions
		ev.Action = reconcile.ActionCancelled
		ev.Links.Subscription = obj.ID
	case "payment_method.detached":
		// The stored "mandate" for card contributions is the payment
		// method id.
		ev.ResourceType = reconcile.ResourceMandates
		ev.Action = reconcile.ActionCancelled
		ev.Links.Mandate = obj.ID
	case "refund.created", "refund.updated":
		ev.ResourceType = reconcile.ResourceRefunds
		ev.Action = "refunded"
		ev.Links.Refund = obj.ID
	default:
		return reconcile.Event{}, false
	}
	return ev, true
}

// recordAndEnqueue stores the event row (deduplicating redeliveries)
// and queues processing. Enqueue failures are recovered by the sweeper
// scanning for unprocessed rows, so they are logged, not surfaced.
func recordAndEnqueue(repos *repository.Repositories, event *models.WebhookEvent) {
	created, stored, err := repos.WebhookEvent.CreateIfNotExists(event)
	if err != nil {
		log.Errorf("[Webhook] Could not persist %s event %s: %v", event.Provider, event.ProviderEventID, err)
		return
	}
	if !created {
		log.Debugf("[Webhook] Duplicate %s event %s", event.Provider, event.ProviderEventID)
		return
	}

	payload := jobqueue.WebhookEventJobPayload{EventID: stored.ID, Provider: stored.Provider}
	if _, err := jobqueue.GetManager().GetQueue().EnqueueJob(jobqueue.JobTypeWebhookEvent, payload.ToMap()); err != nil {
		log.Errorf("[Webhook] Could not enqueue event %d: %v", stored.ID, err)
	}
}
