package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/memberflow/memberflow/app/models"
	"github.com/memberflow/memberflow/app/repository"
	"github.com/memberflow/memberflow/internal/pkg/contribution"
	"github.com/memberflow/memberflow/internal/pkg/membership"
	"gorm.io/gorm"
)

// Resource types and actions in the provider-neutral event shape. The
// webhook controllers normalize each processor's payloads into these
// before handing them to the reconciler.
const (
	ResourcePayments      = "payments"
	ResourceSubscriptions = "subscriptions"
	ResourceMandates      = "mandates"
	ResourceRefunds       = "refunds"
)

const (
	ActionConfirmed = "confirmed"
	ActionCancelled = "cancelled"
	ActionExpired   = "expired"
	ActionFinished  = "finished"
	ActionDenied    = "customer_approval_denied"
	ActionFailed    = "failed"
)

// Event is one processor notification, reduced to what the reconciler
// dispatches on. Everything else is re-fetched from the processor: event
// payloads are treated as hints, never as authoritative state.
type Event struct {
	ID           string `json:"id"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	Links        Links  `json:"links"`
}

// Links carries the resource ids an event may reference.
type Links struct {
	Payment      string `json:"payment"`
	Subscription string `json:"subscription"`
	Mandate      string `json:"mandate"`
	Refund       string `json:"refund"`
}

// PaymentDetail is the authoritative payment view fetched back from a
// processor, already mapped to local status vocabulary.
type PaymentDetail struct {
	PaymentID      string
	Status         string
	Description    string
	Amount         int64
	AmountRefunded int64
	ChargeDate     time.Time
	SubscriptionID string
	MandateID      string
}

// SubscriptionDetail is the slice of subscription state the reconciler
// needs: which billing period the charges cover.
type SubscriptionDetail struct {
	SubscriptionID string
	Period         string
}

// Gateway re-fetches authoritative resource state from one processor.
type Gateway interface {
	Payment(ctx context.Context, paymentID string) (*PaymentDetail, error)
	Subscription(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error)
	// RefundParent resolves a refund id to the payment it belongs to.
	RefundParent(ctx context.Context, refundID string) (string, error)
}

// Reconciler folds processor webhook events into local state. Every
// handler is idempotent: replaying an event, or receiving events out of
// order, converges on the same rows.
type Reconciler struct {
	repos     *repository.Repositories
	lifecycle *membership.Service
	gateways  map[string]Gateway
	cfg       contribution.PaymentConfig
}

func NewReconciler(repos *repository.Repositories, lifecycle *membership.Service, gateways map[string]Gateway, cfg contribution.PaymentConfig) *Reconciler {
	return &Reconciler{
		repos:     repos,
		lifecycle: lifecycle,
		gateways:  gateways,
		cfg:       cfg,
	}
}

// Process applies one normalized event for the given provider. Unknown
// resource types and resources with no local match are logged and
// skipped, not failed: processors send events for objects we never
// created (e.g. dashboard experiments) and those must not wedge the
// queue.
func (r *Reconciler) Process(ctx context.Context, provider string, ev Event) error {
	gw, ok := r.gateways[provider]
	if !ok {
		log.Warnf("[Reconcile] No gateway for provider %s, skipping event %s", provider, ev.ID)
		return nil
	}

	switch ev.ResourceType {
	case ResourcePayments:
		return r.processPayment(ctx, gw, provider, ev.Links.Payment, ev.Action)
	case ResourceRefunds:
		return r.processRefund(ctx, gw, provider, ev)
	case ResourceSubscriptions:
		return r.processSubscription(provider, ev)
	case ResourceMandates:
		return r.processMandate(provider, ev)
	default:
		log.Debugf("[Reconcile] Ignoring %s event %s (action=%s)", ev.ResourceType, ev.ID, ev.Action)
		return nil
	}
}

// processPayment re-fetches the payment and folds it into the ledger.
// On a confirmed charge it also extends the membership, provided the
// payment belongs to the contact's current subscription; charges from a
// replaced subscription update the ledger but never the membership.
func (r *Reconciler) processPayment(ctx context.Context, gw Gateway, provider, paymentID, action string) error {
	if paymentID == "" {
		return nil
	}
	detail, err := gw.Payment(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("fetch payment %s: %w", paymentID, err)
	}

	var data *models.PaymentProviderData
	if detail.SubscriptionID != "" {
		data, err = r.repos.ProviderData.GetBySubscriptionID(provider, detail.SubscriptionID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}
	if data == nil && detail.MandateID != "" {
		data, err = r.repos.ProviderData.GetByMandateID(provider, detail.MandateID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}

	row, err := r.upsertPayment(ctx, gw, detail, data)
	if err != nil {
		return err
	}

	if action != ActionConfirmed {
		return nil
	}
	if data == nil {
		log.Infof("[Reconcile] Confirmed payment %s has no local contact, ledger only", paymentID)
		return nil
	}
	// Membership only extends for charges of the subscription the
	// contact is currently on. data was found via the current
	// subscription id, so a mandate-only match means a one-off payment.
	if detail.SubscriptionID == "" || data.SubscriptionID != detail.SubscriptionID {
		return nil
	}

	contact, err := r.repos.Contact.GetByID(data.ContactID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Reconcile] Provider data %d points at missing contact %d", data.ID, data.ContactID)
			return nil
		}
		return err
	}

	expiry := contribution.CalcExpiryFromCharge(detail.ChargeDate, row.SubscriptionPeriod, r.cfg)
	if err := r.lifecycle.ExtendMembership(contact, expiry); err != nil {
		return err
	}

	// A pending amount change becomes current once the processor has
	// actually charged it.
	if data.NextChargeableAmount != nil && *data.NextChargeableAmount == detail.Amount {
		if err := r.lifecycle.PromoteNextAmount(contact, data); err != nil {
			return err
		}
	}
	return nil
}

// upsertPayment writes the ledger row, never letting a stale event
// regress a status that already advanced.
func (r *Reconciler) upsertPayment(ctx context.Context, gw Gateway, detail *PaymentDetail, data *models.PaymentProviderData) (*models.Payment, error) {
	existing, err := r.repos.Payment.GetByPaymentID(detail.PaymentID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		existing = nil
	}

	row := &models.Payment{
		PaymentID:      detail.PaymentID,
		Status:         detail.Status,
		Description:    detail.Description,
		Amount:         detail.Amount,
		AmountRefunded: detail.AmountRefunded,
		ChargeDate:     detail.ChargeDate,
		SubscriptionID: detail.SubscriptionID,
	}
	if data != nil {
		row.ContactID = &data.ContactID
	}

	if existing != nil {
		if row.ContactID == nil {
			row.ContactID = existing.ContactID
		}
		row.SubscriptionPeriod = existing.SubscriptionPeriod
		if models.PaymentStatusRank(detail.Status) < models.PaymentStatusRank(existing.Status) {
			// Out-of-order delivery; the later state already landed.
			row.Status = existing.Status
		}
	}
	if row.SubscriptionPeriod == "" && detail.SubscriptionID != "" {
		sub, err := gw.Subscription(ctx, detail.SubscriptionID)
		if err != nil {
			// A guessed period would stick: later events reuse the
			// stored one and never re-fetch. Fail so the job retries.
			return nil, fmt.Errorf("fetch subscription %s for period: %w", detail.SubscriptionID, err)
		}
		row.SubscriptionPeriod = sub.Period
	}
	if row.SubscriptionPeriod == "" {
		row.SubscriptionPeriod = models.ContributionPeriodMonthly
	}

	if err := r.repos.Payment.Upsert(row); err != nil {
		return nil, err
	}
	return row, nil
}

// processRefund folds a refund back through its parent payment, so the
// ledger picks up the refunded amount and any status change in one pass.
func (r *Reconciler) processRefund(ctx context.Context, gw Gateway, provider string, ev Event) error {
	if ev.Links.Refund == "" {
		return nil
	}
	parentID, err := gw.RefundParent(ctx, ev.Links.Refund)
	if err != nil {
		return fmt.Errorf("resolve refund %s: %w", ev.Links.Refund, err)
	}
	if parentID == "" {
		log.Warnf("[Reconcile] Refund %s has no parent payment", ev.Links.Refund)
		return nil
	}
	return r.processPayment(ctx, gw, provider, parentID, ev.Action)
}

// processSubscription handles the processor telling us a subscription is
// gone. Only the contact's current subscription is unlinked; a lifecycle
// event for a subscription we already replaced is a no-op.
func (r *Reconciler) processSubscription(provider string, ev Event) error {
	switch ev.Action {
	case ActionCancelled, ActionFinished, ActionExpired, ActionDenied:
	default:
		return nil
	}
	if ev.Links.Subscription == "" {
		return nil
	}

	data, err := r.repos.ProviderData.GetBySubscriptionID(provider, ev.Links.Subscription)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Debugf("[Reconcile] Subscription %s not current for any contact, skipping %s", ev.Links.Subscription, ev.Action)
			return nil
		}
		return err
	}

	if err := r.repos.ProviderData.UnlinkSubscription(data.ContactID, time.Now()); err != nil {
		return err
	}
	log.Infof("[Reconcile] Unlinked subscription %s for contact %d (%s)", ev.Links.Subscription, data.ContactID, ev.Action)
	return nil
}

// processMandate clears a revoked payment method. The membership itself
// is untouched; it lapses naturally when no further charge confirms.
func (r *Reconciler) processMandate(provider string, ev Event) error {
	switch ev.Action {
	case ActionCancelled, ActionExpired, ActionFailed:
	default:
		return nil
	}
	if ev.Links.Mandate == "" {
		return nil
	}

	data, err := r.repos.ProviderData.GetByMandateID(provider, ev.Links.Mandate)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Debugf("[Reconcile] Mandate %s unknown, skipping %s", ev.Links.Mandate, ev.Action)
			return nil
		}
		return err
	}

	if err := r.repos.ProviderData.UnlinkMandate(data.ContactID); err != nil {
		return err
	}
	log.Infof("[Reconcile] Unlinked mandate %s for contact %d (%s)", ev.Links.Mandate, data.ContactID, ev.Action)
	return nil
}
