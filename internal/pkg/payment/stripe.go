package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/memberflow/memberflow/app/models"
	"github.com/memberflow/memberflow/internal/pkg/contribution"
	"github.com/memberflow/memberflow/internal/pkg/env"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/checkout/session"
	"github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/paymentmethod"
	"github.com/stripe/stripe-go/v84/subscription"
	"github.com/stripe/stripe-go/v84/subscriptionschedule"
)

// StripeConfig holds the card processor's credentials and the product every
// contribution price hangs off.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	ProductID     string
}

// LoadStripeConfig reads Stripe settings and sets the SDK key.
func LoadStripeConfig() StripeConfig {
	cfg := StripeConfig{
		SecretKey:     env.GetEnv("STRIPE_SECRET_KEY", ""),
		WebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		ProductID:     env.GetEnv("STRIPE_PRODUCT_ID", ""),
	}
	stripe.Key = cfg.SecretKey
	return cfg
}

// stripeProvider drives the card/SEPA processor for one contact. Unlike
// GoCardless, Stripe can express a deferred amount change natively as a
// subscription schedule with a future phase.
type stripeProvider struct {
	deps    Deps
	contact *models.Contact
	data    *models.PaymentProviderData
}

func newStripeProvider(d Deps, contact *models.Contact, data *models.PaymentProviderData) Provider {
	return &stripeProvider{deps: d, contact: contact, data: data}
}

func (p *stripeProvider) CanChangeContribution(ctx context.Context, useExistingMethod bool) (bool, error) {
	if useExistingMethod && !p.data.HasMandate() {
		return false, nil
	}
	return true, nil
}

func (p *stripeProvider) ContributionInfo(ctx context.Context) (*ContributionInfo, error) {
	info := &ContributionInfo{
		PayFee:            p.data.PayFee,
		CancelledAt:       p.data.CancelledAt,
		NextMonthlyAmount: p.data.NextMonthlyAmount,
	}
	if p.data.HasMandate() {
		pm, err := paymentmethod.Get(p.data.MandateID, nil)
		if err == nil && pm.Card != nil {
			info.PaymentSource = fmt.Sprintf("%s ending %s", pm.Card.Brand, pm.Card.Last4)
		} else {
			info.PaymentSource = "Card"
		}
	}
	return info, nil
}

func (p *stripeProvider) UpdatePaymentMethod(ctx context.Context, flow CompletedFlow) error {
	oldMethod := p.data.MandateID

	if p.data.CustomerID == "" {
		p.data.CustomerID = flow.CustomerID
	}
	if _, err := paymentmethod.Attach(flow.MandateID, &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(p.data.CustomerID),
	}); err != nil {
		return fmt.Errorf("attach payment method: %w", err)
	}
	if _, err := customer.Update(p.data.CustomerID, &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(flow.MandateID),
		},
	}); err != nil {
		return fmt.Errorf("set default payment method: %w", err)
	}

	p.data.MandateID = flow.MandateID
	if err := p.deps.ProviderData.Save(p.data); err != nil {
		return err
	}

	if oldMethod != "" && oldMethod != flow.MandateID {
		if _, err := paymentmethod.Detach(oldMethod, nil); err != nil && !isStripeMissing(err) {
			return fmt.Errorf("detach previous payment method: %w", err)
		}
	}
	return nil
}

func (p *stripeProvider) UpdateContribution(ctx context.Context, form Form) (*UpdateResult, error) {
	if !p.data.HasMandate() {
		return nil, ErrNoPaymentMethod
	}

	now := time.Now()
	chargeable := contribution.GetChargeableAmount(form.MonthlyAmount, form.Period, form.PayFee, contribution.StripeFee)

	if p.data.HasSubscription() && !p.contact.MembershipActive(now) {
		if err := p.cancelSubscription(); err != nil {
			return nil, err
		}
		p.data.SubscriptionID = ""
	}

	if !p.data.HasSubscription() {
		return p.createSubscription(form, chargeable, now)
	}

	return p.changeSubscription(form, chargeable, now)
}

func (p *stripeProvider) createSubscription(form Form, chargeable int64, now time.Time) (*UpdateResult, error) {
	params := &stripe.SubscriptionParams{
		Customer:             stripe.String(p.data.CustomerID),
		DefaultPaymentMethod: stripe.String(p.data.MandateID),
		Items: []*stripe.SubscriptionItemsParams{
			{PriceData: p.priceData(chargeable, form.Period)},
		},
	}
	if form.StartDate != nil && form.StartDate.After(now) {
		params.TrialEnd = stripe.Int64(form.StartDate.Unix())
	}

	sub, err := subscription.New(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe subscription: %w", err)
	}

	p.data.SubscriptionID = sub.ID
	p.data.PayFee = form.PayFee
	p.data.CancelledAt = nil
	p.data.ClearNextAmount()
	if err := p.deps.ProviderData.Save(p.data); err != nil {
		return nil, err
	}

	expiry := contribution.CalcExpiryFromCharge(p.periodEnd(sub, now), form.Period, p.deps.Config)
	return &UpdateResult{StartsNow: true, ExpiryDate: expiry}, nil
}

func (p *stripeProvider) changeSubscription(form Form, chargeable int64, now time.Time) (*UpdateResult, error) {
	sub, err := subscription.Get(p.data.SubscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("get stripe subscription: %w", err)
	}
	current := int64(0)
	itemID := ""
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		itemID = sub.Items.Data[0].ID
		if sub.Items.Data[0].Price != nil {
			current = sub.Items.Data[0].Price.UnitAmount
		}
	}
	expiry := p.currentExpiry()

	// Out-of-cycle (equal/decrease) or a period change both mutate the
	// subscription in place, effective immediately.
	if chargeable <= current || form.Period != p.contact.ContributionPeriod {
		if err := p.updateAmount(itemID, chargeable, form.Period); err != nil {
			return nil, err
		}
		p.data.PayFee = form.PayFee
		p.data.ClearNextAmount()
		if err := p.deps.ProviderData.Save(p.data); err != nil {
			return nil, err
		}
		return &UpdateResult{StartsNow: true, ExpiryDate: expiry}, nil
	}

	// In-cycle increase with proration: one-off top-up now, new amount now.
	if form.Prorate {
		renewal := contribution.CalcRenewalDate(p.contact, now, p.deps.Config)
		monthsLeft := 0
		if renewal != nil {
			monthsLeft = contribution.MonthsLeft(now, *renewal)
		}
		topUp := int64(math.Round((form.MonthlyAmount - p.contact.ContributionMonthlyAmount) * float64(monthsLeft) * 100))
		if topUp > 0 {
			if _, err := paymentintent.New(&stripe.PaymentIntentParams{
				Amount:        stripe.Int64(topUp),
				Currency:      stripe.String(p.deps.Config.Currency),
				Customer:      stripe.String(p.data.CustomerID),
				PaymentMethod: stripe.String(p.data.MandateID),
				Confirm:       stripe.Bool(true),
				OffSession:    stripe.Bool(true),
				Description:   stripe.String("Contribution top up"),
			}); err != nil {
				return nil, fmt.Errorf("create proration payment: %w", err)
			}
		}
		if err := p.updateAmount(itemID, chargeable, form.Period); err != nil {
			return nil, err
		}
		p.data.PayFee = form.PayFee
		p.data.ClearNextAmount()
		if err := p.deps.ProviderData.Save(p.data); err != nil {
			return nil, err
		}
		return &UpdateResult{StartsNow: true, ExpiryDate: expiry}, nil
	}

	// In-cycle increase without proration: schedule the new amount as a
	// future phase starting at the period boundary.
	if err := p.scheduleAmountChange(sub, itemID, chargeable, form.Period); err != nil {
		return nil, err
	}
	p.data.PayFee = form.PayFee
	p.data.SetNextAmount(form.MonthlyAmount, chargeable)
	if err := p.deps.ProviderData.Save(p.data); err != nil {
		return nil, err
	}
	return &UpdateResult{StartsNow: false, ExpiryDate: expiry}, nil
}

// scheduleAmountChange moves the subscription onto a schedule whose next
// phase carries the new price. Processors reject schedule edits on some
// plan-linked subscriptions; fall back to an amount-only update of the
// item before propagating.
func (p *stripeProvider) scheduleAmountChange(sub *stripe.Subscription, itemID string, chargeable int64, period string) error {
	sched, err := subscriptionschedule.New(&stripe.SubscriptionScheduleParams{
		FromSubscription: stripe.String(sub.ID),
	})
	if err != nil {
		return p.fallbackAmountUpdate(itemID, chargeable, period, err)
	}

	currentPriceID := ""
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		currentPriceID = sub.Items.Data[0].Price.ID
	}
	phases := []*stripe.SubscriptionSchedulePhaseParams{
		{
			Items: []*stripe.SubscriptionSchedulePhaseItemParams{
				{Price: stripe.String(currentPriceID), Quantity: stripe.Int64(1)},
			},
			StartDate: stripe.Int64(sched.CurrentPhase.StartDate),
			EndDate:   stripe.Int64(sched.CurrentPhase.EndDate),
		},
		{
			Items: []*stripe.SubscriptionSchedulePhaseItemParams{
				{PriceData: p.phasePriceData(chargeable, period), Quantity: stripe.Int64(1)},
			},
		},
	}
	if _, err := subscriptionschedule.Update(sched.ID, &stripe.SubscriptionScheduleParams{
		Phases:            phases,
		ProrationBehavior: stripe.String("none"),
	}); err != nil {
		return p.fallbackAmountUpdate(itemID, chargeable, period, err)
	}
	return nil
}

func (p *stripeProvider) fallbackAmountUpdate(itemID string, chargeable int64, period string, cause error) error {
	if err := p.updateAmount(itemID, chargeable, period); err != nil {
		return fmt.Errorf("schedule amount change: %w", cause)
	}
	return nil
}

func (p *stripeProvider) updateAmount(itemID string, chargeable int64, period string) error {
	_, err := subscription.Update(p.data.SubscriptionID, &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:        stripe.String(itemID),
				PriceData: p.priceData(chargeable, period),
			},
		},
		ProrationBehavior: stripe.String("none"),
	})
	if err != nil {
		return fmt.Errorf("update stripe subscription: %w", err)
	}
	return nil
}

func (p *stripeProvider) CancelContribution(ctx context.Context, keepMethod bool) error {
	if p.data.HasSubscription() {
		if err := p.cancelSubscription(); err != nil {
			return err
		}
	}
	if !keepMethod && p.data.HasMandate() {
		if _, err := paymentmethod.Detach(p.data.MandateID, nil); err != nil && !isStripeMissing(err) {
			return err
		}
		p.data.MandateID = ""
	}

	now := time.Now()
	p.data.SubscriptionID = ""
	p.data.CancelledAt = &now
	p.data.ClearNextAmount()
	return p.deps.ProviderData.Save(p.data)
}

func (p *stripeProvider) UpdateMember(ctx context.Context, updates MemberUpdates) error {
	if p.data.CustomerID == "" {
		return nil
	}
	name := updates.FirstName + " " + updates.LastName
	_, err := customer.Update(p.data.CustomerID, &stripe.CustomerParams{
		Email: stripe.String(updates.Email),
		Name:  stripe.String(name),
	})
	return err
}

// cancelSubscription normalizes "already cancelled/gone" to success.
func (p *stripeProvider) cancelSubscription() error {
	_, err := subscription.Cancel(p.data.SubscriptionID, nil)
	if err != nil && !isStripeMissing(err) {
		return fmt.Errorf("cancel stripe subscription: %w", err)
	}
	return nil
}

func (p *stripeProvider) priceData(chargeable int64, period string) *stripe.SubscriptionItemPriceDataParams {
	return &stripe.SubscriptionItemPriceDataParams{
		Currency:   stripe.String(p.deps.Config.Currency),
		Product:    stripe.String(p.deps.Stripe.ProductID),
		UnitAmount: stripe.Int64(chargeable),
		Recurring: &stripe.SubscriptionItemPriceDataRecurringParams{
			Interval: stripe.String(stripeInterval(period)),
		},
	}
}

func (p *stripeProvider) phasePriceData(chargeable int64, period string) *stripe.SubscriptionItemPriceDataParams {
	return &stripe.SubscriptionItemPriceDataParams{
		Currency:   stripe.String(p.deps.Config.Currency),
		Product:    stripe.String(p.deps.Stripe.ProductID),
		UnitAmount: stripe.Int64(chargeable),
		Recurring: &stripe.SubscriptionItemPriceDataRecurringParams{
			Interval: stripe.String(stripeInterval(period)),
		},
	}
}

func (p *stripeProvider) currentExpiry() time.Time {
	if p.contact.Role != nil && p.contact.Role.DateExpires != nil {
		return *p.contact.Role.DateExpires
	}
	return time.Time{}
}

// periodEnd reads the current billing period end off the subscription
// items (where v84 keeps it).
func (p *stripeProvider) periodEnd(sub *stripe.Subscription, fallback time.Time) time.Time {
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].CurrentPeriodEnd > 0 {
		return time.Unix(sub.Items.Data[0].CurrentPeriodEnd, 0)
	}
	return fallback
}

func stripeInterval(period string) string {
	if period == models.ContributionPeriodAnnually {
		return "year"
	}
	return "month"
}

func isStripeMissing(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.Code == stripe.ErrorCodeResourceMissing
}

// stripeFlowProvider opens and completes checkout sessions in setup mode,
// which is Stripe's hosted flow for authorizing a payment method without
// charging it.
type stripeFlowProvider struct {
	cfg StripeConfig
}

func (f *stripeFlowProvider) CreateAuthFlow(ctx context.Context, sessionToken, completeURL string, prefill MemberUpdates) (string, string, error) {
	if f.cfg.SecretKey == "" {
		return "", "", errors.New("stripe is not configured")
	}
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSetup)),
		SuccessURL:         stripe.String(completeURL),
		ClientReferenceID:  stripe.String(sessionToken),
		CustomerCreation:   stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card", "sepa_debit"}),
	}
	if prefill.Email != "" {
		params.CustomerEmail = stripe.String(prefill.Email)
	}

	sess, err := session.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create stripe checkout session: %w", err)
	}
	return sess.ID, sess.URL, nil
}

func (f *stripeFlowProvider) CompleteAuthFlow(ctx context.Context, flowID, sessionToken string) (*CompletedFlow, error) {
	params := &stripe.CheckoutSessionParams{}
	params.AddExpand("setup_intent")
	sess, err := session.Get(flowID, params)
	if err != nil {
		return nil, fmt.Errorf("get stripe checkout session: %w", err)
	}
	if sess.ClientReferenceID != sessionToken {
		return nil, ErrFlowTokenMismatch
	}
	if sess.SetupIntent == nil || sess.SetupIntent.PaymentMethod == nil || sess.Customer == nil {
		return nil, errors.New("stripe checkout session is not complete")
	}
	return &CompletedFlow{
		CustomerID: sess.Customer.ID,
		MandateID:  sess.SetupIntent.PaymentMethod.ID,
	}, nil
}
