package payment

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/memberflow/memberflow/app/models"
	"github.com/memberflow/memberflow/internal/pkg/contribution"
	"github.com/memberflow/memberflow/internal/pkg/gocardless"
)

const gcDateLayout = "2006-01-02"

// goCardlessProvider drives the direct-debit processor for one contact.
// GoCardless has no native notion of a scheduled future amount change, so
// deferred increases are recorded locally on the provider data row and
// promoted when a webhook later confirms a payment at the new amount.
type goCardlessProvider struct {
	deps    Deps
	contact *models.Contact
	data    *models.PaymentProviderData
}

func newGoCardlessProvider(d Deps, contact *models.Contact, data *models.PaymentProviderData) Provider {
	return &goCardlessProvider{deps: d, contact: contact, data: data}
}

func (p *goCardlessProvider) CanChangeContribution(ctx context.Context, useExistingMethod bool) (bool, error) {
	if useExistingMethod && !p.data.HasMandate() {
		return false, nil
	}
	return true, nil
}

func (p *goCardlessProvider) ContributionInfo(ctx context.Context) (*ContributionInfo, error) {
	info := &ContributionInfo{
		PayFee:            p.data.PayFee,
		CancelledAt:       p.data.CancelledAt,
		NextMonthlyAmount: p.data.NextMonthlyAmount,
	}
	if p.data.HasMandate() {
		info.PaymentSource = "Direct debit"
	}
	return info, nil
}

func (p *goCardlessProvider) UpdatePaymentMethod(ctx context.Context, flow CompletedFlow) error {
	oldMandate := p.data.MandateID
	p.data.CustomerID = flow.CustomerID
	p.data.MandateID = flow.MandateID
	if err := p.deps.ProviderData.Save(p.data); err != nil {
		return err
	}
	if oldMandate != "" && oldMandate != flow.MandateID {
		if err := p.deps.GoCardless.CancelMandate(ctx, oldMandate); err != nil && !gocardless.IsInvalidState(err) {
			return fmt.Errorf("detach previous mandate: %w", err)
		}
	}
	return nil
}

func (p *goCardlessProvider) UpdateContribution(ctx context.Context, form Form) (*UpdateResult, error) {
	if !p.data.HasMandate() {
		return nil, ErrNoPaymentMethod
	}

	now := time.Now()
	chargeable := contribution.GetChargeableAmount(form.MonthlyAmount, form.Period, form.PayFee, contribution.GoCardlessFee)

	// A leftover subscription from a lapsed membership is stale; cancel it
	// and start fresh.
	if p.data.HasSubscription() && !p.contact.MembershipActive(now) {
		if err := p.cancelSubscription(ctx); err != nil {
			return nil, err
		}
		p.data.SubscriptionID = ""
	}

	if !p.data.HasSubscription() {
		return p.createSubscription(ctx, form, chargeable, now)
	}

	// Changing the billing period cannot be expressed on a live GoCardless
	// subscription; replace it, starting the new one at the renewal date so
	// the contact is not double-charged.
	if form.Period != p.contact.ContributionPeriod {
		return p.replaceSubscription(ctx, form, chargeable, now)
	}

	return p.changeAmount(ctx, form, chargeable, now)
}

func (p *goCardlessProvider) createSubscription(ctx context.Context, form Form, chargeable int64, now time.Time) (*UpdateResult, error) {
	startDate := ""
	if form.StartDate != nil && form.StartDate.After(now) {
		startDate = form.StartDate.Format(gcDateLayout)
	}

	sub, err := p.deps.GoCardless.CreateSubscription(ctx, p.data.MandateID, chargeable, p.deps.Config.Currency, intervalUnit(form.Period), startDate)
	if err != nil {
		return nil, err
	}

	p.data.SubscriptionID = sub.ID
	p.data.PayFee = form.PayFee
	p.data.CancelledAt = nil
	p.data.ClearNextAmount()
	if err := p.deps.ProviderData.Save(p.data); err != nil {
		return nil, err
	}

	expiry := p.firstChargeExpiry(sub, form.Period, now)
	return &UpdateResult{StartsNow: true, ExpiryDate: expiry}, nil
}

func (p *goCardlessProvider) replaceSubscription(ctx context.Context, form Form, chargeable int64, now time.Time) (*UpdateResult, error) {
	if err := p.cancelSubscription(ctx); err != nil {
		return nil, err
	}
	p.data.SubscriptionID = ""

	start := form.StartDate
	if start == nil {
		if renewal := contribution.CalcRenewalDate(p.contact, now, p.deps.Config); renewal != nil {
			start = renewal
		}
	}
	form.StartDate = start
	return p.createSubscription(ctx, form, chargeable, now)
}

func (p *goCardlessProvider) changeAmount(ctx context.Context, form Form, chargeable int64, now time.Time) (*UpdateResult, error) {
	current := contribution.GetChargeableAmount(
		p.contact.ContributionMonthlyAmount, p.contact.ContributionPeriod, p.data.PayFee, contribution.GoCardlessFee,
	)
	expiry := p.currentExpiry()

	// Equal or decreased amounts are out-of-cycle: apply immediately.
	if chargeable <= current {
		if _, err := p.deps.GoCardless.UpdateSubscriptionAmount(ctx, p.data.SubscriptionID, chargeable); err != nil {
			return nil, err
		}
		p.data.PayFee = form.PayFee
		p.data.ClearNextAmount()
		if err := p.deps.ProviderData.Save(p.data); err != nil {
			return nil, err
		}
		return &UpdateResult{StartsNow: true, ExpiryDate: expiry}, nil
	}

	// In-cycle increase with proration: charge a one-off top-up for the
	// months left in the current period, then raise the subscription.
	if form.Prorate {
		renewal := contribution.CalcRenewalDate(p.contact, now, p.deps.Config)
		monthsLeft := 0
		if renewal != nil {
			monthsLeft = contribution.MonthsLeft(now, *renewal)
		}
		topUp := int64(math.Round((form.MonthlyAmount - p.contact.ContributionMonthlyAmount) * float64(monthsLeft) * 100))
		if topUp > 0 {
			if _, err := p.deps.GoCardless.CreatePayment(ctx, p.data.MandateID, topUp, p.deps.Config.Currency, "Contribution top up"); err != nil {
				return nil, err
			}
		}
		if _, err := p.deps.GoCardless.UpdateSubscriptionAmount(ctx, p.data.SubscriptionID, chargeable); err != nil {
			return nil, err
		}
		p.data.PayFee = form.PayFee
		p.data.ClearNextAmount()
		if err := p.deps.ProviderData.Save(p.data); err != nil {
			return nil, err
		}
		return &UpdateResult{StartsNow: true, ExpiryDate: expiry}, nil
	}

	// In-cycle increase without proration: leave the subscription untouched
	// and record the next amount; a future webhook confirming a payment at
	// that amount promotes it.
	p.data.PayFee = form.PayFee
	p.data.SetNextAmount(form.MonthlyAmount, chargeable)
	if err := p.deps.ProviderData.Save(p.data); err != nil {
		return nil, err
	}
	return &UpdateResult{StartsNow: false, ExpiryDate: expiry}, nil
}

func (p *goCardlessProvider) CancelContribution(ctx context.Context, keepMethod bool) error {
	if p.data.HasSubscription() {
		if err := p.cancelSubscription(ctx); err != nil {
			return err
		}
	}
	if !keepMethod && p.data.HasMandate() {
		if err := p.deps.GoCardless.CancelMandate(ctx, p.data.MandateID); err != nil && !gocardless.IsInvalidState(err) {
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

func (p *goCardlessProvider) UpdateMember(ctx context.Context, updates MemberUpdates) error {
	if p.data.CustomerID == "" {
		return nil
	}
	_, err := p.deps.GoCardless.UpdateCustomer(ctx, p.data.CustomerID, updates.Email, updates.FirstName, updates.LastName)
	return err
}

// cancelSubscription normalizes "already cancelled" to success.
func (p *goCardlessProvider) cancelSubscription(ctx context.Context) error {
	err := p.deps.GoCardless.CancelSubscription(ctx, p.data.SubscriptionID)
	if err != nil && !gocardless.IsInvalidState(err) {
		return err
	}
	return nil
}

func (p *goCardlessProvider) currentExpiry() time.Time {
	if p.contact.Role != nil && p.contact.Role.DateExpires != nil {
		return *p.contact.Role.DateExpires
	}
	return time.Time{}
}

// firstChargeExpiry derives the membership expiry a fresh subscription
// justifies from its first upcoming charge date.
func (p *goCardlessProvider) firstChargeExpiry(sub *gocardless.Subscription, period string, now time.Time) time.Time {
	chargeDate := now
	if len(sub.UpcomingPayments) > 0 {
		if parsed, err := time.Parse(gcDateLayout, sub.UpcomingPayments[0].ChargeDate); err == nil {
			chargeDate = parsed
		}
	}
	return contribution.CalcExpiryFromCharge(chargeDate, period, p.deps.Config)
}

func intervalUnit(period string) string {
	if period == models.ContributionPeriodAnnually {
		return "yearly"
	}
	return "monthly"
}

// goCardlessFlowProvider opens and completes GoCardless redirect flows.
type goCardlessFlowProvider struct {
	client *gocardless.Client
}

func (f *goCardlessFlowProvider) CreateAuthFlow(ctx context.Context, sessionToken, completeURL string, prefill MemberUpdates) (string, string, error) {
	pre := map[string]string{}
	if prefill.Email != "" {
		pre["email"] = prefill.Email
	}
	if prefill.FirstName != "" {
		pre["given_name"] = prefill.FirstName
	}
	if prefill.LastName != "" {
		pre["family_name"] = prefill.LastName
	}

	flow, err := f.client.CreateRedirectFlow(ctx, sessionToken, completeURL, "Membership contribution", pre)
	if err != nil {
		return "", "", err
	}
	return flow.ID, flow.RedirectURL, nil
}

func (f *goCardlessFlowProvider) CompleteAuthFlow(ctx context.Context, flowID, sessionToken string) (*CompletedFlow, error) {
	flow, err := f.client.CompleteRedirectFlow(ctx, flowID, sessionToken)
	if err != nil {
		return nil, err
	}
	return &CompletedFlow{
		CustomerID: flow.Links.Customer,
		MandateID:  flow.Links.Mandate,
	}, nil
}
