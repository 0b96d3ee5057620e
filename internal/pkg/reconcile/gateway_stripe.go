package reconcile

import (
	"context"
	"time"

	stripe "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/invoice"
	"github.com/stripe/stripe-go/v84/invoicepayment"
	"github.com/stripe/stripe-go/v84/refund"
	"github.com/stripe/stripe-go/v84/subscription"

	"github.com/memberflow/memberflow/app/models"
)

// StripeGateway adapts Stripe to the reconciler. The ledger's payment id
// for card contributions is the invoice id: invoices are the unit Stripe
// bills subscriptions in, and invoice events are what the webhook sends.
type StripeGateway struct{}

func (g *StripeGateway) Payment(ctx context.Context, invoiceID string) (*PaymentDetail, error) {
	params := &stripe.InvoiceParams{Params: stripe.Params{Context: ctx}}
	params.AddExpand("payments")
	params.AddExpand("parent.subscription_details.subscription")
	inv, err := invoice.Get(invoiceID, params)
	if err != nil {
		return nil, err
	}

	detail := &PaymentDetail{
		PaymentID:   inv.ID,
		Status:      invoiceStatus(inv.Status),
		Description: inv.Description,
		Amount:      inv.AmountDue,
		ChargeDate:  time.Unix(inv.Created, 0),
	}
	if inv.StatusTransitions != nil && inv.StatusTransitions.PaidAt > 0 {
		detail.ChargeDate = time.Unix(inv.StatusTransitions.PaidAt, 0)
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		detail.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}
	detail.AmountRefunded = g.refundedTotal(ctx, inv)
	return detail, nil
}

// refundedTotal sums refunds against the invoice's payment intent.
// Failures here degrade to zero; an accurate refund figure is not worth
// failing the whole event over.
func (g *StripeGateway) refundedTotal(ctx context.Context, inv *stripe.Invoice) int64 {
	if inv.Payments == nil || len(inv.Payments.Data) == 0 {
		return 0
	}
	payment := inv.Payments.Data[0].Payment
	if payment == nil || payment.PaymentIntent == nil {
		return 0
	}

	params := &stripe.RefundListParams{PaymentIntent: stripe.String(payment.PaymentIntent.ID)}
	params.Context = ctx
	var total int64
	it := refund.List(params)
	for it.Next() {
		total += it.Refund().Amount
	}
	return total
}

func (g *StripeGateway) Subscription(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error) {
	params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, err
	}
	period := models.ContributionPeriodMonthly
	if len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil &&
		sub.Items.Data[0].Price.Recurring != nil &&
		sub.Items.Data[0].Price.Recurring.Interval == stripe.PriceRecurringIntervalYear {
		period = models.ContributionPeriodAnnually
	}
	return &SubscriptionDetail{SubscriptionID: sub.ID, Period: period}, nil
}

// RefundParent maps a refund back to the invoice it undoes, via the
// payment intent's invoice payments.
func (g *StripeGateway) RefundParent(ctx context.Context, refundID string) (string, error) {
	params := &stripe.RefundParams{Params: stripe.Params{Context: ctx}}
	ref, err := refund.Get(refundID, params)
	if err != nil {
		return "", err
	}
	if ref.PaymentIntent == nil {
		return "", nil
	}

	listParams := &stripe.InvoicePaymentListParams{}
	listParams.Context = ctx
	listParams.Filters.AddFilter("payment[payment_intent]", "", ref.PaymentIntent.ID)
	listParams.Filters.AddFilter("payment[type]", "", "payment_intent")
	it := invoicepayment.List(listParams)
	if it.Next() {
		if ip := it.InvoicePayment(); ip.Invoice != nil {
			return ip.Invoice.ID, nil
		}
	}
	return "", it.Err()
}

func invoiceStatus(status stripe.InvoiceStatus) string {
	switch status {
	case stripe.InvoiceStatusDraft:
		return models.PaymentStatusPendingSubmit
	case stripe.InvoiceStatusOpen:
		return models.PaymentStatusSubmitted
	case stripe.InvoiceStatusPaid:
		return models.PaymentStatusConfirmed
	case stripe.InvoiceStatusVoid:
		return models.PaymentStatusCancelled
	case stripe.InvoiceStatusUncollectible:
		return models.PaymentStatusFailed
	default:
		return models.PaymentStatusPendingSubmit
	}
}
