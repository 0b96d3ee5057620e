package reconcile

import (
	"context"
	"time"

	"github.com/memberflow/memberflow/app/models"
	"github.com/memberflow/memberflow/internal/pkg/gocardless"
)

// GoCardlessGateway adapts the GoCardless client to the reconciler.
// Statuses pass through unchanged; the local vocabulary follows the
// direct debit lifecycle.
type GoCardlessGateway struct {
	Client *gocardless.Client
}

func (g *GoCardlessGateway) Payment(ctx context.Context, paymentID string) (*PaymentDetail, error) {
	p, err := g.Client.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	chargeDate, err := time.Parse("2006-01-02", p.ChargeDate)
	if err != nil {
		chargeDate = time.Now()
	}
	return &PaymentDetail{
		PaymentID:      p.ID,
		Status:         p.Status,
		Description:    p.Description,
		Amount:         p.Amount,
		AmountRefunded: p.AmountRefunded,
		ChargeDate:     chargeDate,
		SubscriptionID: p.Links.Subscription,
		MandateID:      p.Links.Mandate,
	}, nil
}

func (g *GoCardlessGateway) Subscription(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error) {
	sub, err := g.Client.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	period := models.ContributionPeriodMonthly
	if sub.IntervalUnit == "yearly" {
		period = models.ContributionPeriodAnnually
	}
	return &SubscriptionDetail{SubscriptionID: sub.ID, Period: period}, nil
}

func (g *GoCardlessGateway) RefundParent(ctx context.Context, refundID string) (string, error) {
	refund, err := g.Client.GetRefund(ctx, refundID)
	if err != nil {
		return "", err
	}
	return refund.Links.Payment, nil
}
