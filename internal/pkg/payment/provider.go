package payment

import (
	"context"
	"errors"
	"time"

	"github.com/memberflow/memberflow/app/models"
	"github.com/memberflow/memberflow/app/repository"
	"github.com/memberflow/memberflow/internal/pkg/contribution"
	"github.com/memberflow/memberflow/internal/pkg/gocardless"
)

var (
	// ErrNoPaymentMethod is returned when an operation needs a payment
	// method and none is on file.
	ErrNoPaymentMethod = errors.New("no payment method on file")
	// ErrUnsupportedType is returned when the contact's contribution type
	// has no processor behind it (none, manual, gift).
	ErrUnsupportedType = errors.New("contribution type has no payment provider")
	// ErrFlowTokenMismatch is returned when a completion callback does not
	// carry the session token the flow was created with.
	ErrFlowTokenMismatch = errors.New("authorization flow session token mismatch")
)

// Form is the payment form a caller submits to create or change a
// contribution.
type Form struct {
	MonthlyAmount     float64 `json:"monthly_amount" validate:"required,gt=0"`
	Period            string  `json:"period" validate:"required,oneof=monthly annually"`
	PayFee            bool    `json:"pay_fee"`
	Prorate           bool    `json:"prorate"`
	UseExistingMethod bool    `json:"use_existing_method"`

	// StartDate delays the first charge, used when re-subscribing a lapsed
	// member whose entitlement already covers part of the period.
	StartDate *time.Time `json:"start_date,omitempty"`
}

// CompletedFlow carries the identifiers a finished authorization flow
// produced: the processor customer and the authorized method (a mandate for
// direct debit, a payment method for cards).
type CompletedFlow struct {
	CustomerID string
	MandateID  string
}

// ContributionInfo is the provider-side view of the current contribution.
type ContributionInfo struct {
	PayFee            bool
	PaymentSource     string
	CancelledAt       *time.Time
	NextMonthlyAmount *float64
}

// UpdateResult tells the caller whether the change is already active, and
// what membership expiry the operation justifies.
type UpdateResult struct {
	StartsNow  bool
	ExpiryDate time.Time
}

// MemberUpdates carries identity changes to propagate to the processor.
type MemberUpdates struct {
	Email     string
	FirstName string
	LastName  string
}

// Provider wraps one external processor's subscription and customer API
// for a single contact.
type Provider interface {
	// CanChangeContribution reports whether an update can proceed; false
	// when the caller wants to reuse an existing method and none is stored.
	CanChangeContribution(ctx context.Context, useExistingMethod bool) (bool, error)

	// ContributionInfo returns the fee opt-in, payment source descriptor,
	// cancellation date and any scheduled next amount.
	ContributionInfo(ctx context.Context) (*ContributionInfo, error)

	// UpdatePaymentMethod attaches a newly authorized method to the
	// processor customer and discards the previous one.
	UpdatePaymentMethod(ctx context.Context, flow CompletedFlow) error

	// UpdateContribution creates or changes the processor subscription per
	// the in-cycle/out-of-cycle decision procedure.
	UpdateContribution(ctx context.Context, form Form) (*UpdateResult, error)

	// CancelContribution cancels the subscription, optionally keeping the
	// payment method for later reuse.
	CancelContribution(ctx context.Context, keepMethod bool) error

	// UpdateMember propagates name/email changes to the processor's
	// customer record. Best effort.
	UpdateMember(ctx context.Context, updates MemberUpdates) error
}

// FlowProvider opens and completes the hosted authorization session used
// to obtain a payment method, independent of contribution state.
type FlowProvider interface {
	CreateAuthFlow(ctx context.Context, sessionToken, completeURL string, prefill MemberUpdates) (flowID, redirectURL string, err error)
	CompleteAuthFlow(ctx context.Context, flowID, sessionToken string) (*CompletedFlow, error)
}

// Deps bundles what provider implementations need.
type Deps struct {
	GoCardless   *gocardless.Client
	Stripe       StripeConfig
	ProviderData repository.ProviderDataRepository
	Config       contribution.PaymentConfig
}

type factory func(d Deps, contact *models.Contact, data *models.PaymentProviderData) Provider

// factories is the lookup table that picks provider behavior from the
// contact's contribution type tag.
var factories = map[string]factory{
	models.ContributionTypeGoCardless: newGoCardlessProvider,
	models.ContributionTypeStripe:     newStripeProvider,
}

// ProviderFor selects the provider implementation for a contact, or
// ErrUnsupportedType when the contribution type has no processor.
func (d Deps) ProviderFor(contact *models.Contact, data *models.PaymentProviderData) (Provider, error) {
	f, ok := factories[contact.ContributionType]
	if !ok {
		return nil, ErrUnsupportedType
	}
	return f(d, contact, data), nil
}

// FlowProviderFor selects the flow implementation for a provider tag.
func (d Deps) FlowProviderFor(provider string) (FlowProvider, error) {
	switch provider {
	case models.ContributionTypeGoCardless:
		return &goCardlessFlowProvider{client: d.GoCardless}, nil
	case models.ContributionTypeStripe:
		return &stripeFlowProvider{cfg: d.Stripe}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
