package membership

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/memberflow/memberflow/app/models"
	"github.com/memberflow/memberflow/app/repository"
	"github.com/memberflow/memberflow/internal/pkg/contribution"
	"github.com/memberflow/memberflow/internal/pkg/notify"
	"github.com/memberflow/memberflow/internal/pkg/payment"
	"gorm.io/gorm"
)

var (
	// ErrAmountBelowMinimum rejects contributions under the configured
	// minimum before any provider call is made.
	ErrAmountBelowMinimum = errors.New("contribution amount is below the minimum")
)

// Service orchestrates calculator and provider to create, change or cancel
// a contact's contribution, and persists the resulting entitlement.
type Service struct {
	repos    *repository.Repositories
	deps     payment.Deps
	cfg      contribution.PaymentConfig
	notifier notify.Notifier
	validate *validator.Validate
}

// NewService wires the lifecycle service.
func NewService(repos *repository.Repositories, deps payment.Deps, notifier notify.Notifier) *Service {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Service{
		repos:    repos,
		deps:     deps,
		cfg:      deps.Config,
		notifier: notifier,
		validate: validator.New(),
	}
}

// ValidateForm rejects malformed forms and amounts below the configured
// minimum. Runs before any provider call.
func (s *Service) ValidateForm(form payment.Form) error {
	if err := s.validate.Struct(form); err != nil {
		return err
	}
	if form.MonthlyAmount < s.cfg.MinimumFor(form.Period) {
		return ErrAmountBelowMinimum
	}
	return nil
}

// CreateContribution sets up a contact's first subscription. Same decision
// procedure as UpdateContribution; the provider creates rather than
// mutates because no subscription exists yet.
func (s *Service) CreateContribution(ctx context.Context, contact *models.Contact, form payment.Form) error {
	return s.UpdateContribution(ctx, contact, form)
}

// UpdateContribution validates, delegates to the provider's decision
// procedure, then persists: an immediately-active change lands on the
// contact's current amount, a deferred one on the pending amount. The
// membership expiry only ever moves forward from this path.
func (s *Service) UpdateContribution(ctx context.Context, contact *models.Contact, form payment.Form) error {
	if err := s.ValidateForm(form); err != nil {
		return err
	}

	provider, _, err := s.providerFor(contact)
	if err != nil {
		return err
	}
	ok, err := provider.CanChangeContribution(ctx, form.UseExistingMethod)
	if err != nil {
		return err
	}
	if !ok {
		return payment.ErrNoPaymentMethod
	}

	result, err := provider.UpdateContribution(ctx, form)
	if err != nil {
		return err
	}

	if result.StartsNow {
		contact.ContributionMonthlyAmount = form.MonthlyAmount
		contact.ContributionPeriod = form.Period
		contact.NextContributionMonthlyAmount = nil
	} else {
		amount := form.MonthlyAmount
		contact.NextContributionMonthlyAmount = &amount
	}
	if err := s.repos.Contact.Update(contact); err != nil {
		return err
	}

	if !result.ExpiryDate.IsZero() {
		if err := s.ExtendMembership(contact, result.ExpiryDate); err != nil {
			return err
		}
	}

	s.notifier.ContributionChanged(contact)
	return nil
}

// CancelContribution cancels the processor subscription. The membership
// role keeps its current expiry; entitlement lapses when the already-paid
// period runs out.
func (s *Service) CancelContribution(ctx context.Context, contact *models.Contact, keepMethod bool) error {
	provider, _, err := s.providerFor(contact)
	if err != nil {
		return err
	}
	if err := provider.CancelContribution(ctx, keepMethod); err != nil {
		return err
	}

	contact.NextContributionMonthlyAmount = nil
	if err := s.repos.Contact.Update(contact); err != nil {
		return err
	}

	s.notifier.MembershipCancelled(contact)
	return nil
}

// UpdateMember propagates identity changes to the processor customer
// record. Best effort: a provider failure is logged, not surfaced.
func (s *Service) UpdateMember(ctx context.Context, contact *models.Contact, updates payment.MemberUpdates) {
	provider, _, err := s.providerFor(contact)
	if err != nil {
		return
	}
	if err := provider.UpdateMember(ctx, updates); err != nil {
		log.Warnf("[Membership] Could not sync member %d to processor: %v", contact.ID, err)
	}
}

// ExtendMembership moves the contact's membership expiry forward to the
// given date. A non-expiring role is left alone and an earlier date is a
// no-op: expiry never moves backward through this path.
func (s *Service) ExtendMembership(contact *models.Contact, expiry time.Time) error {
	role := contact.Role
	if role == nil {
		role = &models.ContactRole{
			ContactID:   contact.ID,
			Role:        models.RoleMember,
			DateAdded:   time.Now(),
			DateExpires: &expiry,
		}
	} else {
		if role.DateExpires == nil || !expiry.After(*role.DateExpires) {
			return nil
		}
		role.DateExpires = &expiry
	}

	if err := s.repos.Contact.SaveRole(role); err != nil {
		return err
	}
	contact.Role = role
	s.notifier.MembershipExtended(contact, expiry)
	return nil
}

// PromoteNextAmount makes a pending amount current once a confirmed charge
// matches it. Called by the webhook reconciler.
func (s *Service) PromoteNextAmount(contact *models.Contact, data *models.PaymentProviderData) error {
	if contact.NextContributionMonthlyAmount == nil {
		return nil
	}
	contact.ContributionMonthlyAmount = *contact.NextContributionMonthlyAmount
	contact.NextContributionMonthlyAmount = nil
	if err := s.repos.Contact.Update(contact); err != nil {
		return err
	}

	data.ClearNextAmount()
	if err := s.repos.ProviderData.Save(data); err != nil {
		return err
	}
	s.notifier.ContributionChanged(contact)
	return nil
}

// CreateMember creates the contact record for a completed join flow and
// stores the authorized payment method. Member codes are short, so a
// generated code can collide; the uniqueness conflict is recovered by
// regenerating and retrying.
func (s *Service) CreateMember(ctx context.Context, flow *models.PaymentFlow, completed payment.CompletedFlow) (*models.Contact, error) {
	contact := &models.Contact{
		Email:            flow.Email,
		FirstName:        flow.FirstName,
		LastName:         flow.LastName,
		ContributionType: flow.Provider,
	}

	for {
		if err := contact.GenerateMemberCode(); err != nil {
			return nil, err
		}
		err := s.repos.Contact.Create(contact)
		if err == nil {
			break
		}
		if isDuplicateMemberCode(err) {
			continue
		}
		return nil, err
	}

	data := &models.PaymentProviderData{
		ContactID:  contact.ID,
		Provider:   flow.Provider,
		CustomerID: completed.CustomerID,
		MandateID:  completed.MandateID,
		PayFee:     flow.PayFee,
	}
	if err := s.repos.ProviderData.Save(data); err != nil {
		return nil, err
	}
	return contact, nil
}

// CompleteJoin finishes the join path: create the member, then start the
// contribution described by the flow's stored form.
func (s *Service) CompleteJoin(ctx context.Context, flow *models.PaymentFlow, completed payment.CompletedFlow) (*models.Contact, error) {
	contact, err := s.CreateMember(ctx, flow, completed)
	if err != nil {
		return nil, err
	}
	form := payment.Form{
		MonthlyAmount: flow.MonthlyAmount,
		Period:        flow.Period,
		PayFee:        flow.PayFee,
		Prorate:       flow.Prorate,
	}
	if err := s.CreateContribution(ctx, contact, form); err != nil {
		return contact, err
	}
	return contact, nil
}

// CompleteRestart finishes the re-subscription path for a lapsed contact:
// swap in the newly authorized method and restart the contribution. When
// the old entitlement still covers part of a period, the new subscription
// starts at the renewal date instead of today.
func (s *Service) CompleteRestart(ctx context.Context, flow *models.RestartFlow, completed payment.CompletedFlow) (*models.Contact, error) {
	contact, err := s.repos.Contact.GetByID(flow.ContactID)
	if err != nil {
		return nil, err
	}

	contact.ContributionType = flow.Provider
	if err := s.repos.Contact.Update(contact); err != nil {
		return nil, err
	}

	provider, _, err := s.providerFor(contact)
	if err != nil {
		return nil, err
	}
	if err := provider.UpdatePaymentMethod(ctx, completed); err != nil {
		return nil, err
	}

	form := payment.Form{
		MonthlyAmount: flow.MonthlyAmount,
		Period:        flow.Period,
		PayFee:        flow.PayFee,
		Prorate:       flow.Prorate,
	}
	if contact.Role != nil && contact.Role.DateExpires != nil && contact.Role.DateExpires.After(time.Now()) {
		start := *contact.Role.DateExpires
		form.StartDate = &start
	}
	if err := s.UpdateContribution(ctx, contact, form); err != nil {
		return contact, err
	}
	return contact, nil
}

// providerFor selects the provider implementation for a contact, creating
// an empty provider data row in memory when none is stored yet.
func (s *Service) providerFor(contact *models.Contact) (payment.Provider, *models.PaymentProviderData, error) {
	data, err := s.repos.ProviderData.GetByContactID(contact.ID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, err
		}
		data = &models.PaymentProviderData{
			ContactID: contact.ID,
			Provider:  contact.ContributionType,
		}
	}
	provider, err := s.deps.ProviderFor(contact, data)
	if err != nil {
		return nil, nil, err
	}
	return provider, data, nil
}

// isDuplicateMemberCode matches only a member-code uniqueness conflict.
// A duplicate email is a real error and must not be retried.
func isDuplicateMemberCode(err error) bool {
	if err == nil {
		return false
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) && !strings.Contains(err.Error(), "Duplicate entry") {
		return false
	}
	return strings.Contains(err.Error(), "member_code")
}
