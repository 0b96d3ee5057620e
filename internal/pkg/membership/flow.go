package membership

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/memberflow/memberflow/app/models"
	"github.com/memberflow/memberflow/app/repository"
	"github.com/memberflow/memberflow/internal/pkg/payment"
)

// JoinForm is what a prospective member submits to start the hosted
// authorization flow.
type JoinForm struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
	Provider  string `json:"provider" validate:"required,oneof=gocardless stripe"`
	payment.Form
}

// FlowService creates and completes the one-time redirect session used to
// authorize a payment method, independent of which provider backs it.
type FlowService struct {
	flows repository.FlowRepository
	deps  payment.Deps
}

// NewFlowService wires the flow service.
func NewFlowService(flows repository.FlowRepository, deps payment.Deps) *FlowService {
	return &FlowService{flows: flows, deps: deps}
}

// CreateFlow opens a hosted authorization session and persists the pending
// join form keyed by the provider's flow id. Returns the hosted redirect
// URL the caller sends the user to.
func (s *FlowService) CreateFlow(ctx context.Context, completeURL string, form JoinForm) (string, error) {
	fp, err := s.deps.FlowProviderFor(form.Provider)
	if err != nil {
		return "", err
	}

	token, err := newSessionToken()
	if err != nil {
		return "", err
	}
	prefill := payment.MemberUpdates{Email: form.Email, FirstName: form.FirstName, LastName: form.LastName}
	flowID, redirectURL, err := fp.CreateAuthFlow(ctx, token, completeURL, prefill)
	if err != nil {
		return "", err
	}

	flow := &models.PaymentFlow{
		ProviderFlowID: flowID,
		SessionToken:   token,
		Provider:       form.Provider,
		Email:          form.Email,
		FirstName:      form.FirstName,
		LastName:       form.LastName,
		MonthlyAmount:  form.MonthlyAmount,
		Period:         form.Period,
		PayFee:         form.PayFee,
		Prorate:        form.Prorate,
		CompleteURL:    completeURL,
	}
	if err := s.flows.CreatePaymentFlow(flow); err != nil {
		return "", err
	}
	return redirectURL, nil
}

// CompleteFlow claims the single-use flow row and exchanges it with the
// provider using the stored session token. An absent row means the flow
// was already completed (or never existed) and is a hard failure: the
// claim deleted the row first, so a racing second completion cannot
// produce side effects.
func (s *FlowService) CompleteFlow(ctx context.Context, providerFlowID string) (*models.PaymentFlow, *payment.CompletedFlow, error) {
	flow, err := s.flows.TakePaymentFlow(providerFlowID)
	if err != nil {
		return nil, nil, err
	}

	fp, err := s.deps.FlowProviderFor(flow.Provider)
	if err != nil {
		return nil, nil, err
	}
	completed, err := fp.CompleteAuthFlow(ctx, providerFlowID, flow.SessionToken)
	if err != nil {
		return nil, nil, err
	}
	return flow, completed, nil
}

// CreateRestartFlow opens an authorization session bound to an existing
// lapsed contact, so they can re-subscribe without re-registering.
func (s *FlowService) CreateRestartFlow(ctx context.Context, completeURL string, contact *models.Contact, form payment.Form, provider string) (string, error) {
	fp, err := s.deps.FlowProviderFor(provider)
	if err != nil {
		return "", err
	}

	token, err := newSessionToken()
	if err != nil {
		return "", err
	}
	prefill := payment.MemberUpdates{Email: contact.Email, FirstName: contact.FirstName, LastName: contact.LastName}
	flowID, redirectURL, err := fp.CreateAuthFlow(ctx, token, completeURL, prefill)
	if err != nil {
		return "", err
	}

	flow := &models.RestartFlow{
		ProviderFlowID: flowID,
		SessionToken:   token,
		Provider:       provider,
		ContactID:      contact.ID,
		MonthlyAmount:  form.MonthlyAmount,
		Period:         form.Period,
		PayFee:         form.PayFee,
		Prorate:        form.Prorate,
	}
	if err := s.flows.CreateRestartFlow(flow); err != nil {
		return "", err
	}
	return redirectURL, nil
}

// CompleteRestartFlow mirrors CompleteFlow for the restart path.
func (s *FlowService) CompleteRestartFlow(ctx context.Context, providerFlowID string) (*models.RestartFlow, *payment.CompletedFlow, error) {
	flow, err := s.flows.TakeRestartFlow(providerFlowID)
	if err != nil {
		return nil, nil, err
	}

	fp, err := s.deps.FlowProviderFor(flow.Provider)
	if err != nil {
		return nil, nil, err
	}
	completed, err := fp.CompleteAuthFlow(ctx, providerFlowID, flow.SessionToken)
	if err != nil {
		return nil, nil, err
	}
	return flow, completed, nil
}

func newSessionToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
