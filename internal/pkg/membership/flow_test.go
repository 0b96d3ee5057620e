package membership

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"gorm.io/gorm"

	"github.com/memberflow/memberflow/app/models"
	"github.com/memberflow/memberflow/internal/pkg/contribution"
	"github.com/memberflow/memberflow/internal/pkg/gocardless"
	"github.com/memberflow/memberflow/internal/pkg/payment"
)

// memFlowRepo mimics the single-use claim semantics of the real
// repository: Take deletes the row before returning it.
type memFlowRepo struct {
	payFlows     map[string]*models.PaymentFlow
	restartFlows map[string]*models.RestartFlow
}

func newMemFlowRepo() *memFlowRepo {
	return &memFlowRepo{
		payFlows:     map[string]*models.PaymentFlow{},
		restartFlows: map[string]*models.RestartFlow{},
	}
}

func (r *memFlowRepo) CreatePaymentFlow(flow *models.PaymentFlow) error {
	r.payFlows[flow.ProviderFlowID] = flow
	return nil
}

func (r *memFlowRepo) TakePaymentFlow(providerFlowID string) (*models.PaymentFlow, error) {
	flow, ok := r.payFlows[providerFlowID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	delete(r.payFlows, providerFlowID)
	return flow, nil
}

func (r *memFlowRepo) CreateRestartFlow(flow *models.RestartFlow) error {
	r.restartFlows[flow.ProviderFlowID] = flow
	return nil
}

func (r *memFlowRepo) TakeRestartFlow(providerFlowID string) (*models.RestartFlow, error) {
	flow, ok := r.restartFlows[providerFlowID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	delete(r.restartFlows, providerFlowID)
	return flow, nil
}

// newFlowServer fakes the GoCardless redirect flow endpoints and records
// the session token each completion carried.
func newFlowServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var completedTokens []string

	mux := http.NewServeMux()
	mux.HandleFunc("POST /redirect_flows", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"redirect_flows": map[string]string{
				"id":           "RE1",
				"redirect_url": "https://pay.example.org/flow/RE1",
			},
		})
	})
	mux.HandleFunc("POST /redirect_flows/RE1/actions/complete", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Data struct {
				SessionToken string `json:"session_token"`
			} `json:"data"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("bad completion body: %v", err)
		}
		completedTokens = append(completedTokens, body.Data.SessionToken)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"redirect_flows": map[string]interface{}{
				"id": "RE1",
				"links": map[string]string{
					"customer": "CU1",
					"mandate":  "MD1",
				},
			},
		})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &completedTokens
}

func newTestFlowService(ts *httptest.Server) (*FlowService, *memFlowRepo) {
	flows := newMemFlowRepo()
	deps := payment.Deps{
		GoCardless: &gocardless.Client{
			AccessToken: "test",
			APIBaseURL:  ts.URL,
			HTTPClient:  ts.Client(),
		},
		Config: contribution.PaymentConfig{Currency: "GBP", GracePeriodDays: 7, MinMonthlyAmount: 1},
	}
	return NewFlowService(flows, deps), flows
}

func TestCreateFlowPersistsPendingJoin(t *testing.T) {
	ts, _ := newFlowServer(t)
	svc, flows := newTestFlowService(ts)

	form := JoinForm{
		Email:     "new@example.org",
		FirstName: "Ada",
		Provider:  models.ContributionTypeGoCardless,
		Form:      payment.Form{MonthlyAmount: 5, Period: models.ContributionPeriodMonthly},
	}
	redirectURL, err := svc.CreateFlow(context.Background(), "https://example.org/done", form)
	if err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}
	if redirectURL != "https://pay.example.org/flow/RE1" {
		t.Fatalf("redirect url = %q", redirectURL)
	}

	flow, ok := flows.payFlows["RE1"]
	if !ok {
		t.Fatal("pending flow not persisted under the provider flow id")
	}
	if flow.Email != "new@example.org" || flow.MonthlyAmount != 5 || flow.Period != models.ContributionPeriodMonthly {
		t.Fatalf("stored flow = %+v", flow)
	}
	if flow.SessionToken == "" {
		t.Fatal("flow must carry a session token")
	}
}

func TestCompleteFlowIsSingleUse(t *testing.T) {
	ts, tokens := newFlowServer(t)
	svc, _ := newTestFlowService(ts)

	form := JoinForm{
		Email:    "new@example.org",
		Provider: models.ContributionTypeGoCardless,
		Form:     payment.Form{MonthlyAmount: 5, Period: models.ContributionPeriodMonthly},
	}
	if _, err := svc.CreateFlow(context.Background(), "https://example.org/done", form); err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}

	flow, completed, err := svc.CompleteFlow(context.Background(), "RE1")
	if err != nil {
		t.Fatalf("CompleteFlow failed: %v", err)
	}
	if completed.CustomerID != "CU1" || completed.MandateID != "MD1" {
		t.Fatalf("completed = %+v", completed)
	}
	if len(*tokens) != 1 || (*tokens)[0] != flow.SessionToken {
		t.Fatalf("completion did not exchange the stored session token: %v", *tokens)
	}

	// The claim consumed the row; a replayed callback must fail closed
	// without reaching the processor again.
	if _, _, err := svc.CompleteFlow(context.Background(), "RE1"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("second completion must fail with a missing row, got %v", err)
	}
	if len(*tokens) != 1 {
		t.Fatal("replayed completion must not hit the processor")
	}
}

func TestCompleteRestartFlowClaimsRow(t *testing.T) {
	ts, _ := newFlowServer(t)
	svc, flows := newTestFlowService(ts)

	contact := &models.Contact{ID: 7, Email: "lapsed@example.org", FirstName: "Ada"}
	form := payment.Form{MonthlyAmount: 8, Period: models.ContributionPeriodAnnually, PayFee: true}
	if _, err := svc.CreateRestartFlow(context.Background(), "https://example.org/done", contact, form, models.ContributionTypeGoCardless); err != nil {
		t.Fatalf("CreateRestartFlow failed: %v", err)
	}

	stored := flows.restartFlows["RE1"]
	if stored == nil || stored.ContactID != 7 || stored.MonthlyAmount != 8 || !stored.PayFee {
		t.Fatalf("stored restart flow = %+v", stored)
	}

	flow, completed, err := svc.CompleteRestartFlow(context.Background(), "RE1")
	if err != nil {
		t.Fatalf("CompleteRestartFlow failed: %v", err)
	}
	if flow.ContactID != 7 || completed.MandateID != "MD1" {
		t.Fatalf("flow=%+v completed=%+v", flow, completed)
	}
	if _, _, err := svc.CompleteRestartFlow(context.Background(), "RE1"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("restart flow must be single-use, got %v", err)
	}
}

func TestCreateFlowUnknownProvider(t *testing.T) {
	ts, _ := newFlowServer(t)
	svc, _ := newTestFlowService(ts)

	form := JoinForm{Email: "x@example.org", Provider: "carrier_pigeon"}
	if _, err := svc.CreateFlow(context.Background(), "https://example.org/done", form); !errors.Is(err, payment.ErrUnsupportedType) {
		t.Fatalf("want ErrUnsupportedType, got %v", err)
	}
}
