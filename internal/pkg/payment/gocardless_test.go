package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/memberflow/memberflow/app/models"
	"github.com/memberflow/memberflow/internal/pkg/contribution"
	"github.com/memberflow/memberflow/internal/pkg/gocardless"
)

type fakeProviderDataRepo struct {
	mu    sync.Mutex
	saved []models.PaymentProviderData
}

func (r *fakeProviderDataRepo) GetByContactID(contactID uint) (*models.PaymentProviderData, error) {
	return nil, gorm.ErrRecordNotFound
}
func (r *fakeProviderDataRepo) GetBySubscriptionID(provider, subscriptionID string) (*models.PaymentProviderData, error) {
	return nil, gorm.ErrRecordNotFound
}
func (r *fakeProviderDataRepo) GetByMandateID(provider, mandateID string) (*models.PaymentProviderData, error) {
	return nil, gorm.ErrRecordNotFound
}
func (r *fakeProviderDataRepo) GetByCustomerID(provider, customerID string) (*models.PaymentProviderData, error) {
	return nil, gorm.ErrRecordNotFound
}
func (r *fakeProviderDataRepo) Save(data *models.PaymentProviderData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, *data)
	return nil
}
func (r *fakeProviderDataRepo) UnlinkSubscription(contactID uint, cancelledAt time.Time) error {
	return nil
}
func (r *fakeProviderDataRepo) UnlinkMandate(contactID uint) error { return nil }

// gcCall records one request the fake processor received.
type gcCall struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

// newGCServer fakes the processor API and records every call.
func newGCServer(t *testing.T) (*httptest.Server, *[]gcCall) {
	t.Helper()
	calls := &[]gcCall{}
	var mu sync.Mutex

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		*calls = append(*calls, gcCall{Method: r.Method, Path: r.URL.Path, Body: body})
		mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/subscriptions":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"subscriptions": map[string]interface{}{
					"id": "SB_NEW",
					"upcoming_payments": []map[string]interface{}{
						{"charge_date": "2025-07-01", "amount": 500},
					},
				},
			})
		case r.Method == http.MethodPut:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"subscriptions": map[string]interface{}{"id": "SB1"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/payments":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"payments": map[string]interface{}{"id": "PM_TOPUP"},
			})
		default:
			// cancel actions and everything else
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"subscriptions": map[string]interface{}{"id": "SB1"},
				"mandates":      map[string]interface{}{"id": "MD1"},
			})
		}
	}))
	t.Cleanup(ts.Close)
	return ts, calls
}

func callsTo(calls []gcCall, method, path string) []gcCall {
	var out []gcCall
	for _, c := range calls {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func newTestProvider(ts *httptest.Server, contact *models.Contact, data *models.PaymentProviderData) (*goCardlessProvider, *fakeProviderDataRepo) {
	repo := &fakeProviderDataRepo{}
	deps := Deps{
		GoCardless: &gocardless.Client{
			AccessToken: "test",
			APIBaseURL:  ts.URL,
			HTTPClient:  ts.Client(),
		},
		ProviderData: repo,
		Config: contribution.PaymentConfig{
			Currency:         "GBP",
			GracePeriodDays:  7,
			MinMonthlyAmount: 1,
		},
	}
	return &goCardlessProvider{deps: deps, contact: contact, data: data}, repo
}

func activeContact(monthly float64, period string, expiresIn time.Duration) *models.Contact {
	expires := time.Now().Add(expiresIn)
	return &models.Contact{
		ID:                        1,
		ContributionType:          models.ContributionTypeGoCardless,
		ContributionPeriod:        period,
		ContributionMonthlyAmount: monthly,
		Role: &models.ContactRole{
			ContactID:   1,
			DateAdded:   time.Now().AddDate(-1, 0, 0),
			DateExpires: &expires,
		},
	}
}

func TestUpdateContributionWithoutMandate(t *testing.T) {
	ts, _ := newGCServer(t)
	contact := activeContact(5, models.ContributionPeriodMonthly, 30*24*time.Hour)
	provider, _ := newTestProvider(ts, contact, &models.PaymentProviderData{ContactID: 1})

	_, err := provider.UpdateContribution(context.Background(), Form{MonthlyAmount: 5, Period: models.ContributionPeriodMonthly})
	if !errors.Is(err, ErrNoPaymentMethod) {
		t.Fatalf("expected ErrNoPaymentMethod, got %v", err)
	}
}

func TestUpdateContributionCreatesSubscription(t *testing.T) {
	ts, calls := newGCServer(t)
	contact := activeContact(5, models.ContributionPeriodMonthly, 30*24*time.Hour)
	data := &models.PaymentProviderData{ContactID: 1, Provider: models.ContributionTypeGoCardless, MandateID: "MD1"}
	provider, repo := newTestProvider(ts, contact, data)

	result, err := provider.UpdateContribution(context.Background(), Form{
		MonthlyAmount: 5,
		Period:        models.ContributionPeriodMonthly,
	})
	if err != nil {
		t.Fatalf("UpdateContribution failed: %v", err)
	}
	if !result.StartsNow {
		t.Error("a fresh subscription should start now")
	}
	// Expiry follows the first upcoming charge: 2025-07-01 + 1 month + grace.
	want := time.Date(2025, time.August, 8, 0, 0, 0, 0, time.UTC)
	if !result.ExpiryDate.Equal(want) {
		t.Errorf("expiry = %v, want %v", result.ExpiryDate, want)
	}

	created := callsTo(*calls, http.MethodPost, "/subscriptions")
	if len(created) != 1 {
		t.Fatalf("expected 1 subscription create, got %d", len(created))
	}
	sub := created[0].Body["subscriptions"].(map[string]interface{})
	if sub["amount"].(float64) != 500 {
		t.Errorf("amount = %v, want 500", sub["amount"])
	}

	if len(repo.saved) == 0 || repo.saved[len(repo.saved)-1].SubscriptionID != "SB_NEW" {
		t.Fatalf("subscription id not persisted: %+v", repo.saved)
	}
}

func TestUpdateContributionDecreaseIsImmediate(t *testing.T) {
	ts, calls := newGCServer(t)
	contact := activeContact(5, models.ContributionPeriodMonthly, 30*24*time.Hour)
	data := &models.PaymentProviderData{ContactID: 1, MandateID: "MD1", SubscriptionID: "SB1"}
	provider, _ := newTestProvider(ts, contact, data)

	result, err := provider.UpdateContribution(context.Background(), Form{
		MonthlyAmount: 4,
		Period:        models.ContributionPeriodMonthly,
	})
	if err != nil {
		t.Fatalf("UpdateContribution failed: %v", err)
	}
	if !result.StartsNow {
		t.Error("a decrease must apply immediately")
	}

	updated := callsTo(*calls, http.MethodPut, "/subscriptions/SB1")
	if len(updated) != 1 {
		t.Fatalf("expected 1 amount update, got %d", len(updated))
	}
	sub := updated[0].Body["subscriptions"].(map[string]interface{})
	if sub["amount"].(float64) != 400 {
		t.Errorf("amount = %v, want 400", sub["amount"])
	}
	if data.NextChargeableAmount != nil {
		t.Error("a decrease must not leave a pending amount")
	}
}

func TestUpdateContributionIncreaseDeferred(t *testing.T) {
	ts, calls := newGCServer(t)
	contact := activeContact(5, models.ContributionPeriodMonthly, 60*24*time.Hour)
	data := &models.PaymentProviderData{ContactID: 1, MandateID: "MD1", SubscriptionID: "SB1"}
	provider, repo := newTestProvider(ts, contact, data)

	result, err := provider.UpdateContribution(context.Background(), Form{
		MonthlyAmount: 8,
		Period:        models.ContributionPeriodMonthly,
	})
	if err != nil {
		t.Fatalf("UpdateContribution failed: %v", err)
	}
	if result.StartsNow {
		t.Error("an unprorated increase must defer to the next renewal")
	}
	if data.NextChargeableAmount == nil || *data.NextChargeableAmount != 800 {
		t.Fatalf("next chargeable = %v, want 800", data.NextChargeableAmount)
	}
	if data.NextMonthlyAmount == nil || *data.NextMonthlyAmount != 8 {
		t.Fatalf("next monthly = %v, want 8", data.NextMonthlyAmount)
	}

	if n := len(callsTo(*calls, http.MethodPut, "/subscriptions/SB1")); n != 0 {
		t.Errorf("deferred increase must not touch the subscription, got %d updates", n)
	}
	if len(repo.saved) == 0 {
		t.Error("pending amount must be persisted")
	}
}

func TestUpdateContributionIncreaseProrated(t *testing.T) {
	ts, calls := newGCServer(t)
	// Expiry far out; renewal is capped at one month, so one month is left.
	contact := activeContact(5, models.ContributionPeriodMonthly, 90*24*time.Hour)
	data := &models.PaymentProviderData{ContactID: 1, MandateID: "MD1", SubscriptionID: "SB1"}
	provider, _ := newTestProvider(ts, contact, data)

	result, err := provider.UpdateContribution(context.Background(), Form{
		MonthlyAmount: 8,
		Period:        models.ContributionPeriodMonthly,
		Prorate:       true,
	})
	if err != nil {
		t.Fatalf("UpdateContribution failed: %v", err)
	}
	if !result.StartsNow {
		t.Error("a prorated increase must apply immediately")
	}

	topUps := callsTo(*calls, http.MethodPost, "/payments")
	if len(topUps) != 1 {
		t.Fatalf("expected 1 top-up payment, got %d", len(topUps))
	}
	payment := topUps[0].Body["payments"].(map[string]interface{})
	if payment["amount"].(float64) != 300 {
		t.Errorf("top-up = %v, want 300 (3.00 for one month left)", payment["amount"])
	}

	updated := callsTo(*calls, http.MethodPut, "/subscriptions/SB1")
	if len(updated) != 1 {
		t.Fatalf("expected 1 amount update, got %d", len(updated))
	}
	if data.NextChargeableAmount != nil {
		t.Error("a prorated increase must not leave a pending amount")
	}
}

func TestUpdateContributionReplacesStaleSubscription(t *testing.T) {
	ts, calls := newGCServer(t)
	expired := time.Now().AddDate(0, -2, 0)
	contact := &models.Contact{
		ID:                        1,
		ContributionType:          models.ContributionTypeGoCardless,
		ContributionPeriod:        models.ContributionPeriodMonthly,
		ContributionMonthlyAmount: 5,
		Role: &models.ContactRole{
			ContactID:   1,
			DateAdded:   time.Now().AddDate(-1, 0, 0),
			DateExpires: &expired,
		},
	}
	data := &models.PaymentProviderData{ContactID: 1, MandateID: "MD1", SubscriptionID: "SB_STALE"}
	provider, _ := newTestProvider(ts, contact, data)

	result, err := provider.UpdateContribution(context.Background(), Form{
		MonthlyAmount: 5,
		Period:        models.ContributionPeriodMonthly,
	})
	if err != nil {
		t.Fatalf("UpdateContribution failed: %v", err)
	}
	if !result.StartsNow {
		t.Error("restarting a lapsed contribution should start now")
	}

	if n := len(callsTo(*calls, http.MethodPost, "/subscriptions/SB_STALE/actions/cancel")); n != 1 {
		t.Errorf("stale subscription cancels = %d, want 1", n)
	}
	if n := len(callsTo(*calls, http.MethodPost, "/subscriptions")); n != 1 {
		t.Errorf("subscription creates = %d, want 1", n)
	}
	if data.SubscriptionID != "SB_NEW" {
		t.Errorf("subscription id = %q, want SB_NEW", data.SubscriptionID)
	}
}

func TestCancelContributionKeepsMethod(t *testing.T) {
	ts, calls := newGCServer(t)
	contact := activeContact(5, models.ContributionPeriodMonthly, 30*24*time.Hour)
	data := &models.PaymentProviderData{ContactID: 1, MandateID: "MD1", SubscriptionID: "SB1"}
	provider, _ := newTestProvider(ts, contact, data)

	if err := provider.CancelContribution(context.Background(), true); err != nil {
		t.Fatalf("CancelContribution failed: %v", err)
	}

	if n := len(callsTo(*calls, http.MethodPost, "/subscriptions/SB1/actions/cancel")); n != 1 {
		t.Errorf("subscription cancels = %d, want 1", n)
	}
	if n := len(callsTo(*calls, http.MethodPost, "/mandates/MD1/actions/cancel")); n != 0 {
		t.Errorf("mandate must be kept, got %d cancels", n)
	}
	if data.MandateID != "MD1" {
		t.Errorf("mandate id = %q, want MD1", data.MandateID)
	}
	if data.SubscriptionID != "" || data.CancelledAt == nil {
		t.Errorf("cancel state not recorded: %+v", data)
	}
}

func TestCancelContributionDiscardsMethod(t *testing.T) {
	ts, calls := newGCServer(t)
	contact := activeContact(5, models.ContributionPeriodMonthly, 30*24*time.Hour)
	data := &models.PaymentProviderData{ContactID: 1, MandateID: "MD1", SubscriptionID: "SB1"}
	provider, _ := newTestProvider(ts, contact, data)

	if err := provider.CancelContribution(context.Background(), false); err != nil {
		t.Fatalf("CancelContribution failed: %v", err)
	}
	if n := len(callsTo(*calls, http.MethodPost, "/mandates/MD1/actions/cancel")); n != 1 {
		t.Errorf("mandate cancels = %d, want 1", n)
	}
	if data.MandateID != "" {
		t.Errorf("mandate id = %q, want cleared", data.MandateID)
	}
}

func TestCancelContributionAlreadyCancelled(t *testing.T) {
	// Processor answers invalid_state; cancellation must still succeed.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"type":    "invalid_state",
				"code":    422,
				"message": "Subscription is already cancelled",
			},
		})
	}))
	defer ts.Close()

	contact := activeContact(5, models.ContributionPeriodMonthly, 30*24*time.Hour)
	data := &models.PaymentProviderData{ContactID: 1, MandateID: "MD1", SubscriptionID: "SB1"}
	provider, _ := newTestProvider(ts, contact, data)

	if err := provider.CancelContribution(context.Background(), true); err != nil {
		t.Fatalf("already-cancelled must be treated as success, got %v", err)
	}
}

func TestProviderForLookup(t *testing.T) {
	deps := Deps{}
	data := &models.PaymentProviderData{}

	if _, err := deps.ProviderFor(&models.Contact{ContributionType: models.ContributionTypeGoCardless}, data); err != nil {
		t.Errorf("gocardless should resolve: %v", err)
	}
	if _, err := deps.ProviderFor(&models.Contact{ContributionType: models.ContributionTypeStripe}, data); err != nil {
		t.Errorf("stripe should resolve: %v", err)
	}
	for _, typ := range []string{models.ContributionTypeNone, models.ContributionTypeManual, models.ContributionTypeGift, ""} {
		if _, err := deps.ProviderFor(&models.Contact{ContributionType: typ}, data); !errors.Is(err, ErrUnsupportedType) {
			t.Errorf("type %q: expected ErrUnsupportedType, got %v", typ, err)
		}
	}
}
