package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/memberflow/memberflow/app/models"
	"github.com/memberflow/memberflow/internal/pkg/contribution"
)

const (
	testPhaseStart = int64(1750000000)
	testPhaseEnd   = int64(1752000000)
)

// stripeCall records one request the fake processor received. Stripe's
// SDK sends form-encoded bodies, so the payload lands in Form.
type stripeCall struct {
	Method string
	Path   string
	Form   url.Values
}

type stripeServerOpts struct {
	rejectSchedules bool
}

func newStripeServer(t *testing.T, opts stripeServerOpts) (*httptest.Server, *[]stripeCall) {
	t.Helper()
	calls := &[]stripeCall{}
	var mu sync.Mutex

	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		*calls = append(*calls, stripeCall{Method: r.Method, Path: r.URL.Path, Form: r.Form})
		mu.Unlock()

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/subscriptions/SB1":
			writeJSON(w, map[string]interface{}{
				"id": "SB1",
				"items": map[string]interface{}{
					"data": []map[string]interface{}{
						{
							"id":                 "SI1",
							"current_period_end": testPhaseEnd,
							"price":              map[string]interface{}{"id": "PR1", "unit_amount": 500},
						},
					},
				},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/subscriptions/SB1":
			writeJSON(w, map[string]interface{}{"id": "SB1"})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/subscriptions/SB1":
			writeJSON(w, map[string]interface{}{"id": "SB1", "status": "canceled"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/subscription_schedules":
			if opts.rejectSchedules {
				w.WriteHeader(http.StatusBadRequest)
				writeJSON(w, map[string]interface{}{
					"error": map[string]interface{}{
						"type":    "invalid_request_error",
						"message": "This subscription cannot be attached to a schedule.",
					},
				})
				return
			}
			writeJSON(w, map[string]interface{}{
				"id": "SS1",
				"current_phase": map[string]interface{}{
					"start_date": testPhaseStart,
					"end_date":   testPhaseEnd,
				},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/subscription_schedules/SS1":
			writeJSON(w, map[string]interface{}{"id": "SS1"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents":
			writeJSON(w, map[string]interface{}{"id": "PI1", "status": "succeeded"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_methods/PM1/detach":
			writeJSON(w, map[string]interface{}{"id": "PM1"})
		default:
			t.Errorf("unexpected stripe call: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]interface{}{
				"error": map[string]interface{}{"type": "invalid_request_error", "message": "unknown route"},
			})
		}
	}))
	t.Cleanup(ts.Close)
	return ts, calls
}

func stripeCallsTo(calls []stripeCall, method, path string) []stripeCall {
	var out []stripeCall
	for _, c := range calls {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func newStripeTestProvider(t *testing.T, ts *httptest.Server, contact *models.Contact, data *models.PaymentProviderData) (*stripeProvider, *fakeProviderDataRepo) {
	t.Helper()

	prevKey := stripe.Key
	prevBackend := stripe.GetBackend(stripe.APIBackend)
	stripe.Key = "sk_test_123"
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:           stripe.String(ts.URL),
		HTTPClient:    ts.Client(),
		LeveledLogger: &stripe.LeveledLogger{Level: stripe.LevelError},
	}))
	t.Cleanup(func() {
		stripe.Key = prevKey
		stripe.SetBackend(stripe.APIBackend, prevBackend)
	})

	repo := &fakeProviderDataRepo{}
	deps := Deps{
		Stripe:       StripeConfig{ProductID: "prod_contrib"},
		ProviderData: repo,
		Config: contribution.PaymentConfig{
			Currency:         "GBP",
			GracePeriodDays:  7,
			MinMonthlyAmount: 1,
		},
	}
	return &stripeProvider{deps: deps, contact: contact, data: data}, repo
}

func stripeData() *models.PaymentProviderData {
	return &models.PaymentProviderData{
		ID:             1,
		ContactID:      1,
		Provider:       models.ContributionTypeStripe,
		CustomerID:     "CUS1",
		MandateID:      "PM1",
		SubscriptionID: "SB1",
	}
}

func TestStripeUpdateWithoutMethod(t *testing.T) {
	ts, _ := newStripeServer(t, stripeServerOpts{})
	data := stripeData()
	data.MandateID = ""
	p, _ := newStripeTestProvider(t, ts, activeContact(5, models.ContributionPeriodMonthly, 20*24*time.Hour), data)

	_, err := p.UpdateContribution(context.Background(), Form{MonthlyAmount: 8, Period: models.ContributionPeriodMonthly})
	if !errors.Is(err, ErrNoPaymentMethod) {
		t.Fatalf("want ErrNoPaymentMethod, got %v", err)
	}
}

func TestStripeIncreaseDeferredCreatesSchedule(t *testing.T) {
	ts, calls := newStripeServer(t, stripeServerOpts{})
	contact := activeContact(5, models.ContributionPeriodMonthly, 20*24*time.Hour)
	data := stripeData()
	p, repo := newStripeTestProvider(t, ts, contact, data)

	res, err := p.UpdateContribution(context.Background(), Form{MonthlyAmount: 8, Period: models.ContributionPeriodMonthly})
	if err != nil {
		t.Fatalf("UpdateContribution failed: %v", err)
	}
	if res.StartsNow {
		t.Fatal("a deferred increase must not start now")
	}
	if !res.ExpiryDate.Equal(*contact.Role.DateExpires) {
		t.Fatalf("expiry = %v, want current role expiry", res.ExpiryDate)
	}

	created := stripeCallsTo(*calls, http.MethodPost, "/v1/subscription_schedules")
	if len(created) != 1 || created[0].Form.Get("from_subscription") != "SB1" {
		t.Fatalf("schedule create calls = %+v", created)
	}

	updated := stripeCallsTo(*calls, http.MethodPost, "/v1/subscription_schedules/SS1")
	if len(updated) != 1 {
		t.Fatalf("expected one schedule update, got %d", len(updated))
	}
	form := updated[0].Form
	if form.Get("phases[0][items][0][price]") != "PR1" {
		t.Fatalf("current phase must keep the existing price, form=%v", form)
	}
	if form.Get("phases[1][items][0][price_data][unit_amount]") != "800" {
		t.Fatalf("future phase amount wrong, form=%v", form)
	}
	if form.Get("phases[1][items][0][price_data][recurring][interval]") != "month" {
		t.Fatalf("future phase interval wrong, form=%v", form)
	}
	if form.Get("proration_behavior") != "none" {
		t.Fatalf("schedule update must not prorate, form=%v", form)
	}

	if n := len(stripeCallsTo(*calls, http.MethodPost, "/v1/subscriptions/SB1")); n != 0 {
		t.Fatalf("deferred increase must not mutate the subscription, got %d updates", n)
	}

	if data.NextChargeableAmount == nil || *data.NextChargeableAmount != 800 {
		t.Fatalf("pending chargeable amount = %v, want 800", data.NextChargeableAmount)
	}
	if data.NextMonthlyAmount == nil || *data.NextMonthlyAmount != 8 {
		t.Fatalf("pending monthly amount = %v, want 8", data.NextMonthlyAmount)
	}
	if len(repo.saved) != 1 {
		t.Fatalf("expected one save, got %d", len(repo.saved))
	}
}

func TestStripeScheduleRejectionFallsBackToAmountUpdate(t *testing.T) {
	ts, calls := newStripeServer(t, stripeServerOpts{rejectSchedules: true})
	contact := activeContact(5, models.ContributionPeriodMonthly, 20*24*time.Hour)
	data := stripeData()
	p, _ := newStripeTestProvider(t, ts, contact, data)

	res, err := p.UpdateContribution(context.Background(), Form{MonthlyAmount: 8, Period: models.ContributionPeriodMonthly})
	if err != nil {
		t.Fatalf("rejection must fall back, not fail: %v", err)
	}
	if res.StartsNow {
		t.Fatal("the fallback still records the change as pending")
	}

	updates := stripeCallsTo(*calls, http.MethodPost, "/v1/subscriptions/SB1")
	if len(updates) != 1 {
		t.Fatalf("expected one amount-only update, got %d", len(updates))
	}
	form := updates[0].Form
	if form.Get("items[0][id]") != "SI1" {
		t.Fatalf("update must target the existing item, form=%v", form)
	}
	if form.Get("items[0][price_data][unit_amount]") != "800" {
		t.Fatalf("fallback amount wrong, form=%v", form)
	}
	if form.Get("proration_behavior") != "none" {
		t.Fatalf("fallback must not prorate, form=%v", form)
	}
	if data.NextChargeableAmount == nil || *data.NextChargeableAmount != 800 {
		t.Fatalf("pending amount = %v, want 800", data.NextChargeableAmount)
	}
}

func TestStripeDecreaseIsImmediate(t *testing.T) {
	ts, calls := newStripeServer(t, stripeServerOpts{})
	contact := activeContact(5, models.ContributionPeriodMonthly, 20*24*time.Hour)
	data := stripeData()
	p, _ := newStripeTestProvider(t, ts, contact, data)

	res, err := p.UpdateContribution(context.Background(), Form{MonthlyAmount: 4, Period: models.ContributionPeriodMonthly})
	if err != nil {
		t.Fatalf("UpdateContribution failed: %v", err)
	}
	if !res.StartsNow {
		t.Fatal("a decrease applies immediately")
	}

	updates := stripeCallsTo(*calls, http.MethodPost, "/v1/subscriptions/SB1")
	if len(updates) != 1 || updates[0].Form.Get("items[0][price_data][unit_amount]") != "400" {
		t.Fatalf("subscription updates = %+v", updates)
	}
	if n := len(stripeCallsTo(*calls, http.MethodPost, "/v1/subscription_schedules")); n != 0 {
		t.Fatalf("a decrease must not touch schedules, got %d", n)
	}
	if data.NextChargeableAmount != nil {
		t.Fatal("an immediate change leaves no pending amount")
	}
}

func TestStripeProratedIncreaseTopsUp(t *testing.T) {
	ts, calls := newStripeServer(t, stripeServerOpts{})
	contact := activeContact(5, models.ContributionPeriodMonthly, 20*24*time.Hour)
	data := stripeData()
	p, _ := newStripeTestProvider(t, ts, contact, data)

	res, err := p.UpdateContribution(context.Background(), Form{MonthlyAmount: 8, Period: models.ContributionPeriodMonthly, Prorate: true})
	if err != nil {
		t.Fatalf("UpdateContribution failed: %v", err)
	}
	if !res.StartsNow {
		t.Fatal("a prorated increase applies immediately")
	}

	intents := stripeCallsTo(*calls, http.MethodPost, "/v1/payment_intents")
	if len(intents) != 1 {
		t.Fatalf("expected one top-up intent, got %d", len(intents))
	}
	form := intents[0].Form
	if form.Get("amount") != "300" {
		t.Fatalf("top-up amount = %q, want 300", form.Get("amount"))
	}
	if form.Get("customer") != "CUS1" || form.Get("payment_method") != "PM1" {
		t.Fatalf("top-up must charge the stored method, form=%v", form)
	}
	if form.Get("off_session") != "true" || form.Get("confirm") != "true" {
		t.Fatalf("top-up must confirm off-session, form=%v", form)
	}

	updates := stripeCallsTo(*calls, http.MethodPost, "/v1/subscriptions/SB1")
	if len(updates) != 1 || updates[0].Form.Get("items[0][price_data][unit_amount]") != "800" {
		t.Fatalf("subscription updates = %+v", updates)
	}
	if data.NextChargeableAmount != nil {
		t.Fatal("a prorated change leaves no pending amount")
	}
}

func TestStripeCancelKeepsMethod(t *testing.T) {
	ts, calls := newStripeServer(t, stripeServerOpts{})
	data := stripeData()
	p, _ := newStripeTestProvider(t, ts, activeContact(5, models.ContributionPeriodMonthly, 20*24*time.Hour), data)

	if err := p.CancelContribution(context.Background(), true); err != nil {
		t.Fatalf("CancelContribution failed: %v", err)
	}

	if n := len(stripeCallsTo(*calls, http.MethodDelete, "/v1/subscriptions/SB1")); n != 1 {
		t.Fatalf("expected one subscription cancel, got %d", n)
	}
	if n := len(stripeCallsTo(*calls, http.MethodPost, "/v1/payment_methods/PM1/detach")); n != 0 {
		t.Fatalf("keeping the method must not detach it, got %d detaches", n)
	}
	if data.MandateID != "PM1" {
		t.Fatal("payment method must survive")
	}
	if data.SubscriptionID != "" || data.CancelledAt == nil {
		t.Fatalf("subscription not unlinked: %+v", data)
	}
}

func TestStripeCancelDiscardsMethod(t *testing.T) {
	ts, calls := newStripeServer(t, stripeServerOpts{})
	data := stripeData()
	p, _ := newStripeTestProvider(t, ts, activeContact(5, models.ContributionPeriodMonthly, 20*24*time.Hour), data)

	if err := p.CancelContribution(context.Background(), false); err != nil {
		t.Fatalf("CancelContribution failed: %v", err)
	}

	if n := len(stripeCallsTo(*calls, http.MethodPost, "/v1/payment_methods/PM1/detach")); n != 1 {
		t.Fatalf("expected one detach, got %d", n)
	}
	if data.MandateID != "" {
		t.Fatal("payment method must be cleared")
	}
}
