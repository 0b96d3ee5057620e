package gocardless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/memberflow/memberflow/internal/pkg/env"
)

const (
	defaultAPIBaseURL = "https://api.gocardless.com"
	apiVersion        = "2015-07-06"
)

// Client is a minimal GoCardless API client covering the operations the
// contribution engine needs: customers, mandates, redirect flows,
// subscriptions, payments and refunds.
type Client struct {
	AccessToken string
	APIBaseURL  string

	HTTPClient *http.Client
}

// APIError is the decoded GoCardless error envelope.
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gocardless: %s (type=%s, status=%d)", e.Message, e.Type, e.StatusCode)
}

// IsInvalidState reports whether the error is the processor telling us the
// resource is already in the requested terminal state (e.g. cancelling an
// already-cancelled subscription). Callers treat these as success because
// cancellation is not exactly-once.
func IsInvalidState(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Type == "invalid_state"
}

type Customer struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

type Mandate struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  struct {
		Customer string `json:"customer"`
	} `json:"links"`
}

type RedirectFlow struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirect_url"`
	Links       struct {
		Customer string `json:"customer"`
		Mandate  string `json:"mandate"`
	} `json:"links"`
}

type UpcomingPayment struct {
	ChargeDate string `json:"charge_date"`
	Amount     int64  `json:"amount"`
}

type Subscription struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	IntervalUnit     string            `json:"interval_unit"`
	StartDate        string            `json:"start_date"`
	UpcomingPayments []UpcomingPayment `json:"upcoming_payments"`
	Links            struct {
		Mandate string `json:"mandate"`
	} `json:"links"`
}

type Payment struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	ChargeDate     string `json:"charge_date"`
	Description    string `json:"description"`
	Links          struct {
		Mandate      string `json:"mandate"`
		Subscription string `json:"subscription"`
	} `json:"links"`
}

type Refund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Links  struct {
		Payment string `json:"payment"`
	} `json:"links"`
}

// NewClientFromEnv builds a client from GC_ACCESS_TOKEN / GC_API_BASE_URL.
func NewClientFromEnv() *Client {
	return &Client{
		AccessToken: strings.TrimSpace(env.GetEnv("GC_ACCESS_TOKEN", "")),
		APIBaseURL:  strings.TrimRight(env.GetEnv("GC_API_BASE_URL", defaultAPIBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if strings.TrimSpace(c.AccessToken) == "" {
		return errors.New("GC_ACCESS_TOKEN is not configured")
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	base := strings.TrimRight(c.APIBaseURL, "/")
	if base == "" {
		base = defaultAPIBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("GoCardless-Version", apiVersion)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error.Message == "" {
			return &APIError{
				StatusCode: resp.StatusCode,
				Type:       "unknown",
				Message:    fmt.Sprintf("status=%d body=%s", resp.StatusCode, string(raw)),
			}
		}
		envelope.Error.StatusCode = resp.StatusCode
		return &envelope.Error
	}

	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// CreateCustomer creates a processor customer record.
func (c *Client) CreateCustomer(ctx context.Context, email, givenName, familyName string) (*Customer, error) {
	body := map[string]interface{}{
		"customers": map[string]string{
			"email":       email,
			"given_name":  givenName,
			"family_name": familyName,
		},
	}
	var out struct {
		Customers Customer `json:"customers"`
	}
	if err := c.do(ctx, http.MethodPost, "/customers", body, &out); err != nil {
		return nil, err
	}
	return &out.Customers, nil
}

// UpdateCustomer propagates identity changes to the processor.
func (c *Client) UpdateCustomer(ctx context.Context, customerID, email, givenName, familyName string) (*Customer, error) {
	body := map[string]interface{}{
		"customers": map[string]string{
			"email":       email,
			"given_name":  givenName,
			"family_name": familyName,
		},
	}
	var out struct {
		Customers Customer `json:"customers"`
	}
	if err := c.do(ctx, http.MethodPut, "/customers/"+customerID, body, &out); err != nil {
		return nil, err
	}
	return &out.Customers, nil
}

// CreateRedirectFlow opens a hosted authorization session. The session
// token binds the completion call to the flow we created.
func (c *Client) CreateRedirectFlow(ctx context.Context, sessionToken, successRedirectURL, description string, prefill map[string]string) (*RedirectFlow, error) {
	flow := map[string]interface{}{
		"session_token":        sessionToken,
		"success_redirect_url": successRedirectURL,
	}
	if description != "" {
		flow["description"] = description
	}
	if len(prefill) > 0 {
		flow["prefilled_customer"] = prefill
	}
	body := map[string]interface{}{"redirect_flows": flow}
	var out struct {
		RedirectFlows RedirectFlow `json:"redirect_flows"`
	}
	if err := c.do(ctx, http.MethodPost, "/redirect_flows", body, &out); err != nil {
		return nil, err
	}
	return &out.RedirectFlows, nil
}

// CompleteRedirectFlow exchanges a finished hosted session for the customer
// and mandate it authorized. Fails unless the session token matches.
func (c *Client) CompleteRedirectFlow(ctx context.Context, flowID, sessionToken string) (*RedirectFlow, error) {
	body := map[string]interface{}{
		"data": map[string]string{"session_token": sessionToken},
	}
	var out struct {
		RedirectFlows RedirectFlow `json:"redirect_flows"`
	}
	if err := c.do(ctx, http.MethodPost, "/redirect_flows/"+flowID+"/actions/complete", body, &out); err != nil {
		return nil, err
	}
	return &out.RedirectFlows, nil
}

// CreateSubscription starts a recurring charge against a mandate. startDate
// may be empty for an immediate start.
func (c *Client) CreateSubscription(ctx context.Context, mandateID string, amount int64, currency, intervalUnit, startDate string) (*Subscription, error) {
	sub := map[string]interface{}{
		"amount":        amount,
		"currency":      currency,
		"interval_unit": intervalUnit,
		"links":         map[string]string{"mandate": mandateID},
	}
	if startDate != "" {
		sub["start_date"] = startDate
	}
	body := map[string]interface{}{"subscriptions": sub}
	var out struct {
		Subscriptions Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodPost, "/subscriptions", body, &out); err != nil {
		return nil, err
	}
	return &out.Subscriptions, nil
}

// GetSubscription fetches authoritative subscription detail.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var out struct {
		Subscriptions Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, "/subscriptions/"+subscriptionID, nil, &out); err != nil {
		return nil, err
	}
	return &out.Subscriptions, nil
}

// UpdateSubscriptionAmount mutates the recurring amount in place.
func (c *Client) UpdateSubscriptionAmount(ctx context.Context, subscriptionID string, amount int64) (*Subscription, error) {
	body := map[string]interface{}{
		"subscriptions": map[string]interface{}{"amount": amount},
	}
	var out struct {
		Subscriptions Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodPut, "/subscriptions/"+subscriptionID, body, &out); err != nil {
		return nil, err
	}
	return &out.Subscriptions, nil
}

// CancelSubscription cancels a subscription. Callers should treat an
// invalid_state error as success.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	var out struct {
		Subscriptions Subscription `json:"subscriptions"`
	}
	return c.do(ctx, http.MethodPost, "/subscriptions/"+subscriptionID+"/actions/cancel", map[string]interface{}{}, &out)
}

// CancelMandate revokes the standing bank authorization.
func (c *Client) CancelMandate(ctx context.Context, mandateID string) error {
	var out struct {
		Mandates Mandate `json:"mandates"`
	}
	return c.do(ctx, http.MethodPost, "/mandates/"+mandateID+"/actions/cancel", map[string]interface{}{}, &out)
}

// CreatePayment creates a one-off charge against a mandate, used for
// mid-cycle proration top-ups.
func (c *Client) CreatePayment(ctx context.Context, mandateID string, amount int64, currency, description string) (*Payment, error) {
	body := map[string]interface{}{
		"payments": map[string]interface{}{
			"amount":      amount,
			"currency":    currency,
			"description": description,
			"links":       map[string]string{"mandate": mandateID},
		},
	}
	var out struct {
		Payments Payment `json:"payments"`
	}
	if err := c.do(ctx, http.MethodPost, "/payments", body, &out); err != nil {
		return nil, err
	}
	return &out.Payments, nil
}

// GetPayment fetches authoritative payment detail by processor id.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var out struct {
		Payments Payment `json:"payments"`
	}
	if err := c.do(ctx, http.MethodGet, "/payments/"+paymentID, nil, &out); err != nil {
		return nil, err
	}
	return &out.Payments, nil
}

// GetRefund fetches a refund, mainly to find its parent payment.
func (c *Client) GetRefund(ctx context.Context, refundID string) (*Refund, error) {
	var out struct {
		Refunds Refund `json:"refunds"`
	}
	if err := c.do(ctx, http.MethodGet, "/refunds/"+refundID, nil, &out); err != nil {
		return nil, err
	}
	return &out.Refunds, nil
}
