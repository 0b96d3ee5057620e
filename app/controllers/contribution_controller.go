package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/memberflow/memberflow/app/models"
	"github.com/memberflow/memberflow/app/repository"
	"github.com/memberflow/memberflow/internal/pkg/membership"
	"github.com/memberflow/memberflow/internal/pkg/payment"
)

const providerTimeout = 20 * time.Second

// HandleJoin opens a hosted authorization flow for a new member. The
// response carries the processor's redirect URL; the contact is only
// created once the flow completes.
func HandleJoin(c *fiber.Ctx) error {
	_, flows, _ := getServices()

	var body struct {
		membership.JoinForm
		CompleteURL string `json:"complete_url"`
	}
	if err := c.BodyParser(&body); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_body")
	}

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	redirectURL, err := flows.CreateFlow(ctx, body.CompleteURL, body.JoinForm)
	if err != nil {
		return contributionError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"redirect_url": redirectURL})
}

// HandleJoinComplete finishes a join flow after the processor redirects
// the member back. The flow record is claimed before the processor
// exchange, so a replayed callback finds nothing and fails cleanly.
func HandleJoinComplete(c *fiber.Ctx) error {
	svc, flows, _ := getServices()

	flowID := trimQuery(c, "flow_id")
	if flowID == "" {
		return jsonError(c, fiber.StatusBadRequest, "missing_flow_id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	flow, completed, err := flows.CompleteFlow(ctx, flowID)
	if err != nil {
		return flowError(c, err)
	}

	contact, err := svc.CompleteJoin(ctx, flow, *completed)
	if err != nil {
		return contributionError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(contact)
}

// HandleGetMember returns the contact with role and payment source info.
func HandleGetMember(c *fiber.Ctx) error {
	contact, err := loadContact(c)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "member_not_found")
	}
	return c.JSON(contact)
}

// HandleUpdateMember applies identity changes and propagates them to
// the processor's customer record best effort.
func HandleUpdateMember(c *fiber.Ctx) error {
	svc, _, _ := getServices()

	contact, err := loadContact(c)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "member_not_found")
	}

	var body struct {
		Email     string `json:"email"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := c.BodyParser(&body); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_body")
	}

	if body.Email != "" {
		contact.Email = body.Email
	}
	if body.FirstName != "" {
		contact.FirstName = body.FirstName
	}
	if body.LastName != "" {
		contact.LastName = body.LastName
	}
	if err := contact.Validate(); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_body")
	}
	if err := repository.GetGlobalRepositories().Contact.Update(contact); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "update_failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()
	svc.UpdateMember(ctx, contact, payment.MemberUpdates{
		Email:     contact.Email,
		FirstName: contact.FirstName,
		LastName:  contact.LastName,
	})

	return c.JSON(contact)
}

// HandleUpdateContribution creates or changes the member's recurring
// contribution using the payment method already on file.
func HandleUpdateContribution(c *fiber.Ctx) error {
	svc, _, _ := getServices()

	contact, err := loadContact(c)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "member_not_found")
	}

	var form payment.Form
	if err := c.BodyParser(&form); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_body")
	}
	form.UseExistingMethod = true

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	if err := svc.UpdateContribution(ctx, contact, form); err != nil {
		return contributionError(c, err)
	}
	return c.JSON(contact)
}

// HandleCancelContribution cancels the processor subscription. The
// membership keeps its paid-up expiry and lapses naturally.
func HandleCancelContribution(c *fiber.Ctx) error {
	svc, _, _ := getServices()

	contact, err := loadContact(c)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "member_not_found")
	}
	keepMethod := c.QueryBool("keep_method", false)

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	if err := svc.CancelContribution(ctx, contact, keepMethod); err != nil {
		return contributionError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// HandleRestart opens an authorization flow for a lapsed or cancelled
// member who needs to authorize a (new) payment method.
func HandleRestart(c *fiber.Ctx) error {
	_, flows, _ := getServices()

	contact, err := loadContact(c)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "member_not_found")
	}

	var body struct {
		payment.Form
		Provider    string `json:"provider"`
		CompleteURL string `json:"complete_url"`
	}
	if err := c.BodyParser(&body); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_body")
	}

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	redirectURL, err := flows.CreateRestartFlow(ctx, body.CompleteURL, contact, body.Form, body.Provider)
	if err != nil {
		return contributionError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"redirect_url": redirectURL})
}

// HandleRestartComplete finishes a restart flow: the new method is
// stored, the old one discarded, and the subscription starts when the
// remaining entitlement runs out.
func HandleRestartComplete(c *fiber.Ctx) error {
	svc, flows, _ := getServices()

	flowID := trimQuery(c, "flow_id")
	if flowID == "" {
		return jsonError(c, fiber.StatusBadRequest, "missing_flow_id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	flow, completed, err := flows.CompleteRestartFlow(ctx, flowID)
	if err != nil {
		return flowError(c, err)
	}

	contact, err := svc.CompleteRestart(ctx, flow, *completed)
	if err != nil {
		return contributionError(c, err)
	}
	return c.JSON(contact)
}

// HandleListPayments returns the member's payment ledger, newest first.
func HandleListPayments(c *fiber.Ctx) error {
	contact, err := loadContact(c)
	if err != nil {
		return jsonError(c, fiber.StatusNotFound, "member_not_found")
	}

	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	repos := repository.GetGlobalRepositories()
	payments, err := repos.Payment.ListByContact(contact.ID, offset, limit)
	if err != nil {
		log.Errorf("[Contribution] Listing payments for contact %d failed: %v", contact.ID, err)
		return jsonError(c, fiber.StatusInternalServerError, "payments_unavailable")
	}
	total, err := repos.Payment.CountByContact(contact.ID)
	if err != nil {
		log.Errorf("[Contribution] Counting payments for contact %d failed: %v", contact.ID, err)
		return jsonError(c, fiber.StatusInternalServerError, "payments_unavailable")
	}
	return c.JSON(fiber.Map{"payments": payments, "total": total})
}

func loadContact(c *fiber.Ctx) (*models.Contact, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return repository.GetGlobalRepositories().Contact.GetByID(uint(id))
}

// contributionError maps service errors onto HTTP statuses.
func contributionError(c *fiber.Ctx, err error) error {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, membership.ErrAmountBelowMinimum):
		return jsonError(c, fiber.StatusUnprocessableEntity, "amount_below_minimum")
	case errors.Is(err, payment.ErrNoPaymentMethod):
		return jsonError(c, fiber.StatusConflict, "no_payment_method")
	case errors.Is(err, payment.ErrUnsupportedType):
		return jsonError(c, fiber.StatusConflict, "unsupported_contribution_type")
	case errors.As(err, &validationErrs):
		return jsonError(c, fiber.StatusBadRequest, "invalid_body")
	default:
		log.Errorf("[Contribution] Operation failed: %v", err)
		return jsonError(c, fiber.StatusBadGateway, "provider_error")
	}
}

// flowError maps flow completion errors. A missing flow record means the
// callback was already used or never existed.
func flowError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return jsonError(c, fiber.StatusNotFound, "flow_not_found")
	case errors.Is(err, payment.ErrFlowTokenMismatch):
		return jsonError(c, fiber.StatusUnauthorized, "flow_token_mismatch")
	default:
		log.Errorf("[Contribution] Flow completion failed: %v", err)
		return jsonError(c, fiber.StatusBadGateway, "provider_error")
	}
}
