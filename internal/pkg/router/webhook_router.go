package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/memberflow/memberflow/app/controllers"
)

// WebhookRouter installs the processor callback endpoints. No rate
// limiter here: processors batch and retry aggressively, and signature
// verification is the gate.
type WebhookRouter struct {
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	webhooks := app.Group("/webhooks")
	webhooks.Post("/gocardless", controllers.HandleGoCardlessWebhook)
	webhooks.Post("/stripe", controllers.HandleStripeWebhook)
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}
