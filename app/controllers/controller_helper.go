package controllers

import (
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/memberflow/memberflow/app/repository"
	"github.com/memberflow/memberflow/internal/pkg/contribution"
	"github.com/memberflow/memberflow/internal/pkg/gocardless"
	"github.com/memberflow/memberflow/internal/pkg/membership"
	"github.com/memberflow/memberflow/internal/pkg/payment"
	"github.com/memberflow/memberflow/internal/pkg/reconcile"
)

var (
	servicesOnce sync.Once

	paymentDeps      payment.Deps
	lifecycleService *membership.Service
	flowService      *membership.FlowService
	reconciler       *reconcile.Reconciler
)

// getServices lazily wires the shared service graph from env config and
// the global repositories. Controllers stay thin; all decisions live in
// the service packages.
func getServices() (*membership.Service, *membership.FlowService, *reconcile.Reconciler) {
	servicesOnce.Do(func() {
		repos := repository.GetGlobalRepositories()
		gcClient := gocardless.NewClientFromEnv()

		paymentDeps = payment.Deps{
			GoCardless:   gcClient,
			Stripe:       payment.LoadStripeConfig(),
			ProviderData: repos.ProviderData,
			Config:       contribution.LoadPaymentConfig(),
		}
		lifecycleService = membership.NewService(repos, paymentDeps, nil)
		flowService = membership.NewFlowService(repos.Flow, paymentDeps)
		reconciler = reconcile.NewReconciler(repos, lifecycleService, map[string]reconcile.Gateway{
			"gocardless": &reconcile.GoCardlessGateway{Client: gcClient},
			"stripe":     &reconcile.StripeGateway{},
		}, paymentDeps.Config)
	})
	return lifecycleService, flowService, reconciler
}

// GetReconciler exposes the shared reconciler for the job queue wiring.
func GetReconciler() *reconcile.Reconciler {
	_, _, r := getServices()
	return r
}

func jsonError(c *fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func trimQuery(c *fiber.Ctx, key string) string {
	return strings.TrimSpace(c.Query(key))
}
