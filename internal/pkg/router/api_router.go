package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/memberflow/memberflow/app/controllers"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")

	v1.Post("/members/join", controllers.HandleJoin)
	v1.Get("/flows/join/complete", controllers.HandleJoinComplete)
	v1.Get("/flows/restart/complete", controllers.HandleRestartComplete)

	v1.Get("/members/:id", controllers.HandleGetMember)
	v1.Patch("/members/:id", controllers.HandleUpdateMember)
	v1.Post("/members/:id/contribution", controllers.HandleUpdateContribution)
	v1.Delete("/members/:id/contribution", controllers.HandleCancelContribution)
	v1.Post("/members/:id/restart", controllers.HandleRestart)
	v1.Get("/members/:id/payments", controllers.HandleListPayments)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
