package main

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/memberflow/memberflow/app/controllers"
	"github.com/memberflow/memberflow/app/repository"
	"github.com/memberflow/memberflow/internal/pkg/cache"
	"github.com/memberflow/memberflow/internal/pkg/database"
	"github.com/memberflow/memberflow/internal/pkg/env"
	"github.com/memberflow/memberflow/internal/pkg/jobqueue"
	"github.com/memberflow/memberflow/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	// Webhook events are answered fast and processed in the background.
	repos := repository.GetGlobalRepositories()
	manager := jobqueue.GetManager()
	manager.SetWebhookProcessor(
		jobqueue.NewWebhookProcessor(repos.WebhookEvent, controllers.GetReconciler()),
		repos.WebhookEvent,
	)
	manager.Start()

	app := fiber.New(fiber.Config{})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			"admin": env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app
}
