package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/cadenhq/playbook/pkg/approvals"
	"github.com/cadenhq/playbook/pkg/executor"
	"github.com/cadenhq/playbook/pkg/persistence"
	"github.com/cadenhq/playbook/pkg/presence"
	"github.com/cadenhq/playbook/pkg/queue"
	"github.com/cadenhq/playbook/pkg/registry"
	"github.com/cadenhq/playbook/pkg/services"
	"github.com/cadenhq/playbook/pkg/sla"
	"github.com/cadenhq/playbook/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	presence    presence.Store
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	p persistence.Persistence,
	reg *registry.Registry,
	presenceStore presence.Store,
) *API {
	return &API{
		logger:      logger,
		persistence: p,
		registry:    reg,
		presence:    presenceStore,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	jobQueue := queue.NewQueue(a.persistence, queue.DefaultConfig())
	templateService := services.NewTemplates(a.persistence)
	runService := services.NewRuns(a.persistence, jobQueue)
	exec := executor.NewExecutor(a.persistence, a.registry, jobQueue, nil)
	approvalService := approvals.NewService(a.persistence, exec)
	monitor := sla.NewMonitor(a.persistence, sla.DefaultConfig())

	handlers := web.NewAPIHandlers(
		templateService, runService, jobQueue, exec, approvalService,
		monitor, a.presence, a.persistence, a.validate,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Playbook API")
	})

	app.Get("/health", handlers.HealthCheck)

	api := app.Group("/", web.PrincipalMiddleware())

	t := api.Group("/templates")
	t.Post("/", handlers.CreateTemplate)
	t.Get("/", handlers.GetTemplates)
	t.Post("/import", handlers.ImportTemplate)
	t.Get("/:id", handlers.GetTemplate)
	t.Patch("/:id", handlers.UpdateTemplate)
	t.Post("/:id/validate", handlers.ValidateTemplate)
	t.Post("/:id/publish", handlers.PublishTemplate)
	t.Post("/:id/deprecate", handlers.DeprecateTemplate)
	t.Get("/:id/export", handlers.ExportTemplate)

	r := api.Group("/runs")
	r.Post("/", handlers.InitiateRun)
	r.Get("/", handlers.GetRuns)
	r.Get("/:id", handlers.GetRun)
	r.Post("/:id/cancel", handlers.CancelRun)
	r.Post("/:id/advance", handlers.AdvanceRun)
	r.Post("/:id/advance-async", handlers.AdvanceRunAsync)
	r.Post("/:id/route/dry-run", handlers.DryRunRoute)

	j := api.Group("/jobs")
	j.Get("/", handlers.GetJobs)
	j.Get("/:id", handlers.GetJob)
	j.Post("/:id/retry", handlers.RetryJob)
	j.Post("/:id/cancel", handlers.CancelJob)

	ap := api.Group("/approvals")
	ap.Post("/", handlers.AssignApproval)
	ap.Get("/", handlers.GetApprovals)
	ap.Get("/mine", handlers.GetMyApprovals)
	ap.Get("/overdue", handlers.GetOverdueApprovals)
	ap.Get("/:id", handlers.GetApproval)
	ap.Post("/:id/reassign", handlers.ReassignApproval)
	ap.Post("/:id/acknowledge", handlers.AcknowledgeApproval)
	ap.Post("/:id/complete", handlers.CompleteApproval)

	api.Get("/sla/dashboard", handlers.GetSLADashboard)
	api.Get("/sla/alerts", handlers.GetSLAAlerts)
	api.Post("/sla/check", handlers.RunSLACheck)
	api.Get("/workers", handlers.GetWorkers)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
