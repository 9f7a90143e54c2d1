package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	controller "sequencer/controllers"
	"sequencer/middleware"
)

// Options carries everything the route table needs
type Options struct {
	Sequences      *controller.SequenceController
	Tracking       *controller.TrackingController
	AllowedOrigins []string
	RunPerMinute   int
	LimiterStorage fiber.Storage
}

func SetupRoutes(app *fiber.App, opts Options) {
	app.Use(recover.New())
	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept"},
		ExposedHeaders: []string{"Content-Length"},
		MaxAge:         3600,
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	SetupTrackingRoutes(app, opts.Tracking)
	SetupAPIRoutes(app, opts)
}

// SetupTrackingRoutes registers the public open and click endpoints embedded in sent messages
func SetupTrackingRoutes(app *fiber.App, tc *controller.TrackingController) {
	track := app.Group("/track")
	track.Get("/open/:tid/:token", tc.TrackOpen)
	track.Get("/click/:tid/:token", tc.TrackClick)
}

func SetupAPIRoutes(app *fiber.App, opts Options) {
	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	sc := opts.Sequences
	sequences := api.Group("/sequences")
	sequences.Post("/run", middleware.RunTriggerLimiter(opts.RunPerMinute, opts.LimiterStorage), sc.RunSequences)
	sequences.Post("/:id/publish", sc.PublishSequence)
	sequences.Post("/:id/archive", sc.ArchiveSequence)
	sequences.Post("/:id/enrollments", sc.EnrollLead)

	enrollments := api.Group("/enrollments")
	enrollments.Get("/:id", sc.GetEnrollment)
	enrollments.Post("/:id/pause", sc.PauseEnrollment)
	enrollments.Post("/:id/resume", sc.ResumeEnrollment)

	api.Post("/events", opts.Tracking.HandleWebhook)
}
