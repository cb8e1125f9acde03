package http

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"

	"github.com/loramint/loramint/core/config"
	"github.com/loramint/loramint/core/http/routes"
	"github.com/loramint/loramint/core/schema"
	"github.com/loramint/loramint/core/services"
	"github.com/loramint/loramint/pkg/diffusion"
	"github.com/loramint/loramint/pkg/model"
)

// uploadBodyLimit accommodates five full-resolution training images
// in one multipart request.
const uploadBodyLimit = 100 * 1024 * 1024

// App assembles the fiber application: middleware, static output
// serving, and all API routes.
func App(appConfig *config.ApplicationConfig,
	rt diffusion.Runtime,
	manager *model.Manager,
	generation *services.GenerationService,
	training *services.TrainingService,
	files *services.FileStore) *fiber.App {

	app := fiber.New(fiber.Config{
		BodyLimit:             uploadBodyLimit,
		DisableStartupMessage: true,
		ErrorHandler: func(ctx *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				code = fiberErr.Code
			}
			return ctx.Status(code).JSON(schema.ErrorResponse{
				Error: &schema.APIError{Code: code, Message: err.Error()},
			})
		},
	})

	app.Use(recover.New())

	if appConfig.Debug {
		app.Use(func(c *fiber.Ctx) error {
			start := time.Now()
			err := c.Next()
			log.Debug().
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", c.Response().StatusCode()).
				Dur("took", time.Since(start)).
				Msg("request")
			return err
		})
	}

	if appConfig.CORS {
		var c *cors.Config
		if appConfig.CORSAllowOrigins != "" {
			c = &cors.Config{AllowOrigins: appConfig.CORSAllowOrigins}
		}
		if c == nil {
			app.Use(cors.New())
		} else {
			app.Use(cors.New(*c))
		}
	}

	// Generated images are served straight from disk under the same
	// paths the API returns.
	app.Static("/outputs", appConfig.OutputsPath)

	routes.RegisterLoraMintRoutes(app, rt, manager, generation, training, files)

	return app
}
