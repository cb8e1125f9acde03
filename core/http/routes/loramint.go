package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/loramint/loramint/core/http/endpoints/loramint"
	"github.com/loramint/loramint/core/services"
	"github.com/loramint/loramint/pkg/diffusion"
	"github.com/loramint/loramint/pkg/model"
)

// RegisterLoraMintRoutes wires every API route to its endpoint.
func RegisterLoraMintRoutes(app *fiber.App,
	rt diffusion.Runtime,
	manager *model.Manager,
	generation *services.GenerationService,
	training *services.TrainingService,
	files *services.FileStore) {

	app.Get("/", loramint.WelcomeEndpoint())
	app.Get("/health", loramint.HealthEndpoint(rt))
	app.Get("/gpu", loramint.GPUInfoEndpoint())

	app.Post("/generate", loramint.GenerateEndpoint(generation))
	app.Post("/generate/stream", loramint.GenerateStreamEndpoint(generation))

	app.Post("/train-lora", loramint.TrainEndpoint(training, files))
	app.Post("/train-lora/stream", loramint.TrainStreamEndpoint(training, files))

	app.Get("/loras/:userId", loramint.ListLorasEndpoint(files))
	app.Get("/images/:userId", loramint.ListImagesEndpoint(files))

	app.Get("/models", loramint.ListModelsEndpoint(manager))
	app.Post("/models/unload", loramint.UnloadModelEndpoint(manager))
	app.Post("/models/:id/download", loramint.DownloadModelEndpoint(manager))
	app.Post("/models/:id/load", loramint.LoadModelEndpoint(manager))
}
