package loramint

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/loramint/loramint/core/schema"
	"github.com/loramint/loramint/core/services"
	"github.com/loramint/loramint/pkg/model"
)

// ListModelsEndpoint returns every catalog entry with its on-disk and
// in-memory state.
func ListModelsEndpoint(manager *model.Manager) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"success":       true,
			"models":        manager.ListModels(),
			"current_model": manager.CurrentModelID(),
		})
	}
}

// DownloadModelEndpoint streams snapshot-download progress as
// server-sent events. An unknown model yields a single error event on
// the stream rather than an HTTP error, so clients handle both paths
// the same way. The download channel goes through a relay so a client
// that disconnects mid-transfer cannot stall the download worker; the
// download itself runs to completion, like training does.
func DownloadModelEndpoint(manager *model.Manager) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		// The download outlives the handler once the stream writer takes
		// over, so it cannot hang off the request context.
		events := manager.DownloadModel(context.Background(), c.Params("id"))
		return streamRelay(c, services.RelayChannel(events, 64))
	}
}

// LoadModelEndpoint makes a downloaded model resident, evicting the
// current one first.
func LoadModelEndpoint(manager *model.Manager) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, ok := manager.Catalog().Get(id); !ok {
			return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("unknown model %q", id))
		}
		if !manager.LoadModel(c.Context(), id) {
			return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("loading model %q failed", id))
		}
		return c.JSON(schema.SuccessResponse{
			Success: true,
			Message: fmt.Sprintf("Model %q loaded", id),
		})
	}
}

// UnloadModelEndpoint releases the resident pipeline and its device
// memory. A no-op when nothing is loaded.
func UnloadModelEndpoint(manager *model.Manager) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		manager.UnloadModel()
		return c.JSON(schema.SuccessResponse{
			Success: true,
			Message: "Model unloaded",
		})
	}
}
