package loramint

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/loramint/loramint/core/schema"
	"github.com/loramint/loramint/core/services"
)

func parseGenerateRequest(c *fiber.Ctx) (*schema.GenerateRequest, error) {
	input := new(schema.GenerateRequest)
	if err := c.BodyParser(input); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "failed parsing request body: "+err.Error())
	}
	if input.Prompt == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "prompt is required")
	}
	if input.UserID == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "userId is required")
	}
	return input, nil
}

// GenerateEndpoint renders one image synchronously and returns its
// public URL path.
func GenerateEndpoint(generation *services.GenerationService) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		input, err := parseGenerateRequest(c)
		if err != nil {
			return err
		}

		imagePath, err := generation.Generate(c.Context(), input.Prompt, input.UserID, input.Loras)
		if err != nil {
			if errors.Is(err, services.ErrNoModelLoaded) {
				return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
			}
			return err
		}

		return c.JSON(schema.GenerateResponse{
			Success:   true,
			ImagePath: imagePath,
			Message:   "Image generated successfully",
		})
	}
}

// GenerateStreamEndpoint renders one image while streaming per-step
// progress as server-sent events. The stream ends with exactly one
// terminal event.
func GenerateStreamEndpoint(generation *services.GenerationService) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		input, err := parseGenerateRequest(c)
		if err != nil {
			return err
		}

		log.Debug().Str("user", input.UserID).Msg("starting generation stream")

		// The worker outlives the handler; the fasthttp request context
		// is recycled once the stream writer takes over.
		relay := services.NewProgressRelay(64)
		go generation.GenerateWithProgress(context.Background(), input.Prompt, input.UserID, input.Loras, relay)

		return streamRelay(c, relay)
	}
}
