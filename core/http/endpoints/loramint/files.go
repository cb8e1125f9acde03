package loramint

import (
	"github.com/gofiber/fiber/v2"

	"github.com/loramint/loramint/core/schema"
	"github.com/loramint/loramint/core/services"
)

// ListLorasEndpoint lists a user's trained adapters, newest first.
func ListLorasEndpoint(files *services.FileStore) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		loras, err := files.UserLoras(c.Params("userId"))
		if err != nil {
			return err
		}
		return c.JSON(schema.ListLorasResponse{Success: true, Loras: loras})
	}
}

// ListImagesEndpoint lists a user's generated images, newest first.
func ListImagesEndpoint(files *services.FileStore) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		images, err := files.UserImages(c.Params("userId"))
		if err != nil {
			return err
		}
		return c.JSON(schema.ListImagesResponse{Success: true, Images: images})
	}
}
