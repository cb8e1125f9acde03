package loramint

import (
	"github.com/gofiber/fiber/v2"

	"github.com/loramint/loramint/core/schema"
	"github.com/loramint/loramint/pkg/diffusion"
	"github.com/loramint/loramint/pkg/xsysinfo"
)

// WelcomeEndpoint answers the root path so load balancers and humans
// can tell the service is up.
func WelcomeEndpoint() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "LoraMint API is running",
			"status":  "ok",
		})
	}
}

// HealthEndpoint reports liveness and whether the runtime sees a GPU.
func HealthEndpoint(rt diffusion.Runtime) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(schema.HealthResponse{
			Status:       "healthy",
			GPUAvailable: rt.GPUAvailable(),
		})
	}
}

// GPUInfoEndpoint returns a fresh snapshot of the first GPU. Free VRAM
// changes with every model load, so nothing here is cached.
func GPUInfoEndpoint() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(xsysinfo.Snapshot())
	}
}
