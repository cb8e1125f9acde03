package loramint

import (
	"context"
	"fmt"
	"mime/multipart"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/loramint/loramint/core/schema"
	"github.com/loramint/loramint/core/services"
)

// formValue returns the first non-empty form field among names. Both
// camelCase and snake_case spellings are accepted.
func formValue(c *fiber.Ctx, names ...string) string {
	for _, name := range names {
		if v := c.FormValue(name); v != "" {
			return v
		}
	}
	return ""
}

func parseTrainRequest(c *fiber.Ctx) (services.TrainRequest, []*multipart.FileHeader, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return services.TrainRequest{}, nil, fiber.NewError(fiber.StatusBadRequest, "expected multipart form data: "+err.Error())
	}

	req := services.TrainRequest{
		LoraName:    formValue(c, "loraName", "lora_name"),
		UserID:      formValue(c, "userId", "user_id"),
		TriggerWord: formValue(c, "triggerWord", "trigger_word"),

		PriorPreservation: true,
	}

	if v := formValue(c, "numTrainEpochs", "num_train_epochs"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, nil, fiber.NewError(fiber.StatusBadRequest, "invalid numTrainEpochs: "+v)
		}
		req.Epochs = n
	}
	if v := formValue(c, "learningRate", "learning_rate"); v != "" {
		lr, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, nil, fiber.NewError(fiber.StatusBadRequest, "invalid learningRate: "+v)
		}
		req.LearningRate = lr
	}
	if v := formValue(c, "loraRank", "lora_rank"); v != "" {
		rank, err := strconv.Atoi(v)
		if err != nil {
			return req, nil, fiber.NewError(fiber.StatusBadRequest, "invalid loraRank: "+v)
		}
		req.Rank = rank
	}
	if v := formValue(c, "withPriorPreservation", "with_prior_preservation"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, nil, fiber.NewError(fiber.StatusBadRequest, "invalid withPriorPreservation: "+v)
		}
		req.PriorPreservation = b
	}
	if v := formValue(c, "fastMode", "fast_mode"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, nil, fiber.NewError(fiber.StatusBadRequest, "invalid fastMode: "+v)
		}
		req.FastMode = b
	}

	return req, form.File["images"], nil
}

// TrainEndpoint runs one training job synchronously. Uploaded images
// live in a per-request temp directory for the duration of the job.
func TrainEndpoint(training *services.TrainingService, files *services.FileStore) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		req, uploads, err := parseTrainRequest(c)
		if err != nil {
			return err
		}

		paths, err := files.SaveTempImages(uploads)
		if err != nil {
			return err
		}
		defer files.CleanupTemp(paths)
		req.ImagePaths = paths

		if err := training.Validate(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		result, err := training.Train(c.Context(), req, nil)
		if err != nil {
			return err
		}

		return c.JSON(schema.TrainResponse{
			Success:     true,
			LoraPath:    result.LoraPath,
			TriggerWord: result.TriggerWord,
			Message:     fmt.Sprintf("LoRA %q trained successfully", req.LoraName),
		})
	}
}

// TrainStreamEndpoint runs one training job while streaming phase and
// step progress as server-sent events.
func TrainStreamEndpoint(training *services.TrainingService, files *services.FileStore) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		req, uploads, err := parseTrainRequest(c)
		if err != nil {
			return err
		}

		paths, err := files.SaveTempImages(uploads)
		if err != nil {
			return err
		}
		req.ImagePaths = paths

		if err := training.Validate(req); err != nil {
			files.CleanupTemp(paths)
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		log.Debug().Str("lora", req.LoraName).Str("user", req.UserID).Msg("starting training stream")

		relay := services.NewProgressRelay(256)
		go func() {
			defer files.CleanupTemp(paths)

			result, err := training.Train(context.Background(), req, relay)
			if err != nil {
				relay.SendTerminal(schema.ProgressEvent{
					Event:   schema.EventError,
					Error:   err.Error(),
					Message: "Training failed",
				})
				return
			}
			relay.SendTerminal(schema.ProgressEvent{
				Event:       schema.EventComplete,
				Success:     true,
				LoraPath:    result.LoraPath,
				TriggerWord: result.TriggerWord,
				Percentage:  100,
				Message:     fmt.Sprintf("LoRA %q trained successfully", req.LoraName),
			})
		}()

		return streamRelay(c, relay)
	}
}
