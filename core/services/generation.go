package services

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loramint/loramint/core/schema"
	"github.com/loramint/loramint/pkg/diffusion"
	"github.com/loramint/loramint/pkg/model"
)

// ErrNoModelLoaded is returned when generation is requested and no
// pipeline could be made resident.
var ErrNoModelLoaded = errors.New("no model loaded")

// DefaultModelID is loaded lazily on the first generation request when
// nothing is resident yet.
const DefaultModelID = "sdxl-base"

const defaultGuidanceScale = 7.5

// GenerationService produces images from the resident pipeline,
// attaching per-user LoRA adapters best-effort.
type GenerationService struct {
	manager     *model.Manager
	lorasPath   string
	outputsPath string
}

func NewGenerationService(manager *model.Manager, lorasPath, outputsPath string) (*GenerationService, error) {
	for _, dir := range []string{lorasPath, outputsPath} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, err
		}
	}
	return &GenerationService{
		manager:     manager,
		lorasPath:   lorasPath,
		outputsPath: outputsPath,
	}, nil
}

// Generate renders one image and returns its public URL path
// (/outputs/<user>/<file>).
func (s *GenerationService) Generate(ctx context.Context, prompt, userID string, loras []schema.LoraReference) (string, error) {
	return s.generate(ctx, prompt, userID, loras, nil)
}

// GenerateWithProgress renders one image, relaying per-step progress
// and exactly one terminal event. Runs synchronously; callers stream
// from the relay on their own goroutine.
func (s *GenerationService) GenerateWithProgress(ctx context.Context, prompt, userID string, loras []schema.LoraReference, relay *ProgressRelay) {
	imagePath, err := s.generate(ctx, prompt, userID, loras, relay)
	if err != nil {
		log.Error().Err(err).Str("user", userID).Msg("image generation failed")
		relay.SendTerminal(schema.ProgressEvent{
			Event:   schema.EventError,
			Error:   err.Error(),
			Message: "Failed to generate image",
		})
		return
	}
	steps := s.manager.InferenceSteps("")
	relay.SendTerminal(schema.ProgressEvent{
		Event:      schema.EventComplete,
		Success:    true,
		ImagePath:  imagePath,
		Message:    "Image generated successfully",
		Percentage: 100,
		Step:       steps,
		TotalSteps: steps,
	})
}

func (s *GenerationService) generate(ctx context.Context, prompt, userID string, loras []schema.LoraReference, relay *ProgressRelay) (string, error) {
	pipeline, err := s.residentPipeline(ctx)
	if err != nil {
		return "", err
	}

	attached := s.attachLoras(pipeline, userID, loras)
	defer func() {
		if attached {
			if err := pipeline.UnloadLoraWeights(); err != nil {
				log.Warn().Err(err).Msg("detaching LoRA adapters failed")
			}
		}
	}()

	opts := diffusion.GenerateOptions{
		Prompt:        prompt,
		Steps:         s.manager.InferenceSteps(""),
		GuidanceScale: defaultGuidanceScale,
	}
	if relay != nil {
		opts.Progress = func(step, total int) {
			relay.Send(schema.ProgressEvent{
				Event:      schema.EventProgress,
				Step:       step,
				TotalSteps: total,
				Percentage: float64(step) / float64(total) * 100,
				Message:    fmt.Sprintf("Generating... Step %d/%d", step, total),
			})
		}
	}

	log.Info().Str("user", userID).Str("prompt", prompt).Int("steps", opts.Steps).Msg("generating image")
	img, err := pipeline.Generate(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("generating image: %w", err)
	}

	userDir := filepath.Join(s.outputsPath, userID)
	if err := os.MkdirAll(userDir, 0750); err != nil {
		return "", err
	}

	filename := fmt.Sprintf("generated_%s.png", time.Now().Format("20060102_150405"))
	outputPath := filepath.Join(userDir, filename)

	f, err := os.Create(outputPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return "", fmt.Errorf("saving image %q: %w", outputPath, err)
	}

	log.Info().Str("path", outputPath).Msg("image saved")
	return fmt.Sprintf("/outputs/%s/%s", userID, filename), nil
}

// residentPipeline returns the loaded pipeline, lazily loading the
// default model on first use.
func (s *GenerationService) residentPipeline(ctx context.Context) (diffusion.Pipeline, error) {
	if p := s.manager.Pipeline(); p != nil {
		return p, nil
	}
	log.Info().Str("model", DefaultModelID).Msg("no model resident, loading default")
	if !s.manager.LoadModel(ctx, DefaultModelID) {
		return nil, ErrNoModelLoaded
	}
	p := s.manager.Pipeline()
	if p == nil {
		return nil, ErrNoModelLoaded
	}
	return p, nil
}

// attachLoras loads and activates the requested adapters. Best effort
// throughout: a missing or unreadable adapter is skipped with a
// warning, never fatal. Returns whether anything was attached.
func (s *GenerationService) attachLoras(pipeline diffusion.Pipeline, userID string, loras []schema.LoraReference) bool {
	if len(loras) == 0 {
		return false
	}
	if !s.manager.SupportsLora("") {
		log.Warn().Str("model", s.manager.CurrentModelID()).Msg("resident model does not support adapters, skipping")
		return false
	}

	var names []string
	var weights []float64
	for _, ref := range loras {
		dir := filepath.Join(s.lorasPath, userID)
		path := filepath.Join(dir, ref.File)
		if _, err := os.Stat(path); err != nil {
			log.Warn().Str("file", ref.File).Str("user", userID).Msg("LoRA file not found, skipping")
			continue
		}

		adapterName := strings.TrimSuffix(ref.File, ".safetensors")
		log.Info().Str("adapter", adapterName).Float64("strength", ref.Strength).Msg("attaching LoRA")
		if err := pipeline.LoadLoraWeights(dir, ref.File, adapterName); err != nil {
			log.Warn().Err(err).Str("adapter", adapterName).Msg("loading LoRA weights failed, skipping")
			continue
		}
		names = append(names, adapterName)
		weights = append(weights, ref.Strength)
	}

	if len(names) == 0 {
		return false
	}
	if err := pipeline.SetAdapters(names, weights); err != nil {
		log.Warn().Err(err).Msg("activating LoRA adapters failed")
	}
	return true
}
