package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loramint/loramint/core/schema"
	"github.com/loramint/loramint/pkg/diffusion"
	"github.com/loramint/loramint/pkg/model"
	"github.com/loramint/loramint/pkg/training"
)

// Training request bounds. The DreamBooth recipe is tuned for tiny
// subject sets; more images belong to a different training regime.
const (
	MinTrainingImages = 1
	MaxTrainingImages = 5
)

const (
	defaultLearningRate = 1e-4
	defaultLoraRank     = 8
)

// TrainRequest is one LoRA training job.
type TrainRequest struct {
	LoraName   string
	UserID     string
	ImagePaths []string

	// Epochs == 0 selects the recommended count for the image count.
	Epochs       int
	LearningRate float64
	Rank         int
	TriggerWord  string

	PriorPreservation bool
	FastMode          bool
}

// TrainResult is the outcome of a completed job.
type TrainResult struct {
	LoraPath    string
	TriggerWord string
}

// TrainingService validates requests, fills in recommended settings,
// and runs training jobs against the diffusion runtime.
type TrainingService struct {
	manager   *model.Manager
	rt        diffusion.Runtime
	lorasPath string
}

func NewTrainingService(manager *model.Manager, rt diffusion.Runtime, lorasPath string) (*TrainingService, error) {
	if err := os.MkdirAll(lorasPath, 0750); err != nil {
		return nil, err
	}
	return &TrainingService{manager: manager, rt: rt, lorasPath: lorasPath}, nil
}

// TriggerWordFor answers what trigger word a job name will yield,
// using the same derivation the training config applies.
func (s *TrainingService) TriggerWordFor(name string) string {
	return training.DeriveTriggerWord(name)
}

// Validate rejects requests that would never train successfully.
func (s *TrainingService) Validate(req TrainRequest) error {
	if req.LoraName == "" {
		return fmt.Errorf("lora name is required")
	}
	if req.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if len(req.ImagePaths) < MinTrainingImages {
		return fmt.Errorf("at least one training image is required")
	}
	if len(req.ImagePaths) > MaxTrainingImages {
		return fmt.Errorf("maximum %d training images supported", MaxTrainingImages)
	}
	return nil
}

// Train runs one job synchronously and returns the artifact path and
// trigger word. Progress flows into relay when one is given; terminal
// events are the caller's concern. The resident inference pipeline is
// evicted first so training gets the device memory.
func (s *TrainingService) Train(ctx context.Context, req TrainRequest, relay *ProgressRelay) (TrainResult, error) {
	if err := s.Validate(req); err != nil {
		return TrainResult{}, err
	}

	s.manager.UnloadModel()

	if err := os.MkdirAll(filepath.Join(s.lorasPath, req.UserID), 0750); err != nil {
		return TrainResult{}, err
	}

	cfg := s.ConfigFor(req)

	log.Info().
		Str("lora", req.LoraName).
		Str("user", req.UserID).
		Str("trigger", cfg.TriggerWord()).
		Int("images", len(req.ImagePaths)).
		Int("epochs", cfg.Epochs()).
		Int("rank", cfg.Rank()).
		Bool("fast_mode", cfg.FastMode()).
		Msg("starting training job")

	var progress training.ProgressFunc
	if relay != nil {
		progress = func(p training.Progress) {
			relay.Send(schema.ProgressEvent{
				Event:      schema.EventProgress,
				Phase:      p.Phase,
				Step:       p.Step,
				TotalSteps: p.TotalSteps,
				Percentage: p.Percentage,
				Loss:       p.Loss,
				Message:    p.Message,
			})
		}
	}

	loop := training.NewLoop(cfg, s.rt, progress)
	path, err := loop.Train(ctx, req.ImagePaths)
	if err != nil {
		return TrainResult{}, err
	}
	return TrainResult{LoraPath: path, TriggerWord: cfg.TriggerWord()}, nil
}

// ConfigFor resolves a request into the immutable training config,
// merging explicit values with the recommended settings for the image
// count. Explicit epochs suppress the lookup entirely; a non-default
// rank always wins over the recommendation. The job name gets a
// timestamp suffix so repeated jobs never collide.
func (s *TrainingService) ConfigFor(req TrainRequest) *training.Config {
	outputDir := filepath.Join(s.lorasPath, req.UserID)
	fullName := fmt.Sprintf("%s_%s", req.LoraName, time.Now().Format("20060102_150405"))

	epochs := req.Epochs
	rank := req.Rank
	if rank == 0 {
		rank = defaultLoraRank
	}
	if epochs == 0 {
		recommended := training.RecommendedForImageCount(len(req.ImagePaths))
		epochs = recommended.Epochs
		if rank == defaultLoraRank {
			rank = recommended.Rank
		}
	}

	lr := req.LearningRate
	if lr == 0 {
		lr = defaultLearningRate
	}

	opts := []training.Option{
		training.WithOriginalName(req.LoraName),
		training.WithEpochs(epochs),
		training.WithLearningRate(lr),
		training.WithRank(rank),
		training.WithPriorPreservation(req.PriorPreservation),
		training.WithFastMode(req.FastMode),
	}
	if req.TriggerWord != "" {
		opts = append(opts, training.WithTriggerWord(req.TriggerWord))
	}
	if source := s.baseModelSource(); source != "" {
		opts = append(opts, training.WithBaseModel(source))
	}

	return training.NewConfig(fullName, req.UserID, outputDir, opts...)
}

// baseModelSource prefers the local snapshot of the default base model
// over a fresh hub fetch.
func (s *TrainingService) baseModelSource() string {
	if s.manager.IsDownloaded(DefaultModelID) {
		return s.manager.ModelPath(DefaultModelID)
	}
	if cfg, ok := s.manager.Catalog().Get(DefaultModelID); ok {
		return cfg.HuggingFaceID
	}
	return ""
}
