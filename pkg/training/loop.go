package training

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loramint/loramint/pkg/diffusion"
)

// Phase names reported through the progress callback.
const (
	PhaseSetup           = "setup"
	PhaseClassGeneration = "class_generation"
	PhaseLoadingModels   = "loading_models"
	PhaseTraining        = "training"
	PhaseSaving          = "saving"
)

// classImageDirName is created under the run's output directory and
// reused across runs so class images accumulate instead of regenerating.
const classImageDirName = ".class_images"

// Progress is one training progress update.
type Progress struct {
	Phase      string
	Step       int
	TotalSteps int
	Loss       float64
	Message    string
	Percentage float64
}

// ProgressFunc receives progress updates from a running Loop. Called
// from the training goroutine; implementations must not block.
type ProgressFunc func(Progress)

// Loop drives one DreamBooth LoRA training run. A Loop is single-use:
// construct, call Train once, discard.
type Loop struct {
	config   *Config
	rt       diffusion.Runtime
	progress ProgressFunc

	tokenizerOne   diffusion.Tokenizer
	tokenizerTwo   diffusion.Tokenizer
	noiseScheduler diffusion.NoiseScheduler
	textEncoderOne diffusion.TextEncoder
	textEncoderTwo diffusion.TextEncoder
	vae            diffusion.VAE
	unet           diffusion.UNet
}

func NewLoop(config *Config, rt diffusion.Runtime, progress ProgressFunc) *Loop {
	return &Loop{config: config, rt: rt, progress: progress}
}

func (l *Loop) report(phase string, step, totalSteps int, loss float64, message string) {
	p := Progress{Phase: phase, Step: step, TotalSteps: totalSteps, Loss: loss, Message: message}
	if totalSteps > 0 {
		p.Percentage = float64(step) / float64(totalSteps) * 100
	}
	if l.progress != nil {
		l.progress(p)
	}
	log.Debug().Str("phase", phase).Int("step", step).Int("total", totalSteps).Msg(message)
}

// Train runs the full pipeline over the given instance images and
// returns the path of the saved adapter artifact. Stages run in order:
// class-image generation (when prior preservation is on), model
// loading, the optimization loop, weight saving, cleanup. Any stage
// failure aborts the run; cleanup happens regardless.
func (l *Loop) Train(ctx context.Context, instancePaths []string) (string, error) {
	cfg := l.config
	log.Info().
		Str("lora", cfg.Name()).
		Str("trigger", cfg.TriggerWord()).
		Int("images", len(instancePaths)).
		Str("device", string(l.rt.Device())).
		Msg("starting LoRA training")

	defer l.cleanup()

	classDataDir := ""
	if cfg.PriorPreservation() {
		classDataDir = filepath.Join(cfg.OutputDir(), classImageDirName)
		l.report(PhaseSetup, 0, 100, 0, "Generating class images...")
		if err := l.generateClassImages(ctx, classDataDir); err != nil {
			return "", fmt.Errorf("generating class images: %w", err)
		}
	}

	l.report(PhaseSetup, 0, 100, 0, "Loading training models...")
	if err := l.loadModels(ctx); err != nil {
		return "", fmt.Errorf("loading models: %w", err)
	}

	dataset, err := NewDataset(DatasetParams{
		InstancePaths:  instancePaths,
		InstancePrompt: cfg.InstancePrompt(),
		TokenizerOne:   l.tokenizerOne,
		TokenizerTwo:   l.tokenizerTwo,
		Size:           cfg.Resolution(),
		CenterCrop:     cfg.CenterCrop(),
		ClassDataDir:   classDataDir,
		ClassPrompt:    cfg.ClassPrompt(),
		Repeats:        cfg.Epochs(),
		Seed:           cfg.Seed(),
	})
	if err != nil {
		return "", fmt.Errorf("building dataset: %w", err)
	}

	l.rt.ManualSeed(cfg.Seed())

	params := l.unet.TrainableParameters()
	optimizer, err := l.rt.NewOptimizer(params, diffusion.OptimizerConfig{
		LearningRate: cfg.LearningRate(),
		Beta1:        0.9,
		Beta2:        0.999,
		WeightDecay:  1e-2,
		Eps:          1e-8,
		Use8Bit:      cfg.Use8BitAdam(),
	})
	if err != nil {
		return "", fmt.Errorf("creating optimizer: %w", err)
	}

	numBatches := (dataset.Len() + cfg.BatchSize() - 1) / cfg.BatchSize()
	totalSteps := numBatches / cfg.GradAccumSteps()
	if cfg.MaxSteps() > 0 {
		totalSteps = cfg.MaxSteps()
	}
	log.Info().Int("total_steps", totalSteps).Int("dataset_len", dataset.Len()).Msg("training schedule computed")

	lrScheduler, err := l.rt.NewLRScheduler(cfg.LRScheduler(), optimizer, cfg.LRWarmupSteps(), totalSteps)
	if err != nil {
		return "", fmt.Errorf("creating lr scheduler: %w", err)
	}

	l.unet.Train()
	l.report(PhaseTraining, 0, totalSteps, 0, "Starting training...")

	if err := l.optimize(ctx, dataset, optimizer, lrScheduler, params, totalSteps); err != nil {
		return "", err
	}

	l.report(PhaseSaving, totalSteps, totalSteps, 0, "Saving LoRA weights...")
	outputPath, err := l.saveWeights()
	if err != nil {
		return "", fmt.Errorf("saving weights: %w", err)
	}

	log.Info().Str("path", outputPath).Str("trigger", cfg.TriggerWord()).Msg("training complete")
	return outputPath, nil
}

// generateClassImages tops up the prior-image pool with a throwaway
// inference pipeline, then frees its memory before the training stage
// needs it. Idempotent when the pool is already full.
func (l *Loop) generateClassImages(ctx context.Context, dir string) error {
	cfg := l.config
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	existing, err := countPNGs(dir)
	if err != nil {
		return err
	}
	if existing >= cfg.NumClassImages() {
		log.Info().Str("dir", dir).Int("count", existing).Msg("class images already present")
		return nil
	}

	toGenerate := cfg.NumClassImages() - existing
	l.report(PhaseClassGeneration, 0, toGenerate, 0, "Loading pipeline for class image generation...")

	precision := diffusion.Full
	if l.rt.GPUAvailable() {
		precision = diffusion.Half
	}
	pipeline, err := l.rt.LoadPipeline(ctx, cfg.BaseModel(), precision)
	if err != nil {
		return err
	}

	for i := 0; i < toGenerate; i++ {
		l.report(PhaseClassGeneration, i+1, toGenerate, 0,
			fmt.Sprintf("Generating class image %d/%d", i+1, toGenerate))

		// Reduced step count and guidance: these are generic priors, not
		// final-quality outputs.
		img, err := pipeline.Generate(ctx, diffusion.GenerateOptions{
			Prompt:        cfg.ClassPrompt(),
			Steps:         25,
			GuidanceScale: 5.0,
		})
		if err != nil {
			pipeline.Close()
			l.rt.FreeMemory()
			return fmt.Errorf("generating class image %d: %w", i+1, err)
		}

		path := filepath.Join(dir, fmt.Sprintf("class_%04d.png", existing+i))
		if err := savePNG(path, img); err != nil {
			pipeline.Close()
			l.rt.FreeMemory()
			return err
		}
	}

	if err := pipeline.Close(); err != nil {
		log.Warn().Err(err).Msg("class image pipeline close failed")
	}
	l.rt.FreeMemory()
	if l.rt.GPUAvailable() {
		// The driver reclaims freed allocations asynchronously; give it a
		// moment before the training stage starts grabbing memory.
		time.Sleep(2 * time.Second)
	}

	l.report(PhaseClassGeneration, toGenerate, toGenerate, 0,
		fmt.Sprintf("Class images complete! Generated %d images.", toGenerate))
	return nil
}

// loadModels brings up every training component. Text encoders stay on
// the CPU at full precision: half-precision normalization layers are
// unstable there, and text encoding is not the bottleneck, so this
// trades a little throughput for scarce accelerator memory.
func (l *Loop) loadModels(ctx context.Context) error {
	cfg := l.config
	device := l.rt.Device()

	l.report(PhaseLoadingModels, 0, 7, 0, "Loading tokenizers (1/7)...")
	var err error
	if l.tokenizerOne, err = l.rt.LoadTokenizer(ctx, cfg.BaseModel(), "tokenizer"); err != nil {
		return err
	}
	if l.tokenizerTwo, err = l.rt.LoadTokenizer(ctx, cfg.BaseModel(), "tokenizer_2"); err != nil {
		return err
	}

	l.report(PhaseLoadingModels, 1, 7, 0, "Loading noise scheduler (2/7)...")
	if l.noiseScheduler, err = l.rt.LoadNoiseScheduler(ctx, cfg.BaseModel(), "scheduler"); err != nil {
		return err
	}

	l.report(PhaseLoadingModels, 2, 7, 0, "Loading text encoders (3/7)...")
	if l.textEncoderOne, err = l.rt.LoadTextEncoder(ctx, cfg.BaseModel(), "text_encoder", diffusion.CPU, diffusion.Full); err != nil {
		return err
	}
	if l.textEncoderTwo, err = l.rt.LoadTextEncoder(ctx, cfg.BaseModel(), "text_encoder_2", diffusion.CPU, diffusion.Full); err != nil {
		return err
	}

	l.report(PhaseLoadingModels, 3, 7, 0, "Loading VAE (4/7)...")
	if cfg.VAEModel() != "" {
		// Standalone VAE snapshot with the numerics fixes.
		l.vae, err = l.rt.LoadVAE(ctx, cfg.VAEModel(), "", diffusion.Half)
	} else {
		l.vae, err = l.rt.LoadVAE(ctx, cfg.BaseModel(), "vae", diffusion.Half)
	}
	if err != nil {
		return err
	}

	l.report(PhaseLoadingModels, 4, 7, 0, "Loading UNet (5/7)...")
	if l.unet, err = l.rt.LoadUNet(ctx, cfg.BaseModel(), "unet", diffusion.Half); err != nil {
		return err
	}

	l.report(PhaseLoadingModels, 5, 7, 0, fmt.Sprintf("Moving models to %s (6/7)...", device))

	l.report(PhaseLoadingModels, 6, 7, 0, "Applying LoRA configuration (7/7)...")
	if err := l.unet.ApplyLoRA(diffusion.LoraSpec{
		Rank:          cfg.Rank(),
		Alpha:         cfg.Alpha(),
		Dropout:       cfg.Dropout(),
		TargetModules: cfg.TargetModules(),
	}); err != nil {
		return fmt.Errorf("applying LoRA adapter: %w", err)
	}

	if cfg.GradientCheckpointing() {
		l.unet.EnableGradientCheckpointing()
	}
	if cfg.MemoryEfficientAttention() {
		if err := l.unet.EnableMemoryEfficientAttention(); err != nil {
			log.Debug().Err(err).Msg("memory efficient attention unavailable")
		}
	}
	return nil
}

// optimize runs the gradient loop until totalSteps optimizer updates
// have happened or the context is cancelled.
func (l *Loop) optimize(ctx context.Context, dataset *Dataset, optimizer diffusion.Optimizer, lrScheduler diffusion.LRScheduler, params []diffusion.Tensor, totalSteps int) error {
	cfg := l.config
	device := l.rt.Device()
	accum := cfg.GradAccumSteps()

	globalStep := 0
	runningLoss := 0.0

	order := dataset.Shuffle()
	for step := 0; step < len(order); step += cfg.BatchSize() {
		if globalStep >= totalSteps {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		end := step + cfg.BatchSize()
		if end > len(order) {
			end = len(order)
		}
		examples := make([]Example, 0, end-step)
		for _, idx := range order[step:end] {
			examples = append(examples, dataset.Example(idx))
		}

		batch, err := dataset.Collate(l.rt, examples, device, diffusion.Half)
		if err != nil {
			return fmt.Errorf("collating batch: %w", err)
		}

		loss, err := l.batchLoss(batch)
		if err != nil {
			return err
		}

		loss = loss.Scale(1 / float64(accum))
		if err := loss.Backward(); err != nil {
			return fmt.Errorf("backward pass: %w", err)
		}
		runningLoss += loss.Item()

		batchNo := step/cfg.BatchSize() + 1
		if batchNo%accum != 0 {
			continue
		}

		if err := l.rt.ClipGradNorm(params, 1.0); err != nil {
			return fmt.Errorf("clipping gradients: %w", err)
		}
		optimizer.Step()
		lrScheduler.Step()
		optimizer.ZeroGrad()
		globalStep++

		avgLoss := runningLoss * float64(accum)
		runningLoss = 0

		if globalStep%10 == 0 || globalStep == totalSteps {
			l.report(PhaseTraining, globalStep, totalSteps, avgLoss,
				fmt.Sprintf("Training step %d/%d", globalStep, totalSteps))
		}
	}
	return nil
}

// batchLoss computes the denoising loss for one batch, adding the
// weighted prior-preservation term when class data is present.
func (l *Loop) batchLoss(batch Batch) (diffusion.Loss, error) {
	loss, err := l.denoisingLoss(batch.InstanceImages, batch.InstanceTokensOne, batch.InstanceTokensTwo)
	if err != nil {
		return nil, err
	}

	if l.config.PriorPreservation() && batch.HasClass() {
		priorLoss, err := l.denoisingLoss(batch.ClassImages, batch.ClassTokensOne, batch.ClassTokensTwo)
		if err != nil {
			return nil, fmt.Errorf("prior loss: %w", err)
		}
		loss = loss.Add(priorLoss, l.config.PriorLossWeight())
	}
	return loss, nil
}

// denoisingLoss is one noise-prediction pass: encode to latents, add
// scheduler noise at random timesteps, predict, MSE against the noise.
func (l *Loop) denoisingLoss(images, tokensOne, tokensTwo diffusion.Tensor) (diffusion.Loss, error) {
	device := l.rt.Device()

	latents, err := l.vae.Encode(images)
	if err != nil {
		return nil, fmt.Errorf("encoding latents: %w", err)
	}
	latents, err = l.rt.Scale(latents, l.vae.ScalingFactor())
	if err != nil {
		return nil, err
	}

	noise, err := l.rt.RandnLike(latents)
	if err != nil {
		return nil, err
	}

	bsz := int(latents.Shape()[0])
	timesteps, err := l.rt.RandInt(l.noiseScheduler.NumTrainTimesteps(), bsz, device)
	if err != nil {
		return nil, err
	}

	noisyLatents, err := l.noiseScheduler.AddNoise(latents, noise, timesteps)
	if err != nil {
		return nil, fmt.Errorf("adding noise: %w", err)
	}

	hiddenStates, pooled, err := l.encodeText(tokensOne, tokensTwo)
	if err != nil {
		return nil, err
	}

	timeIDs, err := l.timeIDs(bsz)
	if err != nil {
		return nil, err
	}

	pred, err := l.unet.Forward(diffusion.UNetInput{
		NoisyLatents: noisyLatents,
		Timesteps:    timesteps,
		HiddenStates: hiddenStates,
		PooledEmbeds: pooled,
		TimeIDs:      timeIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("noise prediction: %w", err)
	}

	return l.rt.MSELoss(pred, noise)
}

// encodeText runs both text encoders and joins their penultimate hidden
// states. Encoders live on the CPU; results move to the compute device
// at half precision.
func (l *Loop) encodeText(tokensOne, tokensTwo diffusion.Tensor) (hidden, pooled diffusion.Tensor, err error) {
	hiddenOne, _, err := l.textEncoderOne.Encode(tokensOne.To(diffusion.CPU, diffusion.Full))
	if err != nil {
		return nil, nil, fmt.Errorf("text encoder one: %w", err)
	}
	hiddenTwo, pooledTwo, err := l.textEncoderTwo.Encode(tokensTwo.To(diffusion.CPU, diffusion.Full))
	if err != nil {
		return nil, nil, fmt.Errorf("text encoder two: %w", err)
	}

	lastDim := len(hiddenOne.Shape()) - 1
	joined, err := l.rt.Concat(hiddenOne, hiddenTwo, lastDim)
	if err != nil {
		return nil, nil, err
	}

	device := l.rt.Device()
	return joined.To(device, diffusion.Half), pooledTwo.To(device, diffusion.Half), nil
}

// timeIDs builds the micro-conditioning vector (original size, crop
// offsets, target size) replicated per batch element.
func (l *Loop) timeIDs(bsz int) (diffusion.Tensor, error) {
	res := float32(l.config.Resolution())
	row := []float32{res, res, 0, 0, res, res}
	data := make([]float32, 0, bsz*len(row))
	for i := 0; i < bsz; i++ {
		data = append(data, row...)
	}
	return l.rt.FromFloats(data, []int64{int64(bsz), int64(len(row))}, l.rt.Device(), diffusion.Half)
}

// saveWeights persists the adapter parameters in the key layout the
// inference loader expects: the runtime's internal wrapping prefix is
// stripped and a network-role prefix added, values cast to half
// precision. A JSON sidecar mirrors the metadata for tools that cannot
// read safetensors headers.
func (l *Loop) saveWeights() (string, error) {
	cfg := l.config

	stateDict, err := l.unet.LoraStateDict()
	if err != nil {
		return "", fmt.Errorf("extracting adapter state: %w", err)
	}

	device := l.rt.Device()
	converted := make(map[string]diffusion.Tensor, len(stateDict))
	for key, value := range stateDict {
		newKey := "unet." + strings.ReplaceAll(key, "base_model.model.", "")
		converted[newKey] = value.To(device, diffusion.Half)
	}

	metadata := map[string]string{
		"format":          "pt",
		"trigger_word":    cfg.TriggerWord(),
		"lora_name":       cfg.Name(),
		"instance_prompt": cfg.InstancePrompt(),
		"lora_rank":       strconv.Itoa(cfg.Rank()),
		"lora_alpha":      strconv.Itoa(cfg.Alpha()),
		"base_model":      cfg.BaseModel(),
	}

	if err := os.MkdirAll(cfg.OutputDir(), 0750); err != nil {
		return "", err
	}

	outputFile := filepath.Join(cfg.OutputDir(), cfg.Name()+".safetensors")
	if err := l.rt.SaveSafetensors(outputFile, converted, metadata); err != nil {
		return "", err
	}

	sidecar := map[string]any{
		"learning_rate":           cfg.LearningRate(),
		"num_train_epochs":        cfg.Epochs(),
		"resolution":              cfg.Resolution(),
		"with_prior_preservation": cfg.PriorPreservation(),
	}
	for k, v := range metadata {
		sidecar[k] = v
	}
	sidecarBytes, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return "", err
	}
	sidecarFile := filepath.Join(cfg.OutputDir(), cfg.Name()+"_metadata.json")
	if err := os.WriteFile(sidecarFile, sidecarBytes, 0644); err != nil {
		return "", err
	}

	log.Info().Str("weights", outputFile).Str("metadata", sidecarFile).Msg("LoRA artifact saved")
	return outputFile, nil
}

// cleanup drops every loaded component and releases device memory.
func (l *Loop) cleanup() {
	for _, c := range []interface{ Close() error }{l.unet, l.vae, l.textEncoderOne, l.textEncoderTwo} {
		if c != nil {
			if err := c.Close(); err != nil {
				log.Debug().Err(err).Msg("component close failed during cleanup")
			}
		}
	}
	l.unet = nil
	l.vae = nil
	l.textEncoderOne = nil
	l.textEncoderTwo = nil
	l.noiseScheduler = nil
	l.tokenizerOne = nil
	l.tokenizerTwo = nil
	l.rt.FreeMemory()
}

func countPNGs(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".png" {
			count++
		}
	}
	return count, nil
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encoding %q: %w", path, err)
	}
	return nil
}
