// Package training implements DreamBooth-style LoRA fine-tuning of a
// text-to-image base model on a handful of subject images.
package training

import (
	"fmt"
	"strings"
	"unicode"
)

// TriggerPrefix starts every auto-derived trigger word.
const TriggerPrefix = "sks_"

// DeriveTriggerWord computes the trigger word for a job name: strip
// everything non-alphanumeric, fold to lower case, prefix. Deterministic,
// identical input always yields the identical trigger word.
func DeriveTriggerWord(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return TriggerPrefix + strings.ToLower(b.String())
}

// Config is the full parameter set for one training run. Built once by
// NewConfig, read-only afterwards; every derived field (trigger word,
// validation prompt, fast-mode reductions) is fixed at construction.
type Config struct {
	loraName     string
	userID       string
	outputDir    string
	originalName string

	baseModel string
	vaeModel  string

	loraRank      int
	loraAlpha     int
	loraDropout   float64
	targetModules []string

	numTrainEpochs int
	maxTrainSteps  int
	learningRate   float64
	trainBatchSize int
	gradAccumSteps int

	instancePromptTemplate string
	triggerWord            string

	priorPreservation bool
	priorLossWeight   float64
	classPrompt       string
	numClassImages    int

	fastMode bool

	gradientCheckpointing    bool
	mixedPrecision           string
	use8BitAdam              bool
	memoryEfficientAttention bool

	lrScheduler   string
	lrWarmupSteps int

	validationPrompt string

	resolution int
	centerCrop bool
	seed       int64
}

// Option adjusts a Config during construction.
type Option func(*Config)

func WithOriginalName(name string) Option {
	return func(c *Config) { c.originalName = name }
}

func WithBaseModel(model string) Option {
	return func(c *Config) { c.baseModel = model }
}

func WithVAEModel(model string) Option {
	return func(c *Config) { c.vaeModel = model }
}

func WithRank(rank int) Option {
	return func(c *Config) { c.loraRank = rank }
}

func WithAlpha(alpha int) Option {
	return func(c *Config) { c.loraAlpha = alpha }
}

func WithDropout(dropout float64) Option {
	return func(c *Config) { c.loraDropout = dropout }
}

func WithTargetModules(modules []string) Option {
	return func(c *Config) { c.targetModules = append([]string{}, modules...) }
}

func WithEpochs(epochs int) Option {
	return func(c *Config) { c.numTrainEpochs = epochs }
}

// WithMaxSteps caps training at an explicit step count, overriding the
// epoch-derived total.
func WithMaxSteps(steps int) Option {
	return func(c *Config) { c.maxTrainSteps = steps }
}

func WithLearningRate(lr float64) Option {
	return func(c *Config) { c.learningRate = lr }
}

func WithBatchSize(size int) Option {
	return func(c *Config) { c.trainBatchSize = size }
}

func WithGradAccumSteps(steps int) Option {
	return func(c *Config) { c.gradAccumSteps = steps }
}

// WithTriggerWord overrides the derived trigger word.
func WithTriggerWord(word string) Option {
	return func(c *Config) { c.triggerWord = word }
}

func WithPriorPreservation(enabled bool) Option {
	return func(c *Config) { c.priorPreservation = enabled }
}

func WithPriorLossWeight(weight float64) Option {
	return func(c *Config) { c.priorLossWeight = weight }
}

func WithClassPrompt(prompt string) Option {
	return func(c *Config) { c.classPrompt = prompt }
}

func WithNumClassImages(n int) Option {
	return func(c *Config) { c.numClassImages = n }
}

// WithFastMode trades quality for wall-clock time: fewer class images
// and roughly a quarter fewer epochs.
func WithFastMode(enabled bool) Option {
	return func(c *Config) { c.fastMode = enabled }
}

func WithGradientCheckpointing(enabled bool) Option {
	return func(c *Config) { c.gradientCheckpointing = enabled }
}

func With8BitAdam(enabled bool) Option {
	return func(c *Config) { c.use8BitAdam = enabled }
}

func WithMemoryEfficientAttention(enabled bool) Option {
	return func(c *Config) { c.memoryEfficientAttention = enabled }
}

func WithLRScheduler(kind string) Option {
	return func(c *Config) { c.lrScheduler = kind }
}

func WithLRWarmupSteps(steps int) Option {
	return func(c *Config) { c.lrWarmupSteps = steps }
}

func WithResolution(resolution int) Option {
	return func(c *Config) { c.resolution = resolution }
}

func WithSeed(seed int64) Option {
	return func(c *Config) { c.seed = seed }
}

// NewConfig builds an immutable training configuration. loraName is the
// timestamped job name; pass the pre-timestamp name via WithOriginalName
// so trigger derivation ignores the timestamp suffix.
func NewConfig(loraName, userID, outputDir string, opts ...Option) *Config {
	c := &Config{
		loraName:  loraName,
		userID:    userID,
		outputDir: outputDir,

		baseModel: "stabilityai/stable-diffusion-xl-base-1.0",
		vaeModel:  "madebyollin/sdxl-vae-fp16-fix",

		loraRank:      8,
		loraAlpha:     16,
		loraDropout:   0.1,
		targetModules: []string{"to_k", "to_q", "to_v", "to_out.0"},

		numTrainEpochs: 100,
		learningRate:   1e-4,
		trainBatchSize: 1,
		gradAccumSteps: 4,

		instancePromptTemplate: "a photo of %s",

		priorPreservation: true,
		priorLossWeight:   1.0,
		classPrompt:       "a photo",
		numClassImages:    50,

		gradientCheckpointing:    true,
		mixedPrecision:           "fp16",
		use8BitAdam:              true,
		memoryEfficientAttention: true,

		lrScheduler:   "cosine",
		lrWarmupSteps: 50,

		resolution: 1024,
		centerCrop: true,
		seed:       42,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.fastMode {
		if c.numClassImages > 25 {
			c.numClassImages = 25
		}
		reduced := int(float64(c.numTrainEpochs) * 0.75)
		if reduced < 50 {
			reduced = 50
		}
		c.numTrainEpochs = reduced
	}

	if c.triggerWord == "" {
		name := c.originalName
		if name == "" {
			name = c.loraName
		}
		c.triggerWord = DeriveTriggerWord(name)
	}

	if c.validationPrompt == "" {
		c.validationPrompt = fmt.Sprintf(c.instancePromptTemplate, c.triggerWord)
	}

	return c
}

// RecommendedSettings are the per-image-count training defaults. Fewer
// images get more epochs at a lower rate and rank to resist overfitting.
type RecommendedSettings struct {
	Epochs            int
	LearningRate      float64
	Rank              int
	PriorPreservation bool
}

// RecommendedForImageCount returns training defaults keyed by dataset
// size. Defined for any positive count; callers reject counts above 5
// before reaching here.
func RecommendedForImageCount(numImages int) RecommendedSettings {
	switch {
	case numImages <= 2:
		return RecommendedSettings{Epochs: 200, LearningRate: 5e-5, Rank: 4, PriorPreservation: true}
	case numImages <= 4:
		return RecommendedSettings{Epochs: 150, LearningRate: 1e-4, Rank: 8, PriorPreservation: true}
	default:
		return RecommendedSettings{Epochs: 100, LearningRate: 1e-4, Rank: 8, PriorPreservation: true}
	}
}

func (c *Config) Name() string      { return c.loraName }
func (c *Config) UserID() string    { return c.userID }
func (c *Config) OutputDir() string { return c.outputDir }

func (c *Config) BaseModel() string { return c.baseModel }
func (c *Config) VAEModel() string  { return c.vaeModel }

func (c *Config) Rank() int        { return c.loraRank }
func (c *Config) Alpha() int       { return c.loraAlpha }
func (c *Config) Dropout() float64 { return c.loraDropout }

// TargetModules returns a copy; the config itself never changes.
func (c *Config) TargetModules() []string {
	return append([]string{}, c.targetModules...)
}

func (c *Config) Epochs() int           { return c.numTrainEpochs }
func (c *Config) MaxSteps() int         { return c.maxTrainSteps }
func (c *Config) LearningRate() float64 { return c.learningRate }
func (c *Config) BatchSize() int        { return c.trainBatchSize }
func (c *Config) GradAccumSteps() int   { return c.gradAccumSteps }

func (c *Config) TriggerWord() string { return c.triggerWord }

// InstancePrompt is the full subject prompt including the trigger word.
func (c *Config) InstancePrompt() string {
	return fmt.Sprintf(c.instancePromptTemplate, c.triggerWord)
}

func (c *Config) ValidationPrompt() string { return c.validationPrompt }

func (c *Config) PriorPreservation() bool  { return c.priorPreservation }
func (c *Config) PriorLossWeight() float64 { return c.priorLossWeight }
func (c *Config) ClassPrompt() string      { return c.classPrompt }
func (c *Config) NumClassImages() int      { return c.numClassImages }
func (c *Config) FastMode() bool           { return c.fastMode }
func (c *Config) GradientCheckpointing() bool {
	return c.gradientCheckpointing
}
func (c *Config) MixedPrecision() string { return c.mixedPrecision }
func (c *Config) Use8BitAdam() bool      { return c.use8BitAdam }
func (c *Config) MemoryEfficientAttention() bool {
	return c.memoryEfficientAttention
}

func (c *Config) LRScheduler() string { return c.lrScheduler }
func (c *Config) LRWarmupSteps() int  { return c.lrWarmupSteps }

func (c *Config) Resolution() int  { return c.resolution }
func (c *Config) CenterCrop() bool { return c.centerCrop }
func (c *Config) Seed() int64      { return c.seed }
