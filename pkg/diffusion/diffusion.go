// Package diffusion is the boundary to the external model runtime.
//
// The heavy numerical work (forward/backward passes through the pretrained
// UNet/VAE/text-encoder zoo) lives behind these interfaces. The rest of the
// repository only orchestrates: it decides what to load, in which precision,
// on which device, and in what order to drive the training and sampling
// calls. Concrete runtimes register themselves with Register; tests use
// in-memory fakes.
package diffusion

import (
	"context"
	"fmt"
	"image"
	"sync"
)

// Device identifies where tensors live.
type Device string

const (
	CUDA Device = "cuda"
	CPU  Device = "cpu"
)

// Precision is the storage/compute dtype for a model component.
type Precision string

const (
	Half Precision = "fp16"
	Full Precision = "fp32"
)

// Tensor is an opaque handle to runtime-owned memory.
type Tensor interface {
	// Shape returns the tensor dimensions, outermost first.
	Shape() []int64
	// To returns a view or copy placed on the given device and precision.
	To(d Device, p Precision) Tensor
}

// Loss is the result of a loss computation. It stays attached to the
// autograd graph until Backward is called.
type Loss interface {
	// Item returns the scalar value, detached.
	Item() float64
	// Scale multiplies the loss by f (gradient-accumulation correction).
	Scale(f float64) Loss
	// Add returns this loss plus weight*other.
	Add(other Loss, weight float64) Loss
	// Backward accumulates gradients into the trainable parameters.
	Backward() error
}

// Tokenizer converts a prompt into padded token ids (fixed max length).
type Tokenizer interface {
	Tokenize(prompt string) (Tensor, error)
}

// TextEncoder produces conditioning embeddings from token ids.
type TextEncoder interface {
	// Encode returns the penultimate hidden state and the pooled projection.
	Encode(tokens Tensor) (hidden Tensor, pooled Tensor, err error)
	Close() error
}

// VAE encodes pixel-space images into the latent space the UNet operates in.
type VAE interface {
	// Encode samples latents for an image batch. Runs without gradients.
	Encode(images Tensor) (Tensor, error)
	ScalingFactor() float64
	Close() error
}

// NoiseScheduler owns the diffusion noise-injection formula.
type NoiseScheduler interface {
	NumTrainTimesteps() int
	// AddNoise applies the scheduler's forward process at the given
	// per-element timesteps.
	AddNoise(latents, noise, timesteps Tensor) (Tensor, error)
}

// LoraSpec configures the low-rank adapter wrapped around a UNet.
type LoraSpec struct {
	Rank          int
	Alpha         int
	Dropout       float64
	TargetModules []string
}

// UNetInput carries one forward pass worth of conditioning.
type UNetInput struct {
	NoisyLatents Tensor
	Timesteps    Tensor
	// HiddenStates is the concatenation of both text encoders' penultimate
	// hidden states.
	HiddenStates Tensor
	// PooledEmbeds is the second encoder's pooled projection.
	PooledEmbeds Tensor
	// TimeIDs is the SDXL micro-conditioning (original size, crop offsets,
	// target size) replicated per batch element.
	TimeIDs Tensor
}

// UNet is the trainable noise-prediction network.
type UNet interface {
	// ApplyLoRA wraps the configured target modules with a low-rank
	// adapter and marks only those parameters trainable.
	ApplyLoRA(spec LoraSpec) error
	EnableGradientCheckpointing()
	// EnableMemoryEfficientAttention swaps in an optimized attention
	// kernel. Best effort; an error means the kernel is unavailable.
	EnableMemoryEfficientAttention() error
	// Train puts the network in training mode.
	Train()
	// Forward predicts the noise residual under a reduced-precision
	// compute context.
	Forward(in UNetInput) (Tensor, error)
	// LoraStateDict returns only the adapter parameters, keyed with the
	// runtime's internal wrapping prefix.
	LoraStateDict() (map[string]Tensor, error)
	// TrainableParameters returns the parameters ApplyLoRA unfroze.
	TrainableParameters() []Tensor
	Close() error
}

// OptimizerConfig mirrors the AdamW hyperparameters used for training.
type OptimizerConfig struct {
	LearningRate float64
	Beta1, Beta2 float64
	WeightDecay  float64
	Eps          float64
	// Use8Bit requests the 8-bit optimizer variant when the runtime has
	// one; runtimes fall back to the full-precision optimizer otherwise.
	Use8Bit bool
}

type Optimizer interface {
	Step()
	ZeroGrad()
}

type LRScheduler interface {
	Step()
}

// GenerateOptions parameterizes one text-to-image sampling call.
type GenerateOptions struct {
	Prompt        string
	Steps         int
	GuidanceScale float64
	// Progress, when set, is invoked once per inference step from the
	// runtime's worker thread.
	Progress func(step, total int)
}

// Pipeline is a fully assembled text-to-image pipeline.
type Pipeline interface {
	Generate(ctx context.Context, opts GenerateOptions) (image.Image, error)
	// LoadLoraWeights attaches the adapter stored at dir/weightName under
	// the given adapter name.
	LoadLoraWeights(dir, weightName, adapterName string) error
	// SetAdapters activates the named adapters at the given strengths.
	SetAdapters(names []string, weights []float64) error
	// UnloadLoraWeights detaches every adapter, restoring the base
	// pipeline state.
	UnloadLoraWeights() error
	Close() error
}

// Loader materializes pipelines and training components from a model
// source (local snapshot directory or remote repository id).
type Loader interface {
	LoadPipeline(ctx context.Context, source string, p Precision) (Pipeline, error)
	LoadTokenizer(ctx context.Context, source, subfolder string) (Tokenizer, error)
	LoadTextEncoder(ctx context.Context, source, subfolder string, d Device, p Precision) (TextEncoder, error)
	LoadVAE(ctx context.Context, source, subfolder string, p Precision) (VAE, error)
	LoadUNet(ctx context.Context, source, subfolder string, p Precision) (UNet, error)
	LoadNoiseScheduler(ctx context.Context, source, subfolder string) (NoiseScheduler, error)
	NewOptimizer(params []Tensor, cfg OptimizerConfig) (Optimizer, error)
	// NewLRScheduler builds a learning-rate schedule ("constant", "cosine",
	// "linear") over totalSteps with the given warmup.
	NewLRScheduler(kind string, opt Optimizer, warmupSteps, totalSteps int) (LRScheduler, error)
}

// Ops are the tensor-factory and numeric primitives the training loop
// drives directly.
type Ops interface {
	// FromFloats builds a tensor from row-major float32 data.
	FromFloats(data []float32, shape []int64, d Device, p Precision) (Tensor, error)
	// Stack concatenates equally-shaped tensors along a new leading axis.
	Stack(ts []Tensor) (Tensor, error)
	// Concat joins two tensors along dim.
	Concat(a, b Tensor, dim int) (Tensor, error)
	// RandnLike samples standard Gaussian noise with t's shape.
	RandnLike(t Tensor) (Tensor, error)
	// Scale multiplies every element by f.
	Scale(t Tensor, f float64) (Tensor, error)
	// RandInt samples n integers uniformly from [0, high).
	RandInt(high, n int, d Device) (Tensor, error)
	// MSELoss computes mean squared error in full precision.
	MSELoss(pred, target Tensor) (Loss, error)
	// ClipGradNorm rescales accumulated gradients to the given max norm.
	ClipGradNorm(params []Tensor, maxNorm float64) error
	// SaveSafetensors persists named tensors with string metadata.
	SaveSafetensors(path string, tensors map[string]Tensor, metadata map[string]string) error
	// ManualSeed seeds the runtime's samplers.
	ManualSeed(seed int64)
}

// Runtime bundles everything the orchestration layer needs from the
// external model runtime.
type Runtime interface {
	Loader
	Ops
	GPUAvailable() bool
	Device() Device
	// FreeMemory releases cached device allocations and forces collection
	// of dropped buffers. Safe to call with nothing loaded.
	FreeMemory()
}

var (
	runtimesMu sync.RWMutex
	runtimes   = map[string]func() (Runtime, error){}
)

// Register makes a runtime constructor available under the given name.
// Bindings call this from an init function, database/sql driver style.
func Register(name string, factory func() (Runtime, error)) {
	runtimesMu.Lock()
	defer runtimesMu.Unlock()
	if factory == nil {
		panic("diffusion: Register with nil factory")
	}
	if _, dup := runtimes[name]; dup {
		panic("diffusion: Register called twice for runtime " + name)
	}
	runtimes[name] = factory
}

// NewRuntime constructs the named runtime.
func NewRuntime(name string) (Runtime, error) {
	runtimesMu.RLock()
	factory, ok := runtimes[name]
	runtimesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("diffusion: unknown runtime %q (no binding compiled in)", name)
	}
	return factory()
}

// Runtimes lists the registered runtime names.
func Runtimes() []string {
	runtimesMu.RLock()
	defer runtimesMu.RUnlock()
	names := make([]string, 0, len(runtimes))
	for name := range runtimes {
		names = append(names, name)
	}
	return names
}
