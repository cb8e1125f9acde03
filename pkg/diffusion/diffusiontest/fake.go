// Package diffusiontest provides in-memory fakes of the diffusion
// runtime interfaces for tests.
package diffusiontest

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/loramint/loramint/pkg/diffusion"
)

// Tensor is an in-memory tensor fake carrying real shape and data.
type Tensor struct {
	Dims []int64
	Data []float32
	Dev  diffusion.Device
	Prec diffusion.Precision
}

func (t *Tensor) Shape() []int64 { return t.Dims }

func (t *Tensor) To(d diffusion.Device, p diffusion.Precision) diffusion.Tensor {
	return &Tensor{Dims: t.Dims, Data: t.Data, Dev: d, Prec: p}
}

// NewTensor builds a zero-filled fake tensor of the given shape.
func NewTensor(dims ...int64) *Tensor {
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	return &Tensor{Dims: dims, Data: make([]float32, n)}
}

// Loss is a fake loss value tracking Scale and Backward calls.
type Loss struct {
	Value       float64
	BackwardErr error
	Backwards   *int
}

func (l *Loss) Item() float64 { return l.Value }

func (l *Loss) Scale(f float64) diffusion.Loss {
	return &Loss{Value: l.Value * f, BackwardErr: l.BackwardErr, Backwards: l.Backwards}
}

func (l *Loss) Add(other diffusion.Loss, weight float64) diffusion.Loss {
	return &Loss{Value: l.Value + other.Item()*weight, BackwardErr: l.BackwardErr, Backwards: l.Backwards}
}

func (l *Loss) Backward() error {
	if l.Backwards != nil {
		*l.Backwards++
	}
	return l.BackwardErr
}

// Pipeline is a fake text-to-image pipeline recording adapter activity.
type Pipeline struct {
	GenerateFn     func(ctx context.Context, opts diffusion.GenerateOptions) (image.Image, error)
	GenerateCalls  []diffusion.GenerateOptions
	LoadedAdapters []string
	ActiveAdapters []string
	ActiveWeights  []float64
	Unloads        int
	Closed         bool
	LoadLoraErr    error
}

func (p *Pipeline) Generate(ctx context.Context, opts diffusion.GenerateOptions) (image.Image, error) {
	p.GenerateCalls = append(p.GenerateCalls, opts)
	if p.GenerateFn != nil {
		return p.GenerateFn(ctx, opts)
	}
	if opts.Progress != nil {
		for i := 1; i <= opts.Steps; i++ {
			opts.Progress(i, opts.Steps)
		}
	}
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func (p *Pipeline) LoadLoraWeights(dir, weightName, adapterName string) error {
	if p.LoadLoraErr != nil {
		return p.LoadLoraErr
	}
	p.LoadedAdapters = append(p.LoadedAdapters, adapterName)
	return nil
}

func (p *Pipeline) SetAdapters(names []string, weights []float64) error {
	p.ActiveAdapters = names
	p.ActiveWeights = weights
	return nil
}

func (p *Pipeline) UnloadLoraWeights() error {
	p.Unloads++
	p.ActiveAdapters = nil
	p.ActiveWeights = nil
	return nil
}

func (p *Pipeline) Close() error {
	p.Closed = true
	return nil
}

type tokenizer struct{}

func (tokenizer) Tokenize(prompt string) (diffusion.Tensor, error) {
	return NewTensor(1, 77), nil
}

type textEncoder struct{ closed *int }

func (e textEncoder) Encode(tokens diffusion.Tensor) (diffusion.Tensor, diffusion.Tensor, error) {
	return NewTensor(1, 77, 768), NewTensor(1, 1280), nil
}

func (e textEncoder) Close() error {
	if e.closed != nil {
		*e.closed++
	}
	return nil
}

type vae struct{ closed *int }

func (v vae) Encode(images diffusion.Tensor) (diffusion.Tensor, error) {
	shape := images.Shape()
	batch := int64(1)
	if len(shape) > 0 {
		batch = shape[0]
	}
	return NewTensor(batch, 4, 128, 128), nil
}

func (v vae) ScalingFactor() float64 { return 0.13025 }

func (v vae) Close() error {
	if v.closed != nil {
		*v.closed++
	}
	return nil
}

type scheduler struct{}

func (scheduler) NumTrainTimesteps() int { return 1000 }

func (scheduler) AddNoise(latents, noise, timesteps diffusion.Tensor) (diffusion.Tensor, error) {
	return latents, nil
}

// UNet is a fake noise predictor recording LoRA and forward activity.
type UNet struct {
	Spec         diffusion.LoraSpec
	Checkpointed bool
	Training     bool
	Forwards     int
	ForwardErr   error
	StateKeys    []string
	Closed       int
}

func (u *UNet) ApplyLoRA(spec diffusion.LoraSpec) error {
	u.Spec = spec
	return nil
}

func (u *UNet) EnableGradientCheckpointing() { u.Checkpointed = true }

func (u *UNet) EnableMemoryEfficientAttention() error { return nil }

func (u *UNet) Train() { u.Training = true }

func (u *UNet) Forward(in diffusion.UNetInput) (diffusion.Tensor, error) {
	u.Forwards++
	if u.ForwardErr != nil {
		return nil, u.ForwardErr
	}
	return NewTensor(in.NoisyLatents.Shape()...), nil
}

func (u *UNet) LoraStateDict() (map[string]diffusion.Tensor, error) {
	keys := u.StateKeys
	if len(keys) == 0 {
		keys = []string{
			"base_model.model.down_blocks.0.attentions.0.lora_A.weight",
			"base_model.model.down_blocks.0.attentions.0.lora_B.weight",
		}
	}
	out := map[string]diffusion.Tensor{}
	for _, k := range keys {
		out[k] = NewTensor(4, 4)
	}
	return out, nil
}

func (u *UNet) TrainableParameters() []diffusion.Tensor {
	return []diffusion.Tensor{NewTensor(4, 4)}
}

func (u *UNet) Close() error {
	u.Closed++
	return nil
}

type optimizer struct{ steps, zeros *int }

func (o optimizer) Step() {
	if o.steps != nil {
		*o.steps++
	}
}

func (o optimizer) ZeroGrad() {
	if o.zeros != nil {
		*o.zeros++
	}
}

type lrScheduler struct{ steps *int }

func (s lrScheduler) Step() {
	if s.steps != nil {
		*s.steps++
	}
}

// Runtime is a fully working in-memory diffusion.Runtime. The zero
// value behaves like a CPU-only runtime; set GPU for the CUDA path.
// Hook fields override individual methods, counters record activity.
type Runtime struct {
	GPU bool

	LoadPipelineFn func(ctx context.Context, source string, p diffusion.Precision) (diffusion.Pipeline, error)
	LastPipeline   *Pipeline
	LoadedSources  []string

	UNet *UNet

	LossValue float64
	MSEErr    error

	OptimizerSteps  int
	ZeroGrads       int
	SchedulerSteps  int
	Backwards       int
	ClipCalls       int
	FreeMemoryCalls int
	Seeds           []int64
	EncoderCloses   int
	VAECloses       int

	SchedulerKind   string
	WarmupSteps     int
	TotalSteps      int
	OptimizerConfig diffusion.OptimizerConfig

	SavedPath     string
	SavedTensors  map[string]diffusion.Tensor
	SavedMetadata map[string]string
	SaveErr       error
}

var _ diffusion.Runtime = (*Runtime)(nil)

func (r *Runtime) LoadPipeline(ctx context.Context, source string, p diffusion.Precision) (diffusion.Pipeline, error) {
	r.LoadedSources = append(r.LoadedSources, source)
	if r.LoadPipelineFn != nil {
		pl, err := r.LoadPipelineFn(ctx, source, p)
		if fake, ok := pl.(*Pipeline); ok {
			r.LastPipeline = fake
		}
		return pl, err
	}
	r.LastPipeline = &Pipeline{}
	return r.LastPipeline, nil
}

func (r *Runtime) LoadTokenizer(ctx context.Context, source, subfolder string) (diffusion.Tokenizer, error) {
	return tokenizer{}, nil
}

func (r *Runtime) LoadTextEncoder(ctx context.Context, source, subfolder string, d diffusion.Device, p diffusion.Precision) (diffusion.TextEncoder, error) {
	return textEncoder{closed: &r.EncoderCloses}, nil
}

func (r *Runtime) LoadVAE(ctx context.Context, source, subfolder string, p diffusion.Precision) (diffusion.VAE, error) {
	return vae{closed: &r.VAECloses}, nil
}

func (r *Runtime) LoadUNet(ctx context.Context, source, subfolder string, p diffusion.Precision) (diffusion.UNet, error) {
	if r.UNet == nil {
		r.UNet = &UNet{}
	}
	return r.UNet, nil
}

func (r *Runtime) LoadNoiseScheduler(ctx context.Context, source, subfolder string) (diffusion.NoiseScheduler, error) {
	return scheduler{}, nil
}

func (r *Runtime) NewOptimizer(params []diffusion.Tensor, cfg diffusion.OptimizerConfig) (diffusion.Optimizer, error) {
	r.OptimizerConfig = cfg
	return optimizer{steps: &r.OptimizerSteps, zeros: &r.ZeroGrads}, nil
}

func (r *Runtime) NewLRScheduler(kind string, opt diffusion.Optimizer, warmupSteps, totalSteps int) (diffusion.LRScheduler, error) {
	r.SchedulerKind = kind
	r.WarmupSteps = warmupSteps
	r.TotalSteps = totalSteps
	return lrScheduler{steps: &r.SchedulerSteps}, nil
}

func (r *Runtime) FromFloats(data []float32, shape []int64, d diffusion.Device, p diffusion.Precision) (diffusion.Tensor, error) {
	return &Tensor{Dims: shape, Data: data, Dev: d, Prec: p}, nil
}

func (r *Runtime) Stack(ts []diffusion.Tensor) (diffusion.Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("stack of zero tensors")
	}
	dims := append([]int64{int64(len(ts))}, ts[0].Shape()...)
	return NewTensor(dims...), nil
}

func (r *Runtime) Concat(a, b diffusion.Tensor, dim int) (diffusion.Tensor, error) {
	dims := append([]int64{}, a.Shape()...)
	if dim < len(dims) {
		dims[dim] += b.Shape()[dim]
	}
	return NewTensor(dims...), nil
}

func (r *Runtime) RandnLike(t diffusion.Tensor) (diffusion.Tensor, error) {
	return NewTensor(t.Shape()...), nil
}

func (r *Runtime) Scale(t diffusion.Tensor, f float64) (diffusion.Tensor, error) {
	return NewTensor(t.Shape()...), nil
}

func (r *Runtime) RandInt(high, n int, d diffusion.Device) (diffusion.Tensor, error) {
	return NewTensor(int64(n)), nil
}

func (r *Runtime) MSELoss(pred, target diffusion.Tensor) (diffusion.Loss, error) {
	if r.MSEErr != nil {
		return nil, r.MSEErr
	}
	value := r.LossValue
	if value == 0 {
		value = 0.25
	}
	return &Loss{Value: value, Backwards: &r.Backwards}, nil
}

func (r *Runtime) ClipGradNorm(params []diffusion.Tensor, maxNorm float64) error {
	r.ClipCalls++
	return nil
}

func (r *Runtime) SaveSafetensors(path string, tensors map[string]diffusion.Tensor, metadata map[string]string) error {
	if r.SaveErr != nil {
		return r.SaveErr
	}
	r.SavedPath = path
	r.SavedTensors = tensors
	r.SavedMetadata = metadata
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("safetensors"), 0644)
}

func (r *Runtime) ManualSeed(seed int64) { r.Seeds = append(r.Seeds, seed) }

func (r *Runtime) GPUAvailable() bool { return r.GPU }

func (r *Runtime) Device() diffusion.Device {
	if r.GPU {
		return diffusion.CUDA
	}
	return diffusion.CPU
}

func (r *Runtime) FreeMemory() { r.FreeMemoryCalls++ }
