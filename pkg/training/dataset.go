package training

import (
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/loramint/loramint/pkg/diffusion"
)

// maxClassImages caps how many prior images one run samples from.
const maxClassImages = 100

// Example is one training sample: the subject image plus, when prior
// preservation is active, one randomly drawn class image. Pixel data is
// channel-major float32 normalized to [-1, 1].
type Example struct {
	InstancePixels    []float32
	InstanceTokensOne diffusion.Tensor
	InstanceTokensTwo diffusion.Tensor

	ClassPixels    []float32
	ClassTokensOne diffusion.Tensor
	ClassTokensTwo diffusion.Tensor
}

// HasClass reports whether the example carries a prior-preservation pair.
func (e Example) HasClass() bool { return e.ClassPixels != nil }

// DatasetParams configures a Dataset.
type DatasetParams struct {
	InstancePaths  []string
	InstancePrompt string

	TokenizerOne diffusion.Tokenizer
	TokenizerTwo diffusion.Tokenizer

	Size       int
	CenterCrop bool

	// ClassDataDir, when non-empty and existing, supplies prior images.
	ClassDataDir string
	ClassPrompt  string

	// Repeats stretches the dataset so small image sets still fill an
	// epoch schedule: Len = len(InstancePaths) * Repeats.
	Repeats int

	Seed int64
}

// Dataset serves DreamBooth training examples. Prompts are tokenized
// once up front; images are decoded once and transformed per access so
// random cropping stays random.
type Dataset struct {
	size       int
	centerCrop bool
	repeats    int

	instanceImages []image.Image
	classImages    []image.Image

	instanceTokensOne diffusion.Tensor
	instanceTokensTwo diffusion.Tensor
	classTokensOne    diffusion.Tensor
	classTokensTwo    diffusion.Tensor

	rng *rand.Rand
}

func NewDataset(p DatasetParams) (*Dataset, error) {
	if len(p.InstancePaths) == 0 {
		return nil, fmt.Errorf("dataset needs at least one instance image")
	}
	if p.Repeats < 1 {
		p.Repeats = 1
	}

	d := &Dataset{
		size:       p.Size,
		centerCrop: p.CenterCrop,
		repeats:    p.Repeats,
		rng:        rand.New(rand.NewSource(p.Seed)),
	}

	for _, path := range p.InstancePaths {
		img, err := decodeImage(path)
		if err != nil {
			return nil, fmt.Errorf("loading instance image %q: %w", path, err)
		}
		d.instanceImages = append(d.instanceImages, img)
	}

	if p.ClassDataDir != "" {
		classImages, err := loadClassImages(p.ClassDataDir)
		if err != nil {
			return nil, err
		}
		d.classImages = classImages
	}

	var err error
	if d.instanceTokensOne, err = p.TokenizerOne.Tokenize(p.InstancePrompt); err != nil {
		return nil, fmt.Errorf("tokenizing instance prompt: %w", err)
	}
	if d.instanceTokensTwo, err = p.TokenizerTwo.Tokenize(p.InstancePrompt); err != nil {
		return nil, fmt.Errorf("tokenizing instance prompt: %w", err)
	}

	if len(d.classImages) > 0 && p.ClassPrompt != "" {
		if d.classTokensOne, err = p.TokenizerOne.Tokenize(p.ClassPrompt); err != nil {
			return nil, fmt.Errorf("tokenizing class prompt: %w", err)
		}
		if d.classTokensTwo, err = p.TokenizerTwo.Tokenize(p.ClassPrompt); err != nil {
			return nil, fmt.Errorf("tokenizing class prompt: %w", err)
		}
	}

	return d, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return discardAlpha(img), nil
}

// discardAlpha converts to plain RGB by dropping the alpha channel.
// Raw channel values are kept as-is; nothing is composited, so
// semi-transparent pixels do not darken toward black.
func discardAlpha(img image.Image) image.Image {
	if opaque, ok := img.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return img
	}
	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 255})
		}
	}
	return out
}

// loadClassImages reads the PNG pool in name order, capped so a huge
// accumulated pool does not blow up memory.
func loadClassImages(dir string) ([]image.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading class image directory %q: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".png" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > maxClassImages {
		names = names[:maxClassImages]
	}

	images := make([]image.Image, 0, len(names))
	for _, name := range names {
		img, err := decodeImage(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("loading class image %q: %w", name, err)
		}
		images = append(images, img)
	}
	return images, nil
}

// Len returns the stretched dataset length.
func (d *Dataset) Len() int {
	return len(d.instanceImages) * d.repeats
}

// NumClassImages returns the size of the loaded prior pool.
func (d *Dataset) NumClassImages() int { return len(d.classImages) }

// Example produces the training sample at index. Instance images cycle;
// the class image is drawn uniformly from the pool.
func (d *Dataset) Example(index int) Example {
	instance := d.instanceImages[index%len(d.instanceImages)]

	ex := Example{
		InstancePixels:    d.transform(instance),
		InstanceTokensOne: d.instanceTokensOne,
		InstanceTokensTwo: d.instanceTokensTwo,
	}

	if len(d.classImages) > 0 && d.classTokensOne != nil {
		class := d.classImages[d.rng.Intn(len(d.classImages))]
		ex.ClassPixels = d.transform(class)
		ex.ClassTokensOne = d.classTokensOne
		ex.ClassTokensTwo = d.classTokensTwo
	}

	return ex
}

// Shuffle returns a permutation of example indices for one pass.
func (d *Dataset) Shuffle() []int {
	return d.rng.Perm(d.Len())
}

// transform resizes the shortest side to the target resolution, crops a
// square (center or random), and normalizes to channel-major [-1, 1].
func (d *Dataset) transform(img image.Image) []float32 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	scale := float64(d.size) / float64(min(w, h))
	newW := int(float64(w)*scale + 0.5)
	newH := int(float64(h)*scale + 0.5)
	if newW < d.size {
		newW = d.size
	}
	if newH < d.size {
		newH = d.size
	}

	resized := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.BiLinear.Scale(resized, resized.Bounds(), img, bounds, xdraw.Src, nil)

	offX, offY := (newW-d.size)/2, (newH-d.size)/2
	if !d.centerCrop {
		if newW > d.size {
			offX = d.rng.Intn(newW - d.size + 1)
		}
		if newH > d.size {
			offY = d.rng.Intn(newH - d.size + 1)
		}
	}

	out := make([]float32, 3*d.size*d.size)
	plane := d.size * d.size
	for y := 0; y < d.size; y++ {
		for x := 0; x < d.size; x++ {
			i := resized.PixOffset(x+offX, y+offY)
			p := y*d.size + x
			out[p] = float32(resized.Pix[i])/127.5 - 1
			out[plane+p] = float32(resized.Pix[i+1])/127.5 - 1
			out[2*plane+p] = float32(resized.Pix[i+2])/127.5 - 1
		}
	}
	return out
}

// Batch is a collated set of examples ready for the runtime. Class
// fields are nil unless every example in the batch carried class data.
type Batch struct {
	InstanceImages    diffusion.Tensor
	InstanceTokensOne diffusion.Tensor
	InstanceTokensTwo diffusion.Tensor

	ClassImages    diffusion.Tensor
	ClassTokensOne diffusion.Tensor
	ClassTokensTwo diffusion.Tensor
}

// HasClass reports whether the batch carries prior-preservation data.
func (b Batch) HasClass() bool { return b.ClassImages != nil }

// Collate stacks examples into runtime tensors on the given device.
func (d *Dataset) Collate(ops diffusion.Ops, examples []Example, dev diffusion.Device, prec diffusion.Precision) (Batch, error) {
	var batch Batch

	stackPixels := func(pixels [][]float32) (diffusion.Tensor, error) {
		shape := []int64{3, int64(d.size), int64(d.size)}
		ts := make([]diffusion.Tensor, 0, len(pixels))
		for _, px := range pixels {
			t, err := ops.FromFloats(px, shape, dev, prec)
			if err != nil {
				return nil, err
			}
			ts = append(ts, t)
		}
		return ops.Stack(ts)
	}

	instancePixels := make([][]float32, 0, len(examples))
	instanceOne := make([]diffusion.Tensor, 0, len(examples))
	instanceTwo := make([]diffusion.Tensor, 0, len(examples))
	allClass := true
	for _, ex := range examples {
		instancePixels = append(instancePixels, ex.InstancePixels)
		instanceOne = append(instanceOne, ex.InstanceTokensOne)
		instanceTwo = append(instanceTwo, ex.InstanceTokensTwo)
		if !ex.HasClass() {
			allClass = false
		}
	}

	var err error
	if batch.InstanceImages, err = stackPixels(instancePixels); err != nil {
		return Batch{}, err
	}
	if batch.InstanceTokensOne, err = ops.Stack(instanceOne); err != nil {
		return Batch{}, err
	}
	if batch.InstanceTokensTwo, err = ops.Stack(instanceTwo); err != nil {
		return Batch{}, err
	}

	if !allClass || len(examples) == 0 {
		return batch, nil
	}

	classPixels := make([][]float32, 0, len(examples))
	classOne := make([]diffusion.Tensor, 0, len(examples))
	classTwo := make([]diffusion.Tensor, 0, len(examples))
	for _, ex := range examples {
		classPixels = append(classPixels, ex.ClassPixels)
		classOne = append(classOne, ex.ClassTokensOne)
		classTwo = append(classTwo, ex.ClassTokensTwo)
	}
	if batch.ClassImages, err = stackPixels(classPixels); err != nil {
		return Batch{}, err
	}
	if batch.ClassTokensOne, err = ops.Stack(classOne); err != nil {
		return Batch{}, err
	}
	if batch.ClassTokensTwo, err = ops.Stack(classTwo); err != nil {
		return Batch{}, err
	}

	return batch, nil
}
