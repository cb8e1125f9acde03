package model_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/loramint/loramint/pkg/diffusion"
	"github.com/loramint/loramint/pkg/diffusion/diffusiontest"
	"github.com/loramint/loramint/pkg/model"
)

var _ = Describe("Manager", func() {
	var (
		dir string
		rt  *diffusiontest.Runtime
		mgr *model.Manager
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "models")
		Expect(err).ToNot(HaveOccurred())

		rt = &diffusiontest.Runtime{}
		mgr, err = model.NewManager(dir, rt, model.DefaultCatalog())
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	markDownloaded := func(id string, nested bool) {
		root := mgr.ModelPath(id)
		if nested {
			root = filepath.Join(root, "snapshot")
		}
		Expect(os.MkdirAll(root, 0750)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, "model_index.json"), []byte("{}"), 0644)).To(Succeed())
	}

	Describe("IsDownloaded", func() {
		It("is false for an empty model directory", func() {
			Expect(mgr.IsDownloaded("sdxl-base")).To(BeFalse())
		})

		It("accepts a marker at the snapshot root", func() {
			markDownloaded("sdxl-base", false)
			Expect(mgr.IsDownloaded("sdxl-base")).To(BeTrue())
		})

		It("accepts a marker one directory down", func() {
			markDownloaded("sdxl-base", true)
			Expect(mgr.IsDownloaded("sdxl-base")).To(BeTrue())
		})

		It("ignores markers nested deeper than one level", func() {
			deep := filepath.Join(mgr.ModelPath("sdxl-base"), "a", "b")
			Expect(os.MkdirAll(deep, 0750)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(deep, "config.json"), []byte("{}"), 0644)).To(Succeed())
			Expect(mgr.IsDownloaded("sdxl-base")).To(BeFalse())
		})
	})

	Describe("ListModels", func() {
		It("reports download and load state per model", func() {
			markDownloaded("sdxl-turbo", false)
			Expect(mgr.LoadModel(context.Background(), "sdxl-turbo")).To(BeTrue())

			statuses := mgr.ListModels()
			Expect(statuses).To(HaveLen(3))
			byID := map[string]model.Status{}
			for _, s := range statuses {
				byID[s.ID] = s
			}
			Expect(byID["sdxl-turbo"].IsDownloaded).To(BeTrue())
			Expect(byID["sdxl-turbo"].IsLoaded).To(BeTrue())
			Expect(byID["sdxl-turbo"].LocalPath).To(Equal(mgr.ModelPath("sdxl-turbo")))
			Expect(byID["sdxl-base"].IsDownloaded).To(BeFalse())
			Expect(byID["sdxl-base"].IsLoaded).To(BeFalse())
		})
	})

	Describe("LoadModel", func() {
		It("refuses unknown models", func() {
			Expect(mgr.LoadModel(context.Background(), "nope")).To(BeFalse())
			Expect(mgr.CurrentModelID()).To(BeEmpty())
		})

		It("loads from the local snapshot when downloaded", func() {
			markDownloaded("sdxl-base", false)
			Expect(mgr.LoadModel(context.Background(), "sdxl-base")).To(BeTrue())
			Expect(rt.LoadedSources).To(Equal([]string{mgr.ModelPath("sdxl-base")}))
			Expect(mgr.Pipeline()).ToNot(BeNil())
			Expect(mgr.CurrentModelID()).To(Equal("sdxl-base"))
		})

		It("falls back to the repository id when not downloaded", func() {
			Expect(mgr.LoadModel(context.Background(), "sdxl-base")).To(BeTrue())
			Expect(rt.LoadedSources).To(Equal([]string{"stabilityai/stable-diffusion-xl-base-1.0"}))
		})

		It("is a no-op when the model is already resident", func() {
			Expect(mgr.LoadModel(context.Background(), "sdxl-base")).To(BeTrue())
			Expect(mgr.LoadModel(context.Background(), "sdxl-base")).To(BeTrue())
			Expect(rt.LoadedSources).To(HaveLen(1))
		})

		It("evicts the resident pipeline before loading another model", func() {
			Expect(mgr.LoadModel(context.Background(), "sdxl-base")).To(BeTrue())
			first := rt.LastPipeline

			Expect(mgr.LoadModel(context.Background(), "sdxl-turbo")).To(BeTrue())
			Expect(first.Closed).To(BeTrue())
			Expect(mgr.CurrentModelID()).To(Equal("sdxl-turbo"))
			Expect(rt.FreeMemoryCalls).To(BeNumerically(">=", 1))
		})

		It("chooses half precision only when a GPU is available", func() {
			var seen []diffusion.Precision
			rt.LoadPipelineFn = func(ctx context.Context, source string, p diffusion.Precision) (diffusion.Pipeline, error) {
				seen = append(seen, p)
				return &diffusiontest.Pipeline{}, nil
			}

			Expect(mgr.LoadModel(context.Background(), "sdxl-base")).To(BeTrue())

			rt.GPU = true
			Expect(mgr.LoadModel(context.Background(), "sdxl-turbo")).To(BeTrue())

			Expect(seen).To(Equal([]diffusion.Precision{diffusion.Full, diffusion.Half}))
		})

		It("leaves nothing resident after a load failure", func() {
			rt.LoadPipelineFn = func(ctx context.Context, source string, p diffusion.Precision) (diffusion.Pipeline, error) {
				return nil, errors.New("out of memory")
			}

			Expect(mgr.LoadModel(context.Background(), "sdxl-base")).To(BeFalse())
			Expect(mgr.Pipeline()).To(BeNil())
			Expect(mgr.CurrentModelID()).To(BeEmpty())
			Expect(rt.FreeMemoryCalls).To(BeNumerically(">=", 1))
		})
	})

	Describe("UnloadModel", func() {
		It("closes the pipeline and is idempotent", func() {
			Expect(mgr.LoadModel(context.Background(), "sdxl-base")).To(BeTrue())
			pipeline := rt.LastPipeline

			mgr.UnloadModel()
			Expect(pipeline.Closed).To(BeTrue())
			Expect(mgr.Pipeline()).To(BeNil())
			Expect(mgr.CurrentModelID()).To(BeEmpty())

			mgr.UnloadModel()
			Expect(mgr.Pipeline()).To(BeNil())
		})
	})

	Describe("per-model settings", func() {
		It("returns configured inference steps with a 30-step fallback", func() {
			Expect(mgr.InferenceSteps("sdxl-turbo")).To(Equal(1))
			Expect(mgr.InferenceSteps("z-image-turbo")).To(Equal(8))
			Expect(mgr.InferenceSteps("unknown")).To(Equal(30))
			Expect(mgr.InferenceSteps("")).To(Equal(30))
		})

		It("resolves the resident model for an empty id", func() {
			Expect(mgr.LoadModel(context.Background(), "sdxl-turbo")).To(BeTrue())
			Expect(mgr.InferenceSteps("")).To(Equal(1))
			Expect(mgr.SupportsLora("")).To(BeTrue())
		})

		It("reports adapter support with a permissive fallback", func() {
			Expect(mgr.SupportsLora("z-image-turbo")).To(BeFalse())
			Expect(mgr.SupportsLora("sdxl-base")).To(BeTrue())
			Expect(mgr.SupportsLora("unknown")).To(BeTrue())
		})
	})

	Describe("DownloadModel", func() {
		It("emits a single error event for unknown models", func() {
			events := mgr.DownloadModel(context.Background(), "nope")

			var received []string
			for ev := range events {
				received = append(received, ev.Event)
				Expect(ev.Terminal()).To(BeTrue())
				Expect(ev.Error).To(ContainSubstring("unknown model"))
				Expect(ev.ModelID).To(Equal("nope"))
			}
			Expect(received).To(HaveLen(1))
		})
	})
})
