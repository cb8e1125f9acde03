package training_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/loramint/loramint/pkg/training"
)

var _ = Describe("Config", func() {
	Describe("trigger word derivation", func() {
		It("strips non-alphanumerics and lowercases", func() {
			Expect(training.DeriveTriggerWord("My Cat!")).To(Equal("sks_mycat"))
			Expect(training.DeriveTriggerWord("Robo-Dog_2")).To(Equal("sks_robodog2"))
			Expect(training.DeriveTriggerWord("cat")).To(Equal("sks_cat"))
		})

		It("is derived from the original name, not the timestamped one", func() {
			cfg := training.NewConfig("cat_20260823_120000", "u1", "/tmp/out",
				training.WithOriginalName("cat"))
			Expect(cfg.TriggerWord()).To(Equal("sks_cat"))
		})

		It("falls back to the job name without an original name", func() {
			cfg := training.NewConfig("dog", "u1", "/tmp/out")
			Expect(cfg.TriggerWord()).To(Equal("sks_dog"))
		})

		It("lets an explicit trigger word win", func() {
			cfg := training.NewConfig("cat", "u1", "/tmp/out",
				training.WithTriggerWord("zxy_token"))
			Expect(cfg.TriggerWord()).To(Equal("zxy_token"))
		})
	})

	Describe("derived prompts", func() {
		It("embeds the trigger word", func() {
			cfg := training.NewConfig("cat", "u1", "/tmp/out")
			Expect(cfg.InstancePrompt()).To(Equal("a photo of sks_cat"))
			Expect(cfg.ValidationPrompt()).To(Equal("a photo of sks_cat"))
		})
	})

	Describe("defaults", func() {
		It("matches the memory-constrained training profile", func() {
			cfg := training.NewConfig("cat", "u1", "/tmp/out")
			Expect(cfg.Rank()).To(Equal(8))
			Expect(cfg.Alpha()).To(Equal(16))
			Expect(cfg.Epochs()).To(Equal(100))
			Expect(cfg.LearningRate()).To(Equal(1e-4))
			Expect(cfg.BatchSize()).To(Equal(1))
			Expect(cfg.GradAccumSteps()).To(Equal(4))
			Expect(cfg.PriorPreservation()).To(BeTrue())
			Expect(cfg.PriorLossWeight()).To(Equal(1.0))
			Expect(cfg.ClassPrompt()).To(Equal("a photo"))
			Expect(cfg.NumClassImages()).To(Equal(50))
			Expect(cfg.GradientCheckpointing()).To(BeTrue())
			Expect(cfg.Use8BitAdam()).To(BeTrue())
			Expect(cfg.LRScheduler()).To(Equal("cosine"))
			Expect(cfg.LRWarmupSteps()).To(Equal(50))
			Expect(cfg.Resolution()).To(Equal(1024))
			Expect(cfg.Seed()).To(Equal(int64(42)))
			Expect(cfg.TargetModules()).To(Equal([]string{"to_k", "to_q", "to_v", "to_out.0"}))
		})
	})

	Describe("fast mode", func() {
		It("reduces class images and epochs", func() {
			cfg := training.NewConfig("cat", "u1", "/tmp/out",
				training.WithFastMode(true))
			Expect(cfg.NumClassImages()).To(Equal(25))
			Expect(cfg.Epochs()).To(Equal(75))
		})

		It("never raises an already lower class-image count", func() {
			cfg := training.NewConfig("cat", "u1", "/tmp/out",
				training.WithFastMode(true),
				training.WithNumClassImages(10))
			Expect(cfg.NumClassImages()).To(Equal(10))
		})

		It("floors the epoch count at 50", func() {
			cfg := training.NewConfig("cat", "u1", "/tmp/out",
				training.WithFastMode(true),
				training.WithEpochs(60))
			Expect(cfg.Epochs()).To(Equal(50))
		})
	})

	Describe("immutability", func() {
		It("hands out copies of the target module list", func() {
			cfg := training.NewConfig("cat", "u1", "/tmp/out")
			modules := cfg.TargetModules()
			modules[0] = "mutated"
			Expect(cfg.TargetModules()[0]).To(Equal("to_k"))
		})
	})

	Describe("RecommendedForImageCount", func() {
		It("resists overfitting on very small datasets", func() {
			for _, n := range []int{1, 2} {
				s := training.RecommendedForImageCount(n)
				Expect(s.Epochs).To(Equal(200))
				Expect(s.LearningRate).To(Equal(5e-5))
				Expect(s.Rank).To(Equal(4))
				Expect(s.PriorPreservation).To(BeTrue())
			}
		})

		It("uses the balanced profile for 3-4 images", func() {
			for _, n := range []int{3, 4} {
				s := training.RecommendedForImageCount(n)
				Expect(s.Epochs).To(Equal(150))
				Expect(s.LearningRate).To(Equal(1e-4))
				Expect(s.Rank).To(Equal(8))
			}
		})

		It("uses the standard profile for 5 images", func() {
			s := training.RecommendedForImageCount(5)
			Expect(s.Epochs).To(Equal(100))
			Expect(s.LearningRate).To(Equal(1e-4))
			Expect(s.Rank).To(Equal(8))
		})

		It("shifts monotonically toward fewer epochs as images grow", func() {
			prev := training.RecommendedForImageCount(1).Epochs
			for n := 2; n <= 5; n++ {
				cur := training.RecommendedForImageCount(n).Epochs
				Expect(cur).To(BeNumerically("<=", prev))
				prev = cur
			}
		})
	})
})
