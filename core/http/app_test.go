package http_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gofiber/fiber/v2"

	"github.com/loramint/loramint/core/config"
	apphttp "github.com/loramint/loramint/core/http"
	"github.com/loramint/loramint/core/schema"
	"github.com/loramint/loramint/core/services"
	"github.com/loramint/loramint/pkg/diffusion/diffusiontest"
	"github.com/loramint/loramint/pkg/model"
)

func pngBytes(c color.Color, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

// sseEvents parses "data: <json>" frames from a response body.
func sseEvents(body []byte) []schema.ProgressEvent {
	var events []schema.ProgressEvent
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev schema.ProgressEvent
		Expect(json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev)).To(Succeed())
		events = append(events, ev)
	}
	return events
}

var _ = Describe("API", func() {
	var (
		dir string
		rt  *diffusiontest.Runtime
		mgr *model.Manager
		app *fiber.App
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "loramint-api")
		Expect(err).ToNot(HaveOccurred())

		appConfig := config.NewApplicationConfig(config.WithDataPath(dir))

		rt = &diffusiontest.Runtime{}
		mgr, err = model.NewManager(appConfig.ModelsPath, rt, model.DefaultCatalog())
		Expect(err).ToNot(HaveOccurred())

		generation, err := services.NewGenerationService(mgr, appConfig.LorasPath, appConfig.OutputsPath)
		Expect(err).ToNot(HaveOccurred())
		training, err := services.NewTrainingService(mgr, rt, appConfig.LorasPath)
		Expect(err).ToNot(HaveOccurred())
		files, err := services.NewFileStore(appConfig.LorasPath, appConfig.OutputsPath, appConfig.TempPath)
		Expect(err).ToNot(HaveOccurred())

		app = apphttp.App(appConfig, rt, mgr, generation, training, files)
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	getJSON := func(path string, out any) *nethttp.Response {
		req, err := nethttp.NewRequest(nethttp.MethodGet, path, nil)
		Expect(err).ToNot(HaveOccurred())
		resp, err := app.Test(req, -1)
		Expect(err).ToNot(HaveOccurred())
		if out != nil {
			Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
		}
		return resp
	}

	postJSON := func(path string, body any, out any) *nethttp.Response {
		payload, err := json.Marshal(body)
		Expect(err).ToNot(HaveOccurred())
		req, err := nethttp.NewRequest(nethttp.MethodPost, path, bytes.NewReader(payload))
		Expect(err).ToNot(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, -1)
		Expect(err).ToNot(HaveOccurred())
		if out != nil {
			Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
		}
		return resp
	}

	Describe("service endpoints", func() {
		It("answers the root path", func() {
			var body map[string]string
			resp := getJSON("/", &body)
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))
			Expect(body["status"]).To(Equal("ok"))
		})

		It("reports health with the runtime's GPU flag", func() {
			var health schema.HealthResponse
			resp := getJSON("/health", &health)
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))
			Expect(health.Status).To(Equal("healthy"))
			Expect(health.GPUAvailable).To(BeFalse())
		})

		It("returns a GPU snapshot", func() {
			var snap map[string]any
			resp := getJSON("/gpu", &snap)
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))
			Expect(snap).To(HaveKey("available"))
		})
	})

	Describe("model endpoints", func() {
		It("lists the catalog with download and load state", func() {
			var body struct {
				Success      bool           `json:"success"`
				Models       []model.Status `json:"models"`
				CurrentModel string         `json:"current_model"`
			}
			resp := getJSON("/models", &body)
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))
			Expect(body.Success).To(BeTrue())
			Expect(body.CurrentModel).To(BeEmpty())

			ids := map[string]bool{}
			for _, m := range body.Models {
				ids[m.ID] = true
				Expect(m.IsLoaded).To(BeFalse())
			}
			Expect(ids).To(HaveKey("sdxl-base"))
		})

		It("loads and unloads a model", func() {
			var loaded schema.SuccessResponse
			resp := postJSON("/models/sdxl-base/load", nil, &loaded)
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))
			Expect(loaded.Success).To(BeTrue())
			Expect(mgr.CurrentModelID()).To(Equal("sdxl-base"))

			var unloaded schema.SuccessResponse
			resp = postJSON("/models/unload", nil, &unloaded)
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))
			Expect(unloaded.Success).To(BeTrue())
			Expect(mgr.CurrentModelID()).To(BeEmpty())
		})

		It("rejects loading an unknown model", func() {
			var body schema.ErrorResponse
			resp := postJSON("/models/never-heard-of-it/load", nil, &body)
			Expect(resp.StatusCode).To(Equal(fiber.StatusNotFound))
			Expect(body.Error).ToNot(BeNil())
			Expect(body.Error.Message).To(ContainSubstring("never-heard-of-it"))
		})

		It("streams a single error event for an unknown download", func() {
			req, err := nethttp.NewRequest(nethttp.MethodPost, "/models/never-heard-of-it/download", nil)
			Expect(err).ToNot(HaveOccurred())
			resp, err := app.Test(req, -1)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("text/event-stream"))

			body, err := io.ReadAll(resp.Body)
			Expect(err).ToNot(HaveOccurred())
			events := sseEvents(body)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Event).To(Equal(schema.EventError))
		})
	})

	Describe("generation endpoints", func() {
		It("requires a prompt and a user", func() {
			var body schema.ErrorResponse
			resp := postJSON("/generate", schema.GenerateRequest{UserID: "u1"}, &body)
			Expect(resp.StatusCode).To(Equal(fiber.StatusBadRequest))
			Expect(body.Error.Message).To(ContainSubstring("prompt"))

			resp = postJSON("/generate", schema.GenerateRequest{Prompt: "a cat"}, &body)
			Expect(resp.StatusCode).To(Equal(fiber.StatusBadRequest))
			Expect(body.Error.Message).To(ContainSubstring("userId"))
		})

		It("generates an image and serves it under /outputs", func() {
			var body schema.GenerateResponse
			resp := postJSON("/generate", schema.GenerateRequest{Prompt: "a cat", UserID: "u1"}, &body)
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))
			Expect(body.Success).To(BeTrue())
			Expect(body.ImagePath).To(HavePrefix("/outputs/u1/"))

			onDisk := filepath.Join(dir, "outputs", "u1", filepath.Base(body.ImagePath))
			Expect(onDisk).To(BeAnExistingFile())

			served := getJSON(body.ImagePath, nil)
			Expect(served.StatusCode).To(Equal(fiber.StatusOK))
		})

		It("streams progress events ending in a terminal complete", func() {
			payload, err := json.Marshal(schema.GenerateRequest{Prompt: "a cat", UserID: "u1"})
			Expect(err).ToNot(HaveOccurred())
			req, err := nethttp.NewRequest(nethttp.MethodPost, "/generate/stream", bytes.NewReader(payload))
			Expect(err).ToNot(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req, -1)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("text/event-stream"))

			body, err := io.ReadAll(resp.Body)
			Expect(err).ToNot(HaveOccurred())
			events := sseEvents(body)
			Expect(len(events)).To(BeNumerically(">", 1))

			final := events[len(events)-1]
			Expect(final.Event).To(Equal(schema.EventComplete))
			Expect(final.Success).To(BeTrue())
			Expect(final.ImagePath).To(HavePrefix("/outputs/u1/"))
			for _, ev := range events[:len(events)-1] {
				Expect(ev.Event).To(Equal(schema.EventProgress))
			}
		})
	})

	Describe("training endpoints", func() {
		trainForm := func(fields map[string]string, images int) (*bytes.Buffer, string) {
			var buf bytes.Buffer
			writer := multipart.NewWriter(&buf)
			for k, v := range fields {
				Expect(writer.WriteField(k, v)).To(Succeed())
			}
			for i := 0; i < images; i++ {
				part, err := writer.CreateFormFile("images", "img.png")
				Expect(err).ToNot(HaveOccurred())
				_, err = part.Write(pngBytes(color.RGBA{R: 200, A: 255}, 64, 64))
				Expect(err).ToNot(HaveOccurred())
			}
			Expect(writer.Close()).To(Succeed())
			return &buf, writer.FormDataContentType()
		}

		postForm := func(path string, body *bytes.Buffer, contentType string) *nethttp.Response {
			req, err := nethttp.NewRequest(nethttp.MethodPost, path, body)
			Expect(err).ToNot(HaveOccurred())
			req.Header.Set("Content-Type", contentType)
			resp, err := app.Test(req, -1)
			Expect(err).ToNot(HaveOccurred())
			return resp
		}

		It("trains a LoRA from uploaded images", func() {
			form, contentType := trainForm(map[string]string{
				"loraName":              "cat",
				"userId":                "u1",
				"numTrainEpochs":        "2",
				"withPriorPreservation": "false",
			}, 2)

			resp := postForm("/train-lora", form, contentType)
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

			var body schema.TrainResponse
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body.Success).To(BeTrue())
			Expect(body.TriggerWord).To(Equal("sks_cat"))
			Expect(body.LoraPath).To(BeAnExistingFile())

			// The temp upload directory is gone once the job finishes.
			entries, err := os.ReadDir(filepath.Join(dir, "temp"))
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("rejects a request without images", func() {
			form, contentType := trainForm(map[string]string{
				"loraName": "cat",
				"userId":   "u1",
			}, 0)

			resp := postForm("/train-lora", form, contentType)
			Expect(resp.StatusCode).To(Equal(fiber.StatusBadRequest))
		})

		It("rejects a malformed epoch count", func() {
			form, contentType := trainForm(map[string]string{
				"loraName":       "cat",
				"userId":         "u1",
				"numTrainEpochs": "lots",
			}, 1)

			resp := postForm("/train-lora", form, contentType)
			Expect(resp.StatusCode).To(Equal(fiber.StatusBadRequest))
		})

		It("streams training progress ending in a terminal complete", func() {
			form, contentType := trainForm(map[string]string{
				"loraName":              "cat",
				"userId":                "u1",
				"numTrainEpochs":        "2",
				"withPriorPreservation": "false",
			}, 2)

			resp := postForm("/train-lora/stream", form, contentType)
			Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("text/event-stream"))

			body, err := io.ReadAll(resp.Body)
			Expect(err).ToNot(HaveOccurred())
			events := sseEvents(body)
			Expect(events).ToNot(BeEmpty())

			final := events[len(events)-1]
			Expect(final.Event).To(Equal(schema.EventComplete))
			Expect(final.Success).To(BeTrue())
			Expect(final.LoraPath).ToNot(BeEmpty())
			Expect(final.TriggerWord).To(Equal("sks_cat"))
		})
	})

	Describe("listing endpoints", func() {
		It("lists a user's adapters", func() {
			userDir := filepath.Join(dir, "loras", "u1")
			Expect(os.MkdirAll(userDir, 0750)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(userDir, "cat_20260101_000000.safetensors"), []byte("w"), 0644)).To(Succeed())

			var body schema.ListLorasResponse
			resp := getJSON("/loras/u1", &body)
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))
			Expect(body.Success).To(BeTrue())
			Expect(body.Loras).To(HaveLen(1))
			Expect(body.Loras[0].Filename).To(Equal("cat_20260101_000000.safetensors"))
		})

		It("lists a user's generated images", func() {
			userDir := filepath.Join(dir, "outputs", "u1")
			Expect(os.MkdirAll(userDir, 0750)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(userDir, "generated_1.png"), pngBytes(color.White, 8, 8), 0644)).To(Succeed())

			var body schema.ListImagesResponse
			resp := getJSON("/images/u1", &body)
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))
			Expect(body.Success).To(BeTrue())
			Expect(body.Images).To(HaveLen(1))
			Expect(body.Images[0].URL).To(Equal("/outputs/u1/generated_1.png"))
		})

		It("returns empty lists for unknown users", func() {
			var loras schema.ListLorasResponse
			getJSON("/loras/nobody", &loras)
			Expect(loras.Success).To(BeTrue())
			Expect(loras.Loras).To(BeEmpty())

			var images schema.ListImagesResponse
			getJSON("/images/nobody", &images)
			Expect(images.Success).To(BeTrue())
			Expect(images.Images).To(BeEmpty())
		})
	})
})
