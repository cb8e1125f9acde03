package downloader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("DownloadFile", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "downloader")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("downloads a file and reports progress", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("weights"))
		}))
		defer server.Close()

		var percentages []float64
		dest := filepath.Join(dir, "model.safetensors")
		err := DownloadFile(context.Background(), server.URL, dest, 0, 1,
			func(fileName, current, total string, percentage float64) {
				Expect(fileName).To(Equal("model.safetensors"))
				percentages = append(percentages, percentage)
			})
		Expect(err).ToNot(HaveOccurred())

		data, err := os.ReadFile(dest)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("weights"))
		Expect(percentages).ToNot(BeEmpty())
		Expect(percentages[len(percentages)-1]).To(BeNumerically("==", 100))

		Expect(dest + ".partial").ToNot(BeAnExistingFile())
	})

	It("skips files that already exist", func() {
		hits := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
		}))
		defer server.Close()

		dest := filepath.Join(dir, "model.safetensors")
		Expect(os.WriteFile(dest, []byte("existing"), 0644)).To(Succeed())

		Expect(DownloadFile(context.Background(), server.URL, dest, 0, 1, nil)).To(Succeed())
		Expect(hits).To(BeZero())

		data, err := os.ReadFile(dest)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("existing"))
	})

	It("fails on an HTTP error status", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		err := DownloadFile(context.Background(), server.URL, filepath.Join(dir, "missing"), 0, 1, nil)
		Expect(err).To(HaveOccurred())
		Expect(filepath.Join(dir, "missing")).ToNot(BeAnExistingFile())
	})

	It("creates missing parent directories", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("cfg"))
		}))
		defer server.Close()

		dest := filepath.Join(dir, "vae", "config.json")
		Expect(DownloadFile(context.Background(), server.URL, dest, 0, 1, nil)).To(Succeed())
		Expect(dest).To(BeAnExistingFile())
	})
})

var _ = Describe("SnapshotDownload", func() {
	var (
		dir    string
		server *httptest.Server
	)

	repoFiles := map[string]string{
		"model_index.json":                 `{"_class_name": "StableDiffusionXLPipeline"}`,
		"unet/diffusion_pytorch_model.bin": "unet-weights",
		"vae/config.json":                  `{"scaling_factor": 0.13025}`,
		"README.md":                        "docs",
		"text_encoder/model.onnx":          "onnx",
	}

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "snapshot")
		Expect(err).ToNot(HaveOccurred())

		mux := http.NewServeMux()
		mux.HandleFunc("/api/models/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/models/acme/missing" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			info := repoInfo{ID: "acme/sdxl"}
			for name := range repoFiles {
				info.Siblings = append(info.Siblings, repoSibling{Rfilename: name})
			}
			Expect(json.NewEncoder(w).Encode(info)).To(Succeed())
		})
		mux.HandleFunc("/acme/sdxl/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
			name := r.URL.Path[len("/acme/sdxl/resolve/main/"):]
			content, ok := repoFiles[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte(content))
		})
		server = httptest.NewServer(mux)
		huggingFaceHost = server.URL
	})

	AfterEach(func() {
		huggingFaceHost = "https://huggingface.co"
		server.Close()
		os.RemoveAll(dir)
	})

	It("mirrors the repository, skipping docs and alternate formats", func() {
		Expect(SnapshotDownload(context.Background(), "acme/sdxl", dir, nil)).To(Succeed())

		Expect(filepath.Join(dir, "model_index.json")).To(BeAnExistingFile())
		Expect(filepath.Join(dir, "unet", "diffusion_pytorch_model.bin")).To(BeAnExistingFile())
		Expect(filepath.Join(dir, "vae", "config.json")).To(BeAnExistingFile())

		Expect(filepath.Join(dir, "README.md")).ToNot(BeAnExistingFile())
		Expect(filepath.Join(dir, "text_encoder", "model.onnx")).ToNot(BeAnExistingFile())
	})

	It("reports a whole-operation percentage across files", func() {
		var last float64
		Expect(SnapshotDownload(context.Background(), "acme/sdxl", dir,
			func(fileName, current, total string, percentage float64) {
				Expect(percentage).To(BeNumerically(">=", last))
				last = percentage
			})).To(Succeed())
		Expect(last).To(BeNumerically("==", 100))
	})

	It("wraps a missing repository in ErrRepositoryNotFound", func() {
		err := SnapshotDownload(context.Background(), "acme/missing", dir, nil)
		Expect(err).To(MatchError(ErrRepositoryNotFound))
	})
})

var _ = Describe("ListRepositoryFiles", func() {
	It("returns sibling file names", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(json.NewEncoder(w).Encode(repoInfo{
				ID:       "acme/sdxl",
				Siblings: []repoSibling{{Rfilename: "a.bin"}, {Rfilename: "b.json"}},
			})).To(Succeed())
		}))
		defer server.Close()
		huggingFaceHost = server.URL
		defer func() { huggingFaceHost = "https://huggingface.co" }()

		files, err := ListRepositoryFiles(context.Background(), "acme/sdxl")
		Expect(err).ToNot(HaveOccurred())
		Expect(files).To(Equal([]string{"a.bin", "b.json"}))
	})
})
