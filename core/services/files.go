package services

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loramint/loramint/core/schema"
)

// FileStore manages the per-user on-disk layout: uploaded training
// images (temporary), trained adapters, and generated outputs.
type FileStore struct {
	lorasPath   string
	outputsPath string
	tempPath    string
}

func NewFileStore(lorasPath, outputsPath, tempPath string) (*FileStore, error) {
	for _, dir := range []string{lorasPath, outputsPath, tempPath} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, err
		}
	}
	return &FileStore{
		lorasPath:   lorasPath,
		outputsPath: outputsPath,
		tempPath:    tempPath,
	}, nil
}

// SaveTempImages writes uploaded files into a fresh per-request temp
// directory and returns their paths, in upload order.
func (f *FileStore) SaveTempImages(files []*multipart.FileHeader) ([]string, error) {
	tempDir := filepath.Join(f.tempPath, uuid.New().String())
	if err := os.MkdirAll(tempDir, 0750); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(files))
	for idx, fh := range files {
		ext := filepath.Ext(fh.Filename)
		if ext == "" {
			ext = ".jpg"
		}
		path := filepath.Join(tempDir, fmt.Sprintf("image_%d%s", idx, ext))

		if err := saveUpload(fh, path); err != nil {
			f.CleanupTemp(paths)
			return nil, fmt.Errorf("saving upload %q: %w", fh.Filename, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func saveUpload(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// CleanupTemp removes the per-request temp directory the given paths
// live in. Errors are logged, not returned: cleanup is best effort.
func (f *FileStore) CleanupTemp(paths []string) {
	if len(paths) == 0 {
		return
	}
	dir := filepath.Dir(paths[0])
	// Only ever delete inside our own temp root.
	if rel, err := filepath.Rel(f.tempPath, dir); err != nil || strings.HasPrefix(rel, "..") {
		log.Warn().Str("dir", dir).Msg("refusing to clean directory outside temp root")
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("temp cleanup failed")
	}
}

// loraSidecar is the subset of the training metadata sidecar the
// listing needs.
type loraSidecar struct {
	TriggerWord string `json:"trigger_word"`
	LoraRank    string `json:"lora_rank"`
}

// UserLoras lists a user's trained adapters, newest first. Trigger word
// and rank come from the metadata sidecar when present.
func (f *FileStore) UserLoras(userID string) ([]schema.LoraInfo, error) {
	dir := filepath.Join(f.lorasPath, userID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []schema.LoraInfo{}, nil
		}
		return nil, err
	}

	type dated struct {
		info schema.LoraInfo
		at   time.Time
	}
	loras := make([]dated, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".safetensors") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}

		item := schema.LoraInfo{
			Filename:    e.Name(),
			Path:        filepath.Join(dir, e.Name()),
			SizeMB:      float64(info.Size()) / (1024 * 1024),
			Created:     info.ModTime().Format(time.RFC3339),
			TriggerWord: "unknown",
			LoraRank:    "unknown",
		}

		stem := strings.TrimSuffix(e.Name(), ".safetensors")
		if sidecar, err := readSidecar(filepath.Join(dir, stem+"_metadata.json")); err == nil {
			if sidecar.TriggerWord != "" {
				item.TriggerWord = sidecar.TriggerWord
			}
			if sidecar.LoraRank != "" {
				item.LoraRank = sidecar.LoraRank
			}
		}
		loras = append(loras, dated{info: item, at: info.ModTime()})
	}

	sort.Slice(loras, func(i, j int) bool {
		return loras[i].at.After(loras[j].at)
	})
	out := make([]schema.LoraInfo, 0, len(loras))
	for _, l := range loras {
		out = append(out, l.info)
	}
	return out, nil
}

func readSidecar(path string) (loraSidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return loraSidecar{}, err
	}
	var sidecar loraSidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return loraSidecar{}, err
	}
	return sidecar, nil
}

// UserImages lists a user's generated images, newest first.
func (f *FileStore) UserImages(userID string) ([]schema.ImageInfo, error) {
	dir := filepath.Join(f.outputsPath, userID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []schema.ImageInfo{}, nil
		}
		return nil, err
	}

	type dated struct {
		info schema.ImageInfo
		at   time.Time
	}
	images := make([]dated, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
		default:
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		images = append(images, dated{
			info: schema.ImageInfo{
				Filename: e.Name(),
				URL:      fmt.Sprintf("/outputs/%s/%s", userID, e.Name()),
				Created:  info.ModTime().Format(time.RFC3339),
			},
			at: info.ModTime(),
		})
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].at.After(images[j].at)
	})
	out := make([]schema.ImageInfo, 0, len(images))
	for _, im := range images {
		out = append(out, im.info)
	}
	return out, nil
}
