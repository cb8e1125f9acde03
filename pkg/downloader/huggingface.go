package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrRepositoryNotFound is returned when the remote repository does not
// exist (or is gated and invisible to anonymous requests).
var ErrRepositoryNotFound = errors.New("repository not found")

// Overridable for tests.
var huggingFaceHost = "https://huggingface.co"

type repoSibling struct {
	Rfilename string `json:"rfilename"`
}

type repoInfo struct {
	ID       string        `json:"id"`
	Siblings []repoSibling `json:"siblings"`
}

// defaultIgnorePatterns matches documentation and alternate-format files
// that a text-to-image snapshot never needs.
var defaultIgnorePatterns = []string{
	"*.md", "README.txt", "LICENSE.txt", "*.gitignore", "*.onnx", "*.onnx_data",
}

func ignored(name string, patterns []string) bool {
	base := filepath.Base(name)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

// ListRepositoryFiles returns the file names of a HuggingFace repository
// at its main revision.
func ListRepositoryFiles(ctx context.Context, repoID string) ([]string, error) {
	url := fmt.Sprintf("%s/api/models/%s", huggingFaceHost, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, repoID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code listing repository %q: %d", repoID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	info := &repoInfo{}
	if err := json.Unmarshal(body, info); err != nil {
		return nil, err
	}

	files := make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		files = append(files, s.Rfilename)
	}
	return files, nil
}

// SnapshotDownload mirrors a HuggingFace repository into destPath,
// skipping files already present. Files are fetched one at a time; the
// resolve endpoint handles range resumption server-side, and we keep a
// single connection to stay gentle on home networks.
func SnapshotDownload(ctx context.Context, repoID, destPath string, downloadStatus ProgressFunc) error {
	files, err := ListRepositoryFiles(ctx, repoID)
	if err != nil {
		return err
	}

	wanted := make([]string, 0, len(files))
	for _, f := range files {
		if ignored(f, defaultIgnorePatterns) {
			continue
		}
		wanted = append(wanted, f)
	}

	log.Info().Str("repository", repoID).Int("files", len(wanted)).Msg("downloading snapshot")

	for i, f := range wanted {
		if strings.Contains(f, "..") {
			return fmt.Errorf("refusing suspicious path %q in repository %s", f, repoID)
		}
		url := fmt.Sprintf("%s/%s/resolve/main/%s", huggingFaceHost, repoID, f)
		if err := DownloadFile(ctx, url, filepath.Join(destPath, filepath.FromSlash(f)), i, len(wanted), downloadStatus); err != nil {
			return fmt.Errorf("downloading %s from %s: %w", f, repoID, err)
		}
	}
	return nil
}
