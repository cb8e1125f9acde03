// Package downloader fetches model artifacts over HTTP with progress
// reporting and partial-file resume semantics.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// ProgressFunc receives per-chunk download progress. current and total are
// human-readable sizes; percentage covers the whole multi-file operation.
type ProgressFunc func(fileName, current, total string, percentage float64)

func removePartialFile(tmpFilePath string) error {
	_, err := os.Stat(tmpFilePath)
	if err == nil {
		log.Debug().Msgf("Removing temporary file %s", tmpFilePath)
		if err := os.Remove(tmpFilePath); err != nil {
			return fmt.Errorf("failed to remove temporary download file %s: %v", tmpFilePath, err)
		}
	}
	return nil
}

// DownloadFile fetches url into filePath. An existing complete file is
// kept as-is; interrupted transfers leave a .partial file that is redone
// from scratch. fileNo/totalFiles frame this file inside a larger
// multi-file download for percentage reporting.
func DownloadFile(ctx context.Context, url, filePath string, fileNo, totalFiles int, downloadStatus ProgressFunc) error {
	if _, err := os.Stat(filePath); err == nil {
		log.Debug().Msgf("File %q already exists. Skipping download", filePath)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check file %q existence: %v", filePath, err)
	}

	log.Info().Msgf("Downloading %q", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download file %q: %v", filePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("failed to download url %q, invalid status code %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0750); err != nil {
		return fmt.Errorf("failed to create parent directory for file %q: %v", filePath, err)
	}

	tmpFilePath := filePath + ".partial"
	if err := removePartialFile(tmpFilePath); err != nil {
		return err
	}

	outFile, err := os.Create(tmpFilePath)
	if err != nil {
		return fmt.Errorf("failed to create file %q: %v", tmpFilePath, err)
	}
	defer outFile.Close()

	progress := &progressWriter{
		fileName:       filepath.Base(filePath),
		total:          resp.ContentLength,
		fileNo:         fileNo,
		totalFiles:     totalFiles,
		downloadStatus: downloadStatus,
		ctx:            ctx,
	}
	if _, err := io.Copy(io.MultiWriter(outFile, progress), resp.Body); err != nil {
		return fmt.Errorf("failed to write file %q: %v", filePath, err)
	}

	if err := os.Rename(tmpFilePath, filePath); err != nil {
		return fmt.Errorf("failed to rename temporary file %s -> %s: %v", tmpFilePath, filePath, err)
	}

	log.Debug().Msgf("File %q downloaded", filePath)
	return nil
}
