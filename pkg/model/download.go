package model

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/loramint/loramint/core/schema"
	"github.com/loramint/loramint/pkg/downloader"
)

// DownloadModel mirrors the model's repository into the local models
// directory and streams progress events on the returned channel. The
// channel carries zero or more progress events followed by exactly one
// terminal event, then closes. Unknown models produce a single error
// event. Percentages never decrease.
func (m *Manager) DownloadModel(ctx context.Context, id string) <-chan schema.ProgressEvent {
	events := make(chan schema.ProgressEvent, 32)

	cfg, ok := m.catalog.Get(id)
	if !ok {
		go func() {
			defer close(events)
			events <- schema.ProgressEvent{
				Event:   schema.EventError,
				ModelID: id,
				Error:   fmt.Sprintf("%v: %s", ErrUnknownModel, id),
			}
		}()
		return events
	}

	go func() {
		defer close(events)
		m.runDownload(ctx, cfg, events)
	}()
	return events
}

func (m *Manager) runDownload(ctx context.Context, cfg Config, events chan<- schema.ProgressEvent) {
	fail := func(msg string) {
		events <- schema.ProgressEvent{Event: schema.EventError, ModelID: cfg.ID, Error: msg}
	}
	progress := func(pct float64, msg string) {
		events <- schema.ProgressEvent{
			Event:      schema.EventProgress,
			ModelID:    cfg.ID,
			Percentage: pct,
			Message:    msg,
		}
	}

	progress(0, fmt.Sprintf("Starting download of %s...", cfg.Name))

	dest := m.ModelPath(cfg.ID)
	if err := os.MkdirAll(dest, 0750); err != nil {
		fail(fmt.Sprintf("creating model directory: %v", err))
		return
	}

	progress(5, "Connecting to Hugging Face Hub...")

	// Transfer progress maps into the 5..95 band; milestones own the
	// edges. Throttled to whole percents so slow links do not flood the
	// stream, and clamped monotone because per-file math can jitter.
	last := 5.0
	status := func(fileName, current, total string, percentage float64) {
		pct := 5 + percentage*0.9
		if pct < last+1 || pct > 95 {
			return
		}
		last = pct
		progress(pct, fmt.Sprintf("Downloading %s (%s / %s)", fileName, current, total))
	}

	if err := downloader.SnapshotDownload(ctx, cfg.HuggingFaceID, dest, status); err != nil {
		if errors.Is(err, downloader.ErrRepositoryNotFound) {
			fail(fmt.Sprintf("Model repository not found: %s", cfg.HuggingFaceID))
			return
		}
		log.Error().Err(err).Str("model", cfg.ID).Msg("snapshot download failed")
		fail(fmt.Sprintf("Download failed: %v", err))
		return
	}

	progress(95, "Verifying download...")

	if !m.IsDownloaded(cfg.ID) {
		fail("Download completed but model files were not found on disk")
		return
	}

	events <- schema.ProgressEvent{
		Event:      schema.EventComplete,
		ModelID:    cfg.ID,
		Percentage: 100,
		Message:    fmt.Sprintf("%s downloaded successfully!", cfg.Name),
		Success:    true,
	}
}
