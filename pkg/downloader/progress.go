package downloader

import (
	"context"
	"fmt"
	"strconv"
)

type progressWriter struct {
	fileName       string
	total          int64
	fileNo         int
	totalFiles     int
	written        int64
	downloadStatus func(fileName, current, total string, percentage float64)
	ctx            context.Context
}

func (pw *progressWriter) Write(p []byte) (n int, err error) {
	if pw.ctx != nil {
		select {
		case <-pw.ctx.Done():
			return 0, pw.ctx.Err()
		default:
		}
	}

	n = len(p)
	pw.written += int64(n)

	if pw.downloadStatus == nil {
		return
	}

	if pw.total > 0 {
		percentage := float64(pw.written) / float64(pw.total) * 100
		if pw.totalFiles > 1 {
			// Multi-file snapshot: report overall progress assuming the
			// files before this one completed.
			percentage = percentage / float64(pw.totalFiles)
			if pw.fileNo > 0 {
				percentage += float64(pw.fileNo) * 100 / float64(pw.totalFiles)
			}
		}
		pw.downloadStatus(pw.fileName, formatBytes(pw.written), formatBytes(pw.total), percentage)
	} else {
		pw.downloadStatus(pw.fileName, formatBytes(pw.written), "", 0)
	}

	return
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatInt(bytes, 10) + " B"
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
