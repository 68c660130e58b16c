package bulkfhir

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr/internal/ingest/httpclient"
	"github.com/ehr/ehr/internal/ingest/progress"
	"github.com/ehr/ehr/internal/ingest/registry"
)

// Downloader is C7: fetches each manifest output entry and writes it to
// <bulk_data_dir>/<job_id>/<ResourceType>.ndjson.
type Downloader struct {
	Client      *httpclient.Client
	Auth        Authenticator
	BulkDataDir string
	Log         zerolog.Logger
}

// DownloadResult summarizes one downloader pass.
type DownloadResult struct {
	Files      []registry.FileDescriptor
	TotalBytes int64
	Skipped    int
}

// Download fetches every entry in outputs for jobID, writing one file per
// resource type (last writer wins on type collisions, per B4). Missing
// URLs and non-200 responses are logged and skipped, not fatal (§4.7).
func (d *Downloader) Download(ctx context.Context, jobID string, outputs []OutputEntry) (DownloadResult, error) {
	jobDir := filepath.Join(d.BulkDataDir, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return DownloadResult{}, fmt.Errorf("bulkfhir: create job directory: %w", err)
	}

	tracker := progress.New(d.Log, "downloading bulk files", len(outputs), 0)
	result := DownloadResult{}
	byType := make(map[string]registry.FileDescriptor)

	for _, entry := range outputs {
		if entry.URL == "" {
			d.Log.Warn().Str("resource_type", entry.Type).Msg("manifest output entry missing url, skipping")
			result.Skipped++
			tracker.Advance(0, 1)
			continue
		}

		headers := http.Header{"Accept": {"application/fhir+ndjson"}}
		if d.Auth != nil {
			if h, err := d.Auth.AuthHeader(ctx); err == nil && h != "" {
				headers.Set("Authorization", h)
			}
		}

		resp, err := d.Client.Do(ctx, http.MethodGet, entry.URL, headers, nil, "download-"+entry.Type)
		if err != nil {
			d.Log.Warn().Err(err).Str("resource_type", entry.Type).Msg("download failed, skipping")
			result.Skipped++
			tracker.Advance(0, 1)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			d.Log.Warn().Int("status", resp.StatusCode).Str("resource_type", entry.Type).Msg("download returned non-200, skipping")
			result.Skipped++
			tracker.Advance(0, 1)
			continue
		}

		path := filepath.Join(jobDir, entry.Type+".ndjson")
		f, err := os.Create(path)
		if err != nil {
			resp.Body.Close()
			return DownloadResult{}, fmt.Errorf("bulkfhir: create %s: %w", path, err)
		}
		n, copyErr := io.Copy(f, resp.Body)
		resp.Body.Close()
		closeErr := f.Close()
		if copyErr != nil {
			return DownloadResult{}, fmt.Errorf("bulkfhir: write %s: %w", path, copyErr)
		}
		if closeErr != nil {
			return DownloadResult{}, fmt.Errorf("bulkfhir: close %s: %w", path, closeErr)
		}

		byType[entry.Type] = registry.FileDescriptor{ResourceType: entry.Type, LocalPath: path, SizeBytes: n}
		tracker.Advance(1, 0)
	}
	tracker.Done()

	for _, fd := range byType {
		result.Files = append(result.Files, fd)
		result.TotalBytes += fd.SizeBytes
	}
	return result, nil
}
