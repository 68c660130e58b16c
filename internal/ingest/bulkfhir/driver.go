package bulkfhir

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr/internal/ingest/httpclient"
	"github.com/ehr/ehr/internal/ingest/registry"
)

// pollInterval is the Phase 2 polling cadence (§4.5).
const pollInterval = 5 * time.Second

// pollLogEvery emits a "still in progress" log line every Nth poll.
const pollLogEvery = 6

// PostDownload is invoked once a job's files have finished downloading
// (directly from bulk export, or after the search fallback writes its
// NDJSON files). It is the driver's hand-off into C8 (transform) and C9
// (load); pipeline.go supplies the concrete implementation.
type PostDownload func(ctx context.Context, jobID string, files []registry.FileDescriptor)

// Driver runs the bulk export state machine (C5) plus its fallback (C6)
// and downloader (C7) hand-offs.
type Driver struct {
	Client      *httpclient.Client
	Auth        Authenticator
	Downloader  *Downloader
	Fallback    *SearchFallback
	Registry    *registry.Registry
	Log         zerolog.Logger
	OnDownloaded PostDownload
}

// KickOffRequest is the closed input record for starting a job (DESIGN
// NOTES §9: dynamic parameters become explicit request records).
type KickOffRequest struct {
	FHIRServerURL string
	ResourceTypes []string
	Since         string
}

// KickOffResult is returned synchronously to the caller; the pipeline
// continues to run in the background.
type KickOffResult struct {
	JobID     string
	Status    string
	Method    registry.Method
	StatusURL string
}

// KickOff is Phase 1 (§4.5): negotiate an export with the remote server,
// falling back to search immediately on any non-202 response. The
// background state machine is started in a new goroutine; KickOff itself
// returns as soon as the job is registered.
func (d *Driver) KickOff(ctx context.Context, req KickOffRequest) (KickOffResult, error) {
	u := fmt.Sprintf("%s/$export?_type=%s", req.FHIRServerURL, url.QueryEscape(strings.Join(req.ResourceTypes, ",")))
	if req.Since != "" {
		u += "&_since=" + url.QueryEscape(req.Since)
	}

	headers := http.Header{
		"Accept": {"application/fhir+json"},
		"Prefer": {"respond-async"},
	}
	if d.Auth != nil {
		if h, err := d.Auth.AuthHeader(ctx); err != nil {
			return KickOffResult{}, fmt.Errorf("bulkfhir: auth: %w", err)
		} else if h != "" {
			headers.Set("Authorization", h)
		}
	}

	resp, err := d.Client.Do(ctx, http.MethodGet, u, headers, nil, "bulk-export-kickoff")
	if err != nil {
		return KickOffResult{}, fmt.Errorf("bulkfhir: kick-off request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		statusURL := resp.Header.Get("Content-Location")
		jobID := lastPathSegment(statusURL)
		job := &registry.Job{
			ID:            jobID,
			Status:        registry.StatusInProgress,
			Method:        registry.MethodBulkExport,
			StatusURL:     statusURL,
			FHIRServerURL: req.FHIRServerURL,
			ResourceTypes: req.ResourceTypes,
			Since:         req.Since,
			StartedAt:     time.Now(),
		}
		if err := d.Registry.Create(job); err != nil {
			return KickOffResult{}, err
		}
		go d.runPoll(context.Background(), jobID)
		return KickOffResult{JobID: jobID, Status: "accepted", Method: registry.MethodBulkExport, StatusURL: statusURL}, nil
	}

	// Any other status: fall back to search-paginated fetch (§4.5 Phase 1).
	jobID := "search_" + strconv.FormatInt(time.Now().Unix(), 10)
	job := &registry.Job{
		ID:            jobID,
		Status:        registry.StatusInProgress,
		Method:        registry.MethodFHIRSearch,
		FHIRServerURL: req.FHIRServerURL,
		ResourceTypes: req.ResourceTypes,
		Since:         req.Since,
		StartedAt:     time.Now(),
	}
	if err := d.Registry.Create(job); err != nil {
		return KickOffResult{}, err
	}
	go d.runFallback(context.Background(), jobID)
	return KickOffResult{JobID: jobID, Status: "accepted", Method: registry.MethodFHIRSearch}, nil
}

// Resume constructs a new job from only a status_url and optional bearer,
// starting Phase 2 directly (§4.5 Resume, R3 idempotence).
func (d *Driver) Resume(statusURL string, bearer string) (KickOffResult, error) {
	if existing, ok := d.Registry.JobIDForStatusURL(statusURL); ok {
		return KickOffResult{JobID: existing, Status: "already monitoring", Method: registry.MethodBulkExportResumed, StatusURL: statusURL}, registry.ErrAlreadyMonitoring
	}

	jobID := lastPathSegment(statusURL)
	job := &registry.Job{
		ID:            jobID,
		Status:        registry.StatusInProgress,
		Method:        registry.MethodBulkExportResumed,
		StatusURL:     statusURL,
		StartedAt:     time.Now(),
	}
	if err := d.Registry.Create(job); err != nil {
		if existing, ok := d.Registry.JobIDForStatusURL(statusURL); ok {
			return KickOffResult{JobID: existing, Status: "already monitoring"}, registry.ErrAlreadyMonitoring
		}
		return KickOffResult{}, err
	}

	auth := d.Auth
	if bearer != "" {
		auth = StaticBearer(bearer)
	}
	resumed := &Driver{Client: d.Client, Auth: auth, Downloader: d.Downloader, Fallback: d.Fallback, Registry: d.Registry, Log: d.Log, OnDownloaded: d.OnDownloaded}
	go resumed.runPoll(context.Background(), jobID)

	return KickOffResult{JobID: jobID, Status: "resumed", Method: registry.MethodBulkExportResumed, StatusURL: statusURL}, nil
}

// runPoll is Phase 2: poll status_url every 5s until the manifest is ready,
// the job fails, or the server signals too-many-files, in which case
// control hands off to the search fallback in place (§4.5 Phase 2).
func (d *Driver) runPoll(ctx context.Context, jobID string) {
	poll := 0
	for {
		poll++
		statusURL, auth := d.jobContext(jobID)

		headers := http.Header{"Accept": {"application/fhir+json"}}
		if auth != nil {
			if h, err := auth.AuthHeader(ctx); err == nil && h != "" {
				headers.Set("Authorization", h)
			}
		}

		resp, err := d.Client.Do(ctx, http.MethodGet, statusURL, headers, nil, "bulk-export-poll")
		if err != nil {
			d.fail(jobID, fmt.Errorf("polling status: %w", err))
			return
		}

		switch resp.StatusCode {
		case http.StatusAccepted:
			progress := resp.Header.Get("X-Progress")
			resp.Body.Close()
			if progress != "" {
				d.Registry.Mutate(jobID, func(j *registry.Job) { j.Progress = progress })
			}
			if poll%pollLogEvery == 0 {
				d.Log.Info().Str("job_id", jobID).Int("poll", poll).Msg("export still in progress")
			}
			time.Sleep(pollInterval)
			continue

		case http.StatusOK:
			body, readErr := readAll(resp)
			if readErr != nil {
				d.fail(jobID, fmt.Errorf("reading manifest: %w", readErr))
				return
			}
			result, classifyErr := ClassifyManifest(body)
			if classifyErr != nil {
				d.fail(jobID, fmt.Errorf("parsing manifest: %w", classifyErr))
				return
			}
			switch result.Tag {
			case OutcomeSuccess:
				d.download(ctx, jobID, result.Manifest.Output)
				return
			case OutcomeTooManyFiles:
				d.Log.Info().Str("job_id", jobID).Msg("export reported too many files, switching to search fallback")
				d.Registry.Mutate(jobID, func(j *registry.Job) { j.Method = registry.MethodFHIRSearch })
				d.runFallback(ctx, jobID)
				return
			case OutcomeRealError:
				d.fail(jobID, fmt.Errorf("export failed: %s", result.ErrorText))
				return
			}

		default:
			body, _ := readAll(resp)
			result, classifyErr := ClassifyManifest(body)
			if classifyErr == nil && result.Tag == OutcomeTooManyFiles {
				d.Registry.Mutate(jobID, func(j *registry.Job) { j.Method = registry.MethodFHIRSearch })
				d.runFallback(ctx, jobID)
				return
			}
			d.fail(jobID, fmt.Errorf("polling status returned %d", resp.StatusCode))
			return
		}
	}
}

// download is Phase 3: hand the manifest to C7, then mark the job complete
// and invoke the post-download transform+load hand-off.
func (d *Driver) download(ctx context.Context, jobID string, outputs []OutputEntry) {
	d.Registry.Mutate(jobID, func(j *registry.Job) { j.Status = registry.StatusDownloading })

	result, err := d.Downloader.Download(ctx, jobID, outputs)
	if err != nil {
		d.fail(jobID, fmt.Errorf("downloading files: %w", err))
		return
	}

	now := time.Now()
	d.Registry.Mutate(jobID, func(j *registry.Job) {
		j.Files = result.Files
		j.Status = registry.StatusCompleted
		j.CompletedAt = &now
	})

	if d.OnDownloaded != nil {
		d.OnDownloaded(ctx, jobID, result.Files)
	}
}

// runFallback drives C6 for every configured resource type, then hands off
// to transform+load exactly as the bulk-export path does.
func (d *Driver) runFallback(ctx context.Context, jobID string) {
	view, err := d.Registry.Status(jobID)
	if err != nil {
		return
	}
	d.Registry.Mutate(jobID, func(j *registry.Job) { j.Status = registry.StatusDownloading })

	var files []registry.FileDescriptor
	for _, rt := range view.ResourceTypes {
		entry, _, err := d.Fallback.FetchResourceType(ctx, jobID, rt, view.Since)
		if err != nil {
			d.fail(jobID, fmt.Errorf("search fallback for %s: %w", rt, err))
			return
		}
		path := strings.TrimPrefix(entry.URL, "file://")
		var size int64
		if fi, statErr := os.Stat(path); statErr == nil {
			size = fi.Size()
		}
		files = append(files, registry.FileDescriptor{ResourceType: rt, LocalPath: path, SizeBytes: size})
	}

	now := time.Now()
	d.Registry.Mutate(jobID, func(j *registry.Job) {
		j.Files = files
		j.Status = registry.StatusCompleted
		j.CompletedAt = &now
	})

	if d.OnDownloaded != nil {
		d.OnDownloaded(ctx, jobID, files)
	}
}

func (d *Driver) fail(jobID string, cause error) {
	msg := cause.Error()
	d.Log.Error().Str("job_id", jobID).Err(cause).Msg("job failed")
	d.Registry.Mutate(jobID, func(j *registry.Job) {
		j.Status = registry.StatusFailed
		j.Error = &msg
	})
}

func (d *Driver) jobContext(jobID string) (statusURL string, auth Authenticator) {
	view, err := d.Registry.Status(jobID)
	if err != nil {
		return "", d.Auth
	}
	return view.StatusURL, d.Auth
}

func lastPathSegment(u string) string {
	u = strings.TrimSuffix(u, "/")
	idx := strings.LastIndex(u, "/")
	if idx == -1 {
		return u
	}
	return u[idx+1:]
}

func readAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
