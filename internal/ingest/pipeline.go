// Package ingest wires the bulk FHIR ingestion components (C1-C10) into a
// single Pipeline the API layer and CLI drive: kick off an export, resume a
// monitored one, and report status, with every downloaded file transformed
// and loaded automatically once it lands on disk.
package ingest

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr/internal/config"
	"github.com/ehr/ehr/internal/ingest/bulkfhir"
	"github.com/ehr/ehr/internal/ingest/httpclient"
	"github.com/ehr/ehr/internal/ingest/loader"
	"github.com/ehr/ehr/internal/ingest/progress"
	"github.com/ehr/ehr/internal/ingest/registry"
	"github.com/ehr/ehr/internal/ingest/retry"
	"github.com/ehr/ehr/internal/ingest/smartauth"
	"github.com/ehr/ehr/internal/ingest/transform"
)

// Pipeline is the top-level entry point: the API handlers and CLI command
// hold one of these and never touch the registry or driver directly.
type Pipeline struct {
	driver   *bulkfhir.Driver
	registry *registry.Registry
	loader   *loader.Loader
	log      zerolog.Logger
}

// New builds a Pipeline from configuration: a retrying HTTP client shared by
// the driver and search fallback, a wider-budget client for the downloader
// (§4.1, downloads get MaxAttempts+2), and an optional SMART signer when
// client credentials are configured.
func New(cfg *config.Config, pool *pgxpool.Pool, log zerolog.Logger) (*Pipeline, error) {
	timeouts := httpclient.TimeoutConfig{
		Connect:  time.Duration(cfg.HTTPConnectTimeoutSec) * time.Second,
		Read:     time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		Write:    time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		PoolIdle: time.Duration(cfg.HTTPPoolIdleSec) * time.Second,
	}
	retryCfg := retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   time.Duration(cfg.RetryBaseDelaySec * float64(time.Second)),
		MaxDelay:    time.Duration(cfg.RetryMaxDelaySec * float64(time.Second)),
		ExpBase:     2.0,
	}
	downloadRetryCfg := retryCfg
	downloadRetryCfg.MaxAttempts += 2

	client := httpclient.New(timeouts, retryCfg, log)
	downloadClient := httpclient.New(timeouts, downloadRetryCfg, log)

	var auth bulkfhir.Authenticator
	if cfg.SMARTTokenURL != "" && cfg.SMARTClientID != "" && cfg.SMARTPrivateKey != "" {
		signer, err := smartauth.New(smartauth.Config{
			TokenURL:   cfg.SMARTTokenURL,
			ClientID:   cfg.SMARTClientID,
			PrivateKey: cfg.SMARTPrivateKey,
			Algorithm:  smartauth.Algorithm(cfg.SMARTAlgorithm),
			Scope:      cfg.SMARTScope,
		}, client, log)
		if err != nil {
			return nil, err
		}
		auth = signer
	}

	reg := registry.New()
	dbLoader := loader.New(pool)

	downloader := &bulkfhir.Downloader{Client: downloadClient, Auth: auth, BulkDataDir: cfg.BulkDataDir, Log: log}
	fallback := &bulkfhir.SearchFallback{Client: client, Auth: auth, FHIRServerURL: cfg.FHIRServerURL, BulkDataDir: cfg.BulkDataDir, Log: log}

	p := &Pipeline{registry: reg, loader: dbLoader, log: log}

	driver := &bulkfhir.Driver{
		Client:     client,
		Auth:       auth,
		Downloader: downloader,
		Fallback:   fallback,
		Registry:   reg,
		Log:        log,
		OnDownloaded: p.onDownloaded,
	}
	p.driver = driver
	return p, nil
}

// onDownloaded is the driver's Phase 4 hand-off (§4.5): transform each
// downloaded file, then load its rows, updating the job's running totals as
// each resource type finishes. A transform or load failure for one resource
// type is logged and counted; it does not abort the other files in the job.
func (p *Pipeline) onDownloaded(ctx context.Context, jobID string, files []registry.FileDescriptor) {
	tracker := progress.New(p.log, "transform+load", len(files), 10*time.Second)
	for _, file := range files {
		result, err := transform.TransformFile(file.LocalPath, file.ResourceType)
		if err != nil {
			p.log.Error().Err(err).Str("job_id", jobID).Str("resource_type", file.ResourceType).Msg("transform failed")
			tracker.Advance(0, 1)
			continue
		}

		loadResult, err := p.loader.LoadRows(ctx, file.ResourceType, jobID, result.Rows)
		if err != nil {
			p.log.Error().Err(err).Str("job_id", jobID).Str("resource_type", file.ResourceType).Msg("load failed")
			tracker.Advance(0, 1)
			continue
		}

		p.registry.Mutate(jobID, func(j *registry.Job) {
			j.RecordsTransformed += result.Processed
			j.RecordsLoaded += loadResult.Loaded
		})
		tracker.Advance(1, 0)
	}
	tracker.Done()
}

// KickOff starts a new ingestion job (§4.5 Phase 1).
func (p *Pipeline) KickOff(ctx context.Context, req bulkfhir.KickOffRequest) (bulkfhir.KickOffResult, error) {
	return p.driver.KickOff(ctx, req)
}

// Resume attaches to an already-running export by status URL (§4.5 Resume).
func (p *Pipeline) Resume(statusURL, bearer string) (bulkfhir.KickOffResult, error) {
	return p.driver.Resume(statusURL, bearer)
}

// Status returns the current state of one job.
func (p *Pipeline) Status(jobID string) (registry.StatusView, error) {
	return p.registry.Status(jobID)
}

// List returns a summary of every job since process start.
func (p *Pipeline) List() []registry.Summary {
	return p.registry.List()
}
