package bulkfhir

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr/internal/ingest/httpclient"
	"github.com/ehr/ehr/internal/ingest/registry"
	"github.com/ehr/ehr/internal/ingest/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExpBase: 1}
}

func waitForStatus(t *testing.T, reg *registry.Registry, jobID string, want registry.Status) registry.StatusView {
	t.Helper()
	// Long enough to cover at least one 5s poll interval plus the download.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		view, err := reg.Status(jobID)
		if err == nil && view.Status == want {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
	return registry.StatusView{}
}

func TestDriver_HappyBulkExport(t *testing.T) {
	tmpDir := t.TempDir()
	var polls int32

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/$export", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Location", srv.URL+"/status/job-abc")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/status/job-abc", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"output":[{"type":"Patient","url":"%s/files/Patient.ndjson"}]}`, srv.URL)
	})
	mux.HandleFunc("/files/Patient.ndjson", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{\"id\":\"1\",\"resourceType\":\"Patient\"}\n"))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	log := zerolog.Nop()
	client := httpclient.New(httpclient.DefaultTimeoutConfig(), fastRetry(), log)
	reg := registry.New()
	downloader := &Downloader{Client: client, BulkDataDir: tmpDir, Log: log}
	fallback := &SearchFallback{Client: client, FHIRServerURL: srv.URL, BulkDataDir: tmpDir, Log: log}

	var gotFiles []registry.FileDescriptor
	driver := &Driver{
		Client:     client,
		Downloader: downloader,
		Fallback:   fallback,
		Registry:   reg,
		Log:        log,
		OnDownloaded: func(ctx context.Context, jobID string, files []registry.FileDescriptor) {
			gotFiles = files
		},
	}

	result, err := driver.KickOff(context.Background(), KickOffRequest{FHIRServerURL: srv.URL, ResourceTypes: []string{"Patient"}})
	if err != nil {
		t.Fatalf("KickOff returned error: %v", err)
	}
	if result.Method != registry.MethodBulkExport {
		t.Fatalf("expected bulk_export method, got %s", result.Method)
	}

	waitForStatus(t, reg, result.JobID, registry.StatusCompleted)
	if len(gotFiles) != 1 {
		t.Fatalf("expected 1 downloaded file, got %d", len(gotFiles))
	}
	if _, err := os.Stat(gotFiles[0].LocalPath); err != nil {
		t.Fatalf("expected downloaded file on disk: %v", err)
	}
}

func TestDriver_KickOffUnsupportedFallsBackToSearch(t *testing.T) {
	tmpDir := t.TempDir()
	mux := http.NewServeMux()
	mux.HandleFunc("/$export", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"entry":[{"resource":{"id":"1","resourceType":"Patient"}}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	log := zerolog.Nop()
	client := httpclient.New(httpclient.DefaultTimeoutConfig(), fastRetry(), log)
	reg := registry.New()
	fallback := &SearchFallback{Client: client, FHIRServerURL: srv.URL, BulkDataDir: tmpDir, Log: log}
	downloader := &Downloader{Client: client, BulkDataDir: tmpDir, Log: log}

	driver := &Driver{Client: client, Downloader: downloader, Fallback: fallback, Registry: reg, Log: log}

	result, err := driver.KickOff(context.Background(), KickOffRequest{FHIRServerURL: srv.URL, ResourceTypes: []string{"Patient"}})
	if err != nil {
		t.Fatalf("KickOff returned error: %v", err)
	}
	if result.Method != registry.MethodFHIRSearch {
		t.Fatalf("expected fhir_search method, got %s", result.Method)
	}

	waitForStatus(t, reg, result.JobID, registry.StatusCompleted)
}

func TestDriver_TooManyFilesSwitchesToFallback(t *testing.T) {
	tmpDir := t.TempDir()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/$export", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Location", srv.URL+"/status/job-xyz")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/status/job-xyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"error":"Export aborted: too many files"}`)
	})
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"entry":[{"resource":{"id":"1","resourceType":"Patient"}}]}`)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	log := zerolog.Nop()
	client := httpclient.New(httpclient.DefaultTimeoutConfig(), fastRetry(), log)
	reg := registry.New()
	fallback := &SearchFallback{Client: client, FHIRServerURL: srv.URL, BulkDataDir: tmpDir, Log: log}
	downloader := &Downloader{Client: client, BulkDataDir: tmpDir, Log: log}
	driver := &Driver{Client: client, Downloader: downloader, Fallback: fallback, Registry: reg, Log: log}

	result, err := driver.KickOff(context.Background(), KickOffRequest{FHIRServerURL: srv.URL, ResourceTypes: []string{"Patient"}})
	if err != nil {
		t.Fatalf("KickOff returned error: %v", err)
	}

	view := waitForStatus(t, reg, result.JobID, registry.StatusCompleted)
	if view.Method != registry.MethodFHIRSearch {
		t.Fatalf("expected method switched to fhir_search, got %s", view.Method)
	}
}
