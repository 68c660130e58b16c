package bulkfhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr/internal/ingest/httpclient"
)

// pageCap bounds the search-paginated fallback to 10 pages per resource
// type (B3): ≤1000 records per type at _count=100. Spec §9 Open Question 1
// flags this as policy rather than a hard protocol limit; DESIGN.md records
// the decision to keep it a constant.
const pageCap = 10

// bundleEntry wraps one resource in a FHIR search-result Bundle.
type bundleEntry struct {
	Resource json.RawMessage `json:"resource"`
}

type bundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type bundle struct {
	Entry []bundleEntry `json:"entry"`
	Link  []bundleLink  `json:"link"`
}

func (b bundle) nextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// SearchFallback is C6: the paginated FHIR search path used when bulk
// export is unsupported or reports too-many-files.
type SearchFallback struct {
	Client        *httpclient.Client
	Auth          Authenticator
	FHIRServerURL string
	BulkDataDir   string
	Log           zerolog.Logger
}

// FetchResourceType pages through {base}/{ResourceType}?_count=100 (plus
// _lastUpdated when since is set), writing every resource to
// <bulk_data_dir>/<job_id>/<ResourceType>.ndjson, one JSON object per line
// (§4.6, B5).
func (s *SearchFallback) FetchResourceType(ctx context.Context, jobID, resourceType, since string) (OutputEntry, int, error) {
	jobDir := filepath.Join(s.BulkDataDir, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return OutputEntry{}, 0, fmt.Errorf("bulkfhir: create job directory: %w", err)
	}
	path := filepath.Join(jobDir, resourceType+".ndjson")
	f, err := os.Create(path)
	if err != nil {
		return OutputEntry{}, 0, fmt.Errorf("bulkfhir: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	nextURL := s.firstPageURL(resourceType, since)
	count := 0

	for page := 0; page < pageCap && nextURL != ""; page++ {
		headers := http.Header{"Accept": {"application/fhir+json"}}
		if s.Auth != nil {
			if h, err := s.Auth.AuthHeader(ctx); err == nil && h != "" {
				headers.Set("Authorization", h)
			}
		}

		resp, err := s.Client.Do(ctx, http.MethodGet, nextURL, headers, nil, "search-"+resourceType)
		if err != nil {
			return OutputEntry{}, count, fmt.Errorf("bulkfhir: search %s page %d: %w", resourceType, page, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return OutputEntry{}, count, fmt.Errorf("bulkfhir: search %s returned status %d", resourceType, resp.StatusCode)
		}

		var b bundle
		decodeErr := json.NewDecoder(resp.Body).Decode(&b)
		resp.Body.Close()
		if decodeErr != nil {
			return OutputEntry{}, count, fmt.Errorf("bulkfhir: decode bundle: %w", decodeErr)
		}

		for _, e := range b.Entry {
			if len(e.Resource) == 0 {
				continue
			}
			if err := enc.Encode(json.RawMessage(e.Resource)); err != nil {
				return OutputEntry{}, count, fmt.Errorf("bulkfhir: write %s: %w", path, err)
			}
			count++
		}
		nextURL = b.nextLink()
	}

	return OutputEntry{Type: resourceType, URL: "file://" + path}, count, nil
}

func (s *SearchFallback) firstPageURL(resourceType, since string) string {
	u := fmt.Sprintf("%s/%s?_count=100", s.FHIRServerURL, resourceType)
	if since != "" {
		u += "&_lastUpdated=ge" + url.QueryEscape(since)
	}
	return u
}
