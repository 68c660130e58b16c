// Package bulkfhir drives the FHIR Bulk Data Access async export state
// machine (C5), its search-paginated fallback (C6), and the per-file
// downloader (C7).
package bulkfhir

import (
	"encoding/json"
	"strings"
)

// OutputEntry is one manifest output[] entry: a resource type and the URL
// to download its NDJSON file from.
type OutputEntry struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Manifest is the server's export-complete document.
type Manifest struct {
	TransactionTime string        `json:"transactionTime"`
	Output          []OutputEntry `json:"output"`
	Error           json.RawMessage `json:"error"`
	OperationOutcome json.RawMessage `json:"operationOutcome"`
}

// OutcomeTag is the manifest classifier's explicit result variant (DESIGN
// NOTES §9: exception-driven control flow replaced with a tagged result).
type OutcomeTag int

const (
	OutcomeSuccess OutcomeTag = iota
	OutcomeTooManyFiles
	OutcomeRealError
)

// ClassifyResult carries the tag plus the raw manifest/error text so
// callers branch on the tag rather than re-matching strings themselves.
type ClassifyResult struct {
	Tag      OutcomeTag
	Manifest Manifest
	ErrorText string
}

// ClassifyManifest parses body and decides whether the export succeeded,
// needs the too-many-files fallback, or genuinely failed (§4.5 Phase 2,
// B1/B2). An empty error value ("" or omitted) is success, not failure.
func ClassifyManifest(body []byte) (ClassifyResult, error) {
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return ClassifyResult{}, err
	}
	return classify(m), nil
}

func classify(m Manifest) ClassifyResult {
	errText := rawMessageText(m.Error)
	hasOutcome := len(m.OperationOutcome) > 0 && string(m.OperationOutcome) != "null"

	if errText == "" && !hasOutcome {
		return ClassifyResult{Tag: OutcomeSuccess, Manifest: m}
	}

	combined := errText
	if hasOutcome {
		combined += " " + string(m.OperationOutcome)
	}
	if strings.Contains(strings.ToLower(combined), "too many files") {
		return ClassifyResult{Tag: OutcomeTooManyFiles, Manifest: m, ErrorText: combined}
	}
	return ClassifyResult{Tag: OutcomeRealError, Manifest: m, ErrorText: combined}
}

// rawMessageText normalizes a json.RawMessage error field, which may be a
// string, an object, an array, or absent, into a comparable string. An
// empty string value (`""`) or absent/null field yields "" (success).
func rawMessageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}
