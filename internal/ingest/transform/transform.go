// Package transform implements the record transformer (C8): it streams
// line-delimited FHIR resources and extracts the canonical fields for each
// supported resource type, grounded on the per-type field mapping this
// pipeline was distilled from.
package transform

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrUnsupportedResourceType is returned for any type outside
// {Patient, Condition, Encounter, Observation}.
var ErrUnsupportedResourceType = errors.New("transform: unsupported resource type")

// Row is a normalized record: the canonical fields for its resource type,
// plus the original resource verbatim under RawData.
type Row struct {
	FHIRID  string
	Fields  map[string]any
	RawData json.RawMessage
}

// Result summarizes one file's transform pass (§4.8).
type Result struct {
	Processed  int
	Failed     int
	OutputFile string
	Rows       []Row
}

type extractor func(resource map[string]any) (Row, error)

var extractors = map[string]extractor{
	"Patient":     transformPatient,
	"Condition":   transformCondition,
	"Encounter":   transformEncounter,
	"Observation": transformObservation,
}

// TransformFile streams ndjsonFile line by line, applying the extractor for
// resourceType, and writes the transformed rows as a single JSON array to
// <dir of ndjsonFile>/transformed/<resourceType>.json. Lines that fail to
// parse or extract are counted as failed; processing continues (§4.8).
func TransformFile(ndjsonFile, resourceType string) (Result, error) {
	extract, ok := extractors[resourceType]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedResourceType, resourceType)
	}

	f, err := os.Open(ndjsonFile)
	if err != nil {
		return Result{}, fmt.Errorf("transform: open %s: %w", ndjsonFile, err)
	}
	defer f.Close()

	result := Result{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resource map[string]any
		if err := json.Unmarshal(line, &resource); err != nil {
			result.Failed++
			continue
		}
		row, err := extract(resource)
		if err != nil {
			result.Failed++
			continue
		}
		raw, err := json.Marshal(resource)
		if err != nil {
			result.Failed++
			continue
		}
		row.RawData = raw
		result.Rows = append(result.Rows, row)
		result.Processed++
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("transform: scan %s: %w", ndjsonFile, err)
	}

	outputDir := filepath.Join(filepath.Dir(ndjsonFile), "transformed")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("transform: create output dir: %w", err)
	}
	outputFile := filepath.Join(outputDir, resourceType+".json")
	if err := writeRows(outputFile, result.Rows); err != nil {
		return Result{}, err
	}
	result.OutputFile = outputFile
	return result, nil
}

func writeRows(path string, rows []Row) error {
	type wireRow struct {
		Fields  map[string]any  `json:"fields"`
		RawData json.RawMessage `json:"raw_data"`
	}
	wire := make([]wireRow, 0, len(rows))
	for _, r := range rows {
		wire = append(wire, wireRow{Fields: r.Fields, RawData: r.RawData})
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("transform: create %s: %w", path, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(wire); err != nil {
		return fmt.Errorf("transform: write %s: %w", path, err)
	}
	return nil
}

func nested(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

func nestedText(m map[string]any, key string) any {
	n := nested(m, key)
	if n == nil {
		return nil
	}
	return n["text"]
}

func transformPatient(r map[string]any) (Row, error) {
	id, _ := r["id"].(string)
	fields := map[string]any{
		"fhir_id":         id,
		"identifier":      r["identifier"],
		"name":            r["name"],
		"gender":          r["gender"],
		"birth_date":      r["birthDate"],
		"address":         r["address"],
		"telecom":         r["telecom"],
		"marital_status":  nestedText(r, "maritalStatus"),
	}
	return Row{FHIRID: id, Fields: fields}, nil
}

func transformCondition(r map[string]any) (Row, error) {
	id, _ := r["id"].(string)
	code := nested(r, "code")
	fields := map[string]any{
		"fhir_id":              id,
		"patient_id":           extractReferenceID(r, "subject"),
		"code":                 code,
		"code_text":            codeText(code),
		"category":             r["category"],
		"clinical_status":      nestedText(r, "clinicalStatus"),
		"verification_status":  nestedText(r, "verificationStatus"),
		"severity":             nestedText(r, "severity"),
		"onset_datetime":       r["onsetDateTime"],
		"recorded_date":        r["recordedDate"],
		"encounter_id":         extractReferenceID(r, "encounter"),
	}
	return Row{FHIRID: id, Fields: fields}, nil
}

func transformEncounter(r map[string]any) (Row, error) {
	id, _ := r["id"].(string)
	period := nested(r, "period")
	fields := map[string]any{
		"fhir_id":         id,
		"patient_id":      extractReferenceID(r, "subject"),
		"status":          r["status"],
		"encounter_class": classCode(r),
		"type":            r["type"],
		"service_type":    nestedText(r, "serviceType"),
		"priority":        nestedText(r, "priority"),
		"period_start":    fieldOf(period, "start"),
		"period_end":      fieldOf(period, "end"),
		"reason_code":     r["reasonCode"],
		"diagnosis":       r["diagnosis"],
		"location":        r["location"],
	}
	return Row{FHIRID: id, Fields: fields}, nil
}

func transformObservation(r map[string]any) (Row, error) {
	id, _ := r["id"].(string)
	code := nested(r, "code")
	fields := map[string]any{
		"fhir_id":             id,
		"patient_id":          extractReferenceID(r, "subject"),
		"encounter_id":        extractReferenceID(r, "encounter"),
		"status":              r["status"],
		"category":            r["category"],
		"code":                code,
		"code_text":           codeText(code),
		"value":               r["value"],
		"value_quantity":      r["valueQuantity"],
		"effective_datetime":  r["effectiveDateTime"],
		"issued":              r["issued"],
		"interpretation":      r["interpretation"],
	}
	return Row{FHIRID: id, Fields: fields}, nil
}

// extractReferenceID strips everything up to and including the final "/"
// from fieldName.reference, returning nil when absent (§4.8 ref(x)).
func extractReferenceID(r map[string]any, fieldName string) any {
	ref := nested(r, fieldName)
	if ref == nil {
		return nil
	}
	s, _ := ref["reference"].(string)
	if s == "" {
		return nil
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return s[i+1:]
		}
	}
	return s
}

// codeText resolves code.text, falling back to the first coding's display.
func codeText(code map[string]any) any {
	if code == nil {
		return nil
	}
	if text, ok := code["text"]; ok && text != nil && text != "" {
		return text
	}
	codings, _ := code["coding"].([]any)
	if len(codings) == 0 {
		return nil
	}
	first, _ := codings[0].(map[string]any)
	if first == nil {
		return nil
	}
	return first["display"]
}

func classCode(r map[string]any) any {
	class := nested(r, "class")
	if class == nil {
		return nil
	}
	return class["code"]
}

func fieldOf(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	return m[key]
}
