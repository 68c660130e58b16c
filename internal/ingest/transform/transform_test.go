package transform

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeNDJSON(t *testing.T, dir, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestTransformFile_Patient(t *testing.T) {
	dir := t.TempDir()
	path := writeNDJSON(t, dir, "Patient.ndjson", []string{
		`{"id":"p1","resourceType":"Patient","gender":"female","birthDate":"1990-01-01","maritalStatus":{"text":"Married"}}`,
		`not json`,
	})

	result, err := TransformFile(path, "Patient")
	if err != nil {
		t.Fatalf("TransformFile returned error: %v", err)
	}
	if result.Processed != 1 || result.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	row := result.Rows[0]
	if row.Fields["fhir_id"] != "p1" {
		t.Fatalf("unexpected fhir_id: %v", row.Fields["fhir_id"])
	}
	if row.Fields["marital_status"] != "Married" {
		t.Fatalf("unexpected marital_status: %v", row.Fields["marital_status"])
	}
	if _, err := os.Stat(result.OutputFile); err != nil {
		t.Fatalf("expected output file: %v", err)
	}
}

func TestTransformFile_ConditionReferencesAndCodeText(t *testing.T) {
	dir := t.TempDir()
	path := writeNDJSON(t, dir, "Condition.ndjson", []string{
		`{"id":"c1","subject":{"reference":"Patient/p1"},"encounter":{"reference":"Encounter/e1"},"code":{"coding":[{"display":"Diabetes"}]}}`,
	})

	result, err := TransformFile(path, "Condition")
	if err != nil {
		t.Fatalf("TransformFile returned error: %v", err)
	}
	row := result.Rows[0]
	if row.Fields["patient_id"] != "p1" {
		t.Fatalf("unexpected patient_id: %v", row.Fields["patient_id"])
	}
	if row.Fields["encounter_id"] != "e1" {
		t.Fatalf("unexpected encounter_id: %v", row.Fields["encounter_id"])
	}
	if row.Fields["code_text"] != "Diabetes" {
		t.Fatalf("expected code_text fallback to coding display, got %v", row.Fields["code_text"])
	}
}

func TestTransformFile_RawDataPreservedVerbatim(t *testing.T) {
	dir := t.TempDir()
	original := `{"id":"p1","resourceType":"Patient","gender":"male"}`
	path := writeNDJSON(t, dir, "Patient.ndjson", []string{original})

	result, err := TransformFile(path, "Patient")
	if err != nil {
		t.Fatalf("TransformFile returned error: %v", err)
	}
	var want, got map[string]any
	if err := json.Unmarshal([]byte(original), &want); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(result.Rows[0].RawData, &got); err != nil {
		t.Fatal(err)
	}
	if want["id"] != got["id"] || want["gender"] != got["gender"] {
		t.Fatalf("raw_data not preserved: want %v got %v", want, got)
	}
}

func TestTransformFile_UnsupportedType(t *testing.T) {
	dir := t.TempDir()
	path := writeNDJSON(t, dir, "Medication.ndjson", []string{`{"id":"m1"}`})
	if _, err := TransformFile(path, "Medication"); err == nil {
		t.Fatal("expected error for unsupported resource type")
	}
}
