// Package loader implements the database loader (C9): idempotent upserts
// of transformed rows, one transaction per file, keyed on fhir_id and
// tagged with the owning job id. SQL and the querier-from-context idiom
// mirror the rest of the EHR server's pgx repositories.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr/internal/ingest/transform"
)

// Result is the per-file outcome the loader returns (§4.9).
type Result struct {
	Loaded int
	Failed int
}

// Loader upserts transformed rows for the four supported resource types.
type Loader struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Loader {
	return &Loader{Pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// LoadRows opens one transaction for the file's rows, upserting each by
// fhir_id into the table for resourceType. Each row runs under its own
// savepoint, so a per-row failure is counted (not logged) and does not abort
// the other rows, but a commit failure rolls back and fails the whole file
// (§4.9).
func (l *Loader) LoadRows(ctx context.Context, resourceType, jobID string, rows []transform.Row) (Result, error) {
	upsert, ok := upserters[resourceType]
	if !ok {
		return Result{}, fmt.Errorf("loader: unsupported resource type %q", resourceType)
	}

	tx, err := l.Pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loader: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result := Result{}
	for _, row := range rows {
		if row.Fields["fhir_id"] == nil || row.Fields["fhir_id"] == "" {
			result.Failed++
			continue
		}
		sp, err := tx.Begin(ctx)
		if err != nil {
			result.Failed++
			continue
		}
		if err := upsert(ctx, sp, jobID, row); err != nil {
			sp.Rollback(ctx)
			result.Failed++
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			result.Failed++
			continue
		}
		result.Loaded++
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("loader: commit %s: %w", resourceType, err)
	}
	return result, nil
}

type upsertFn func(ctx context.Context, q querier, jobID string, row transform.Row) error

var upserters = map[string]upsertFn{
	"Patient":     upsertPatient,
	"Condition":   upsertCondition,
	"Encounter":   upsertEncounter,
	"Observation": upsertObservation,
}

func upsertPatient(ctx context.Context, q querier, jobID string, row transform.Row) error {
	f := row.Fields
	_, err := q.Exec(ctx, `
		INSERT INTO patients (fhir_id, identifier, name, gender, birth_date, address, telecom, marital_status, raw_data, job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (fhir_id) DO UPDATE SET
			identifier = EXCLUDED.identifier,
			name = EXCLUDED.name,
			gender = EXCLUDED.gender,
			birth_date = EXCLUDED.birth_date,
			address = EXCLUDED.address,
			telecom = EXCLUDED.telecom,
			marital_status = EXCLUDED.marital_status,
			raw_data = EXCLUDED.raw_data,
			job_id = EXCLUDED.job_id,
			updated_at = NOW()`,
		f["fhir_id"], toJSON(f["identifier"]), toJSON(f["name"]), f["gender"],
		parseDate(f["birth_date"]), toJSON(f["address"]), toJSON(f["telecom"]), f["marital_status"],
		[]byte(row.RawData), jobID,
	)
	return err
}

func upsertCondition(ctx context.Context, q querier, jobID string, row transform.Row) error {
	f := row.Fields
	_, err := q.Exec(ctx, `
		INSERT INTO conditions (fhir_id, patient_id, code, code_text, category, clinical_status,
			verification_status, severity, onset_datetime, recorded_date, encounter_id, raw_data, job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		ON CONFLICT (fhir_id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			code = EXCLUDED.code,
			code_text = EXCLUDED.code_text,
			category = EXCLUDED.category,
			clinical_status = EXCLUDED.clinical_status,
			verification_status = EXCLUDED.verification_status,
			severity = EXCLUDED.severity,
			onset_datetime = EXCLUDED.onset_datetime,
			recorded_date = EXCLUDED.recorded_date,
			encounter_id = EXCLUDED.encounter_id,
			raw_data = EXCLUDED.raw_data,
			job_id = EXCLUDED.job_id,
			updated_at = NOW()`,
		f["fhir_id"], f["patient_id"], toJSON(f["code"]), f["code_text"], toJSON(f["category"]), f["clinical_status"],
		f["verification_status"], f["severity"], parseDateTime(f["onset_datetime"]), parseDateTime(f["recorded_date"]),
		f["encounter_id"], []byte(row.RawData), jobID,
	)
	return err
}

func upsertEncounter(ctx context.Context, q querier, jobID string, row transform.Row) error {
	f := row.Fields
	_, err := q.Exec(ctx, `
		INSERT INTO encounters (fhir_id, patient_id, status, encounter_class, type, service_type,
			priority, period_start, period_end, reason_code, diagnosis, location, raw_data, job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		ON CONFLICT (fhir_id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			status = EXCLUDED.status,
			encounter_class = EXCLUDED.encounter_class,
			type = EXCLUDED.type,
			service_type = EXCLUDED.service_type,
			priority = EXCLUDED.priority,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			reason_code = EXCLUDED.reason_code,
			diagnosis = EXCLUDED.diagnosis,
			location = EXCLUDED.location,
			raw_data = EXCLUDED.raw_data,
			job_id = EXCLUDED.job_id,
			updated_at = NOW()`,
		f["fhir_id"], f["patient_id"], f["status"], f["encounter_class"], toJSON(f["type"]), f["service_type"],
		f["priority"], parseDateTime(f["period_start"]), parseDateTime(f["period_end"]), toJSON(f["reason_code"]),
		toJSON(f["diagnosis"]), toJSON(f["location"]), []byte(row.RawData), jobID,
	)
	return err
}

func upsertObservation(ctx context.Context, q querier, jobID string, row transform.Row) error {
	f := row.Fields
	_, err := q.Exec(ctx, `
		INSERT INTO observations (fhir_id, patient_id, encounter_id, status, category, code,
			code_text, value, value_quantity, effective_datetime, issued, interpretation, raw_data, job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		ON CONFLICT (fhir_id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			encounter_id = EXCLUDED.encounter_id,
			status = EXCLUDED.status,
			category = EXCLUDED.category,
			code = EXCLUDED.code,
			code_text = EXCLUDED.code_text,
			value = EXCLUDED.value,
			value_quantity = EXCLUDED.value_quantity,
			effective_datetime = EXCLUDED.effective_datetime,
			issued = EXCLUDED.issued,
			interpretation = EXCLUDED.interpretation,
			raw_data = EXCLUDED.raw_data,
			job_id = EXCLUDED.job_id,
			updated_at = NOW()`,
		f["fhir_id"], f["patient_id"], f["encounter_id"], f["status"], toJSON(f["category"]), toJSON(f["code"]),
		f["code_text"], toJSON(f["value"]), toJSON(f["value_quantity"]), parseDateTime(f["effective_datetime"]),
		parseDateTime(f["issued"]), toJSON(f["interpretation"]), []byte(row.RawData), jobID,
	)
	return err
}

func toJSON(v any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// parseDate and parseDateTime accept ISO-8601 with "Z" or a numeric offset;
// unparsable values become null rather than failing the row (§4.9).
func parseDate(v any) any {
	t, ok := parseISO(v)
	if !ok {
		return nil
	}
	return t
}

func parseDateTime(v any) any {
	t, ok := parseISO(v)
	if !ok {
		return nil
	}
	return t
}

func parseISO(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	layouts := []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
