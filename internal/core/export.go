package core

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ExportSchemaVersion is bumped whenever ExportRecord changes incompatibly
const ExportSchemaVersion = 1

// ExportRecord is the documented, stable serialization of a task.
//
//	schema_version  int     always ExportSchemaVersion
//	task_id         string  task UUID
//	parent_id       string  batch parent, empty for standalone tasks
//	source_kind     string  content | file | batch-member | batch
//	status          string  queued | processing | completed | failed
//	submitted_at    RFC3339 UTC
//	completed_at    RFC3339 UTC or null
//	size_bytes      int     submitted payload size
//	result          object  AnalysisResult, null unless completed
//	error           object  {kind, detail}, null unless failed
type ExportRecord struct {
	SchemaVersion int             `json:"schema_version"`
	TaskID        string          `json:"task_id"`
	ParentID      string          `json:"parent_id,omitempty"`
	SourceKind    SourceKind      `json:"source_kind"`
	Status        TaskStatus      `json:"status"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	CompletedAt   *time.Time      `json:"completed_at"`
	SizeBytes     int             `json:"size_bytes"`
	Result        *AnalysisResult `json:"result"`
	Error         *TaskError      `json:"error"`
}

// ExportDocument wraps records for JSON export
type ExportDocument struct {
	ExportedAt time.Time      `json:"exported_at"`
	Records    []ExportRecord `json:"records"`
}

// csvColumns lists the flat CSV export columns in order
var csvColumns = []string{
	"task_id", "parent_id", "source_kind", "status", "subject", "sender",
	"threat_score", "risk_level",
	"header_findings", "content_findings", "link_findings", "attachment_findings",
	"submitted_at", "completed_at", "size_bytes", "error_kind",
}

// NewExportRecord converts a task into its export form
func NewExportRecord(t *Task) ExportRecord {
	return ExportRecord{
		SchemaVersion: ExportSchemaVersion,
		TaskID:        t.ID,
		ParentID:      t.ParentID,
		SourceKind:    t.Kind,
		Status:        t.Status,
		SubmittedAt:   t.SubmittedAt.UTC(),
		CompletedAt:   t.CompletedAt,
		SizeBytes:     t.SizeBytes,
		Result:        t.Result,
		Error:         t.Error,
	}
}

// ExportFilename returns the conventional export file name for a format
func ExportFilename(now time.Time, format string) string {
	return fmt.Sprintf("phishguard_export_%s.%s", now.UTC().Format("20060102"), format)
}

// WriteJSON writes records as an indented JSON document
func WriteJSON(w io.Writer, records []ExportRecord, now time.Time) error {
	if records == nil {
		records = []ExportRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ExportDocument{ExportedAt: now.UTC(), Records: records}); err != nil {
		return fmt.Errorf("failed to encode export document: %w", err)
	}
	return nil
}

// ReadJSON decodes a document produced by WriteJSON
func ReadJSON(r io.Reader) (*ExportDocument, error) {
	var doc ExportDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode export document: %w", err)
	}
	for i := range doc.Records {
		if v := doc.Records[i].SchemaVersion; v != ExportSchemaVersion {
			return nil, fmt.Errorf("unsupported export schema version %d", v)
		}
	}
	return &doc, nil
}

// WriteCSV writes one flat row per record
func WriteCSV(w io.Writer, records []ExportRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, rec := range records {
		if err := cw.Write(csvRow(rec)); err != nil {
			return fmt.Errorf("failed to write csv row for task %s: %w", rec.TaskID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(rec ExportRecord) []string {
	var subject, sender, score, risk, errKind, completed string
	counts := make([]string, len(Categories))
	for i := range counts {
		counts[i] = "0"
	}
	if rec.Result != nil {
		subject = rec.Result.Subject
		sender = rec.Result.Sender
		score = strconv.FormatFloat(rec.Result.ThreatScore, 'f', ScorePrecision, 64)
		risk = string(rec.Result.RiskLevel)
		for i, cat := range Categories {
			counts[i] = strconv.Itoa(rec.Result.FindingCount(cat))
		}
	}
	if rec.Error != nil {
		errKind = string(rec.Error.Kind)
	}
	if rec.CompletedAt != nil {
		completed = rec.CompletedAt.UTC().Format(time.RFC3339)
	}

	row := []string{
		rec.TaskID, rec.ParentID, string(rec.SourceKind), string(rec.Status), subject, sender,
		score, risk,
	}
	row = append(row, counts...)
	return append(row,
		rec.SubmittedAt.UTC().Format(time.RFC3339),
		completed,
		strconv.Itoa(rec.SizeBytes),
		errKind,
	)
}
