package core

import (
	"strings"
	"time"
)

// Category identifies which detector produced a finding
type Category string

const (
	CategoryHeader     Category = "header"
	CategoryContent    Category = "content"
	CategoryLink       Category = "link"
	CategoryAttachment Category = "attachment"
)

// Categories is the closed, ordered set of detector categories
var Categories = [...]Category{CategoryHeader, CategoryContent, CategoryLink, CategoryAttachment}

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// RiskLevel is the tier derived from a threat score
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParseRiskLevel validates a risk level string
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh:
		return RiskHigh, nil
	default:
		return "", Errorf(KindInvalidInput, "unknown risk level %q", s)
	}
}

// SourceKind describes how the email reached the pipeline
type SourceKind string

const (
	SourceContent     SourceKind = "content"
	SourceFile        SourceKind = "file"
	SourceBatchMember SourceKind = "batch-member"
	// SourceBatch marks a batch parent record; it never carries an email itself.
	SourceBatch SourceKind = "batch"
)

// TaskStatus is the lifecycle state of a task
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next respects the lifecycle
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// HeaderField is a single header line with its original name casing
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields with case-insensitive lookup
type Header struct {
	fields []HeaderField
}

// NewHeader builds a Header from fields in message order
func NewHeader(fields []HeaderField) Header {
	cp := make([]HeaderField, len(fields))
	copy(cp, fields)
	return Header{fields: cp}
}

// Get returns the first value for name, or an empty string
func (h Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in message order
func (h Header) Values(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// Has reports whether at least one field named name exists
func (h Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Fields returns a copy of all fields in message order
func (h Header) Fields() []HeaderField {
	cp := make([]HeaderField, len(h.fields))
	copy(cp, h.fields)
	return cp
}

// Len returns the number of header fields
func (h Header) Len() int {
	return len(h.fields)
}

// Link is a URL found in the message body
type Link struct {
	URL string
	// DisplayText is the anchor text when the link came from HTML.
	DisplayText string
	FromHTML    bool
}

// Attachment describes a non-inline MIME part
type Attachment struct {
	Filename     string
	DeclaredType string
	Size         int64
	SHA256       string
	// Head holds at most the configured sniff prefix of the decoded content.
	Head []byte
}

// Email is a parsed message; it is produced once per task and never mutated
type Email struct {
	Sender        string
	SenderAddress string
	SenderName    string
	Subject       string
	Headers       Header
	Body          string
	HTMLBody      bool
	Links         []Link
	Attachments   []Attachment
	ParseWarnings []string
}

// SenderDomain returns the lower-cased domain of the sender address
func (e *Email) SenderDomain() string {
	return DomainOf(e.SenderAddress)
}

// DomainOf extracts the lower-cased domain part of an address
func DomainOf(address string) string {
	address = strings.Trim(strings.TrimSpace(address), "<>")
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(address[at+1:]), ".")
}

// Finding is a single indicator raised by a detector
type Finding struct {
	Indicator string   `json:"indicator"`
	Category  Category `json:"category"`
	Weight    float64  `json:"weight"`
	Evidence  string   `json:"evidence"`
}

// SkippedCategory records a detector that did not contribute
type SkippedCategory struct {
	Category Category `json:"category"`
	Reason   string   `json:"reason"`
}

// AnalysisResult is the immutable outcome of analysing one email
type AnalysisResult struct {
	ThreatScore     float64                `json:"threat_score"`
	RiskLevel       RiskLevel              `json:"risk_level"`
	Findings        map[Category][]Finding `json:"findings"`
	CategoryScores  map[Category]float64   `json:"category_scores"`
	Recommendations []string               `json:"recommendations"`
	Skipped         []SkippedCategory      `json:"skipped_categories,omitempty"`
	ParseWarnings   []string               `json:"parse_warnings,omitempty"`
	Subject         string                 `json:"subject"`
	Sender          string                 `json:"sender"`
	AnalyzedAt      time.Time              `json:"analyzed_at"`
}

// FindingCount returns the number of findings in a category
func (r *AnalysisResult) FindingCount(c Category) int {
	if r == nil {
		return 0
	}
	return len(r.Findings[c])
}

// TaskError is the persisted failure detail of a task
type TaskError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

// BatchSummary counts child outcomes of a batch
type BatchSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Low       int `json:"low"`
	Medium    int `json:"medium"`
	High      int `json:"high"`
}

// BatchRecord is carried by batch parent tasks
type BatchRecord struct {
	Children []string     `json:"children"`
	Summary  BatchSummary `json:"summary"`
}

// Task is the unit of work tracked by the store
type Task struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parent_id,omitempty"`
	Kind        SourceKind      `json:"source_kind"`
	Status      TaskStatus      `json:"status"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	SizeBytes   int             `json:"size_bytes"`
	Result      *AnalysisResult `json:"result,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
	Batch       *BatchRecord    `json:"batch,omitempty"`
}

// StatusSince returns when the task entered its current status
func (t *Task) StatusSince() time.Time {
	switch {
	case t.Status == StatusProcessing && t.StartedAt != nil:
		return *t.StartedAt
	case t.Status.IsTerminal() && t.CompletedAt != nil:
		return *t.CompletedAt
	default:
		return t.SubmittedAt
	}
}

// RiskLevel returns the risk level of a completed task, or empty
func (t *Task) RiskLevel() RiskLevel {
	if t.Result == nil {
		return ""
	}
	return t.Result.RiskLevel
}

// Clone returns a copy that shares only the immutable result
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}
	if t.Error != nil {
		taskErr := *t.Error
		cp.Error = &taskErr
	}
	if t.Batch != nil {
		batch := *t.Batch
		batch.Children = append([]string(nil), t.Batch.Children...)
		cp.Batch = &batch
	}
	return &cp
}

// BatchStatus is a batch parent together with its children
type BatchStatus struct {
	Parent   *Task   `json:"parent"`
	Children []*Task `json:"children"`
}

// DailyStat is the aggregate of completed tasks for one UTC day
type DailyStat struct {
	Date         string  `json:"date"`
	Total        int64   `json:"total"`
	ScoreSum     float64 `json:"score_sum"`
	Low          int64   `json:"low"`
	Medium       int64   `json:"medium"`
	High         int64   `json:"high"`
	ContentCount int64   `json:"content_count"`
	FileCount    int64   `json:"file_count"`
	BatchCount   int64   `json:"batch_count"`
	Finalized    bool    `json:"finalized"`
}

// AverageScore returns the mean threat score for the day
func (d DailyStat) AverageScore() float64 {
	if d.Total == 0 {
		return 0
	}
	return d.ScoreSum / float64(d.Total)
}

// DayLayout is the key format of daily statistics
const DayLayout = "2006-01-02"

// DayKey returns the UTC day key for t
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// HistoryFilter selects tasks for history listings.
// From is inclusive and To is exclusive; zero values leave the bound open.
type HistoryFilter struct {
	RiskLevel RiskLevel
	Status    TaskStatus
	From      time.Time
	To        time.Time
	Page      int
	PerPage   int
}

// Offset returns the row offset of the requested page
func (f HistoryFilter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

// Matches reports whether a task passes the filter, ignoring pagination
func (f HistoryFilter) Matches(t *Task) bool {
	if f.RiskLevel != "" && t.RiskLevel() != f.RiskLevel {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && t.SubmittedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.SubmittedAt.Before(f.To) {
		return false
	}
	return true
}

// HistoryPage is one page of history results
type HistoryPage struct {
	Results     []*Task `json:"results"`
	Total       int     `json:"total"`
	Pages       int     `json:"pages"`
	CurrentPage int     `json:"current_page"`
	PerPage     int     `json:"per_page"`
	HasNext     bool    `json:"has_next"`
	HasPrev     bool    `json:"has_prev"`
}

// NewHistoryPage fills pagination metadata for a page of results
func NewHistoryPage(results []*Task, total int, f HistoryFilter) *HistoryPage {
	pages := 0
	if f.PerPage > 0 {
		pages = (total + f.PerPage - 1) / f.PerPage
	}
	if results == nil {
		results = []*Task{}
	}
	return &HistoryPage{
		Results:     results,
		Total:       total,
		Pages:       pages,
		CurrentPage: f.Page,
		PerPage:     f.PerPage,
		HasNext:     f.Page < pages,
		HasPrev:     f.Page > 1,
	}
}
