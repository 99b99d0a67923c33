package core

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedTask(t *testing.T) *Task {
	t.Helper()
	s, err := NewScorer(DefaultScoringConfig())
	require.NoError(t, err)

	submitted := time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC)
	completed := submitted.Add(2 * time.Second)
	result := s.Evaluate(&Email{Subject: "Invoice", Sender: "billing@x.com"}, map[Category][]Finding{
		CategoryHeader: {finding(CategoryHeader, "reply_to_mismatch", 0.4)},
		CategoryLink: {
			finding(CategoryLink, "ip_literal_host", 0.9),
			finding(CategoryLink, "credential_path", 0.2),
		},
	}, nil, completed)

	return &Task{
		ID:          "7d0b8f0e-7d4c-4a59-9a59-0d1c3a5b8e21",
		Kind:        SourceFile,
		Status:      StatusCompleted,
		SubmittedAt: submitted,
		StartedAt:   &submitted,
		CompletedAt: &completed,
		SizeBytes:   512,
		Result:      result,
	}
}

func TestExportJSONRoundTrip(t *testing.T) {
	task := completedTask(t)
	failed := &Task{
		ID:          "failed-1",
		Kind:        SourceContent,
		Status:      StatusFailed,
		SubmittedAt: task.SubmittedAt,
		Error:       &TaskError{Kind: KindParse, Detail: "content is not a readable email message"},
	}

	var buf bytes.Buffer
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, WriteJSON(&buf, []ExportRecord{NewExportRecord(task), NewExportRecord(failed)}, now))

	doc, err := ReadJSON(&buf)
	require.NoError(t, err)
	require.Len(t, doc.Records, 2)

	got := doc.Records[0].Result
	require.NotNil(t, got)
	assert.Equal(t, task.Result.ThreatScore, got.ThreatScore)
	assert.Equal(t, task.Result.RiskLevel, got.RiskLevel)
	for _, cat := range Categories {
		assert.Equal(t, task.Result.Findings[cat], got.Findings[cat], "category %s", cat)
	}
	assert.Equal(t, task.Result.Recommendations, got.Recommendations)
	assert.Nil(t, doc.Records[1].Result)
	assert.Equal(t, KindParse, doc.Records[1].Error.Kind)
}

func TestReadJSONRejectsUnknownSchema(t *testing.T) {
	_, err := ReadJSON(bytes.NewBufferString(`{"records":[{"schema_version":99}]}`))
	assert.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	task := completedTask(t)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []ExportRecord{NewExportRecord(task)}))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, csvColumns, rows[0])

	row := rows[1]
	assert.Equal(t, task.ID, row[0])
	assert.Equal(t, "file", row[2])
	assert.Equal(t, "Invoice", row[4])
	assert.Equal(t, fmt.Sprintf("%.3f", task.Result.ThreatScore), row[6])
	assert.Equal(t, "1", row[8])
	assert.Equal(t, "2", row[10])
	assert.Equal(t, "512", row[14])
}

func TestExportFilename(t *testing.T) {
	now := time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "phishguard_export_20241231.csv", ExportFilename(now, "csv"))
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("lookup: %w", Errorf(KindNotFound, "task %s not found", "abc"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrStore))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))

	wrapped := WrapError(KindStore, "update task", errors.New("disk full"))
	te := NewTaskError(wrapped)
	assert.Equal(t, KindStore, te.Kind)
	assert.Equal(t, "update task: disk full", te.Detail)
	assert.Equal(t, "StoreError: update task: disk full", wrapped.Error())
}

func TestHeaderLookupIsCaseInsensitive(t *testing.T) {
	h := NewHeader([]HeaderField{
		{Name: "Received", Value: "from a"},
		{Name: "reply-TO", Value: "b@evil.com"},
		{Name: "RECEIVED", Value: "from b"},
	})
	assert.Equal(t, "b@evil.com", h.Get("Reply-To"))
	assert.Equal(t, []string{"from a", "from b"}, h.Values("received"))
	assert.True(t, h.Has("REPLY-to"))
	assert.False(t, h.Has("Date"))
	assert.Equal(t, "reply-TO", h.Fields()[1].Name)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusQueued.CanTransition(StatusProcessing))
	assert.True(t, StatusQueued.CanTransition(StatusFailed))
	assert.False(t, StatusQueued.CanTransition(StatusCompleted))
	assert.True(t, StatusProcessing.CanTransition(StatusCompleted))
	assert.False(t, StatusProcessing.CanTransition(StatusQueued))
	assert.False(t, StatusCompleted.CanTransition(StatusFailed))
}

func TestHistoryPageMetadata(t *testing.T) {
	page := NewHistoryPage(nil, 45, HistoryFilter{Page: 2, PerPage: 20})
	assert.Equal(t, 3, page.Pages)
	assert.True(t, page.HasNext)
	assert.True(t, page.HasPrev)
	assert.NotNil(t, page.Results)
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "x.com", DomainOf("<A@X.COM>"))
	assert.Equal(t, "", DomainOf("nobody"))
}
