package core

// TrendSummary totals a series of daily statistics
type TrendSummary struct {
	Days         int     `json:"days"`
	Total        int64   `json:"total"`
	Low          int64   `json:"low"`
	Medium       int64   `json:"medium"`
	High         int64   `json:"high"`
	ContentCount int64   `json:"content_count"`
	FileCount    int64   `json:"file_count"`
	BatchCount   int64   `json:"batch_count"`
	AverageScore float64 `json:"average_score"`
}

// SummarizeTrend adds up stats; the average is weighted by task count
func SummarizeTrend(stats []DailyStat) TrendSummary {
	summary := TrendSummary{Days: len(stats)}
	var scoreSum float64
	for _, d := range stats {
		summary.Total += d.Total
		summary.Low += d.Low
		summary.Medium += d.Medium
		summary.High += d.High
		summary.ContentCount += d.ContentCount
		summary.FileCount += d.FileCount
		summary.BatchCount += d.BatchCount
		scoreSum += d.ScoreSum
	}
	if summary.Total > 0 {
		summary.AverageScore = round(scoreSum / float64(summary.Total))
	}
	return summary
}
