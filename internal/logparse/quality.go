package logparse

import "github.com/logamizer/logamizer/internal/model"

// QualityBuilder accumulates per-line parse outcomes into the quality
// report persisted alongside each log file.
type QualityBuilder struct {
	parsed       int
	failed       int
	sampleErrors []string
}

// RecordParsed notes one successfully parsed line.
func (q *QualityBuilder) RecordParsed() {
	q.parsed++
}

// RecordFailed notes one failed line, keeping the first few errors as
// samples for the report.
func (q *QualityBuilder) RecordFailed(err error) {
	q.failed++
	if err != nil && len(q.sampleErrors) < model.MaxFailedLineSamples {
		q.sampleErrors = append(q.sampleErrors, err.Error())
	}
}

// Report finalizes the quality report using the decoder's line counters.
// The success rate is parsed lines over content lines (total minus empty).
func (q *QualityBuilder) Report(totalLines, emptyLines int) model.QualityReport {
	content := totalLines - emptyLines
	rate := 0.0
	if content > 0 {
		rate = float64(q.parsed) / float64(content)
	}
	return model.QualityReport{
		TotalLines:   totalLines,
		ParsedLines:  q.parsed,
		FailedLines:  q.failed,
		EmptyLines:   emptyLines,
		SuccessRate:  rate,
		SampleErrors: q.sampleErrors,
	}
}
