package model

// Defaults shared across the pipeline and its configuration surface.
const (
	// TopK is the bound on every top-K summary.
	TopK = 10

	// MaxEvidenceSamples bounds the raw-line samples kept per finding.
	MaxEvidenceSamples = 20

	// MaxFailedLineSamples bounds the parse-error samples in a quality report.
	MaxFailedLineSamples = 10

	// MinParseSuccessRate below which a completed file is flagged in logs.
	MinParseSuccessRate = 0.8

	DefaultBaselineDays     = 7
	DefaultMinBaselineHours = 24
	DefaultZThreshold       = 3.0
	DefaultNewPathMinCount  = 10
)

// DefaultAnomalyParams returns the documented anomaly defaults.
func DefaultAnomalyParams() AnomalyParams {
	return AnomalyParams{
		BaselineDays:     DefaultBaselineDays,
		MinBaselineHours: DefaultMinBaselineHours,
		ZThreshold:       DefaultZThreshold,
		NewPathMinCount:  DefaultNewPathMinCount,
	}
}

// Normalize fills zero-valued anomaly params with defaults.
func (p AnomalyParams) Normalize() AnomalyParams {
	if p.BaselineDays < 1 {
		p.BaselineDays = DefaultBaselineDays
	}
	if p.MinBaselineHours < 1 {
		p.MinBaselineHours = DefaultMinBaselineHours
	}
	if p.ZThreshold <= 0 {
		p.ZThreshold = DefaultZThreshold
	}
	if p.NewPathMinCount < 1 {
		p.NewPathMinCount = DefaultNewPathMinCount
	}
	return p
}
