// Package anomaly scores freshly aggregated hours against a site's
// historical baseline and emits findings for statistical outliers.
package anomaly

import (
	"fmt"
	"math"
	"time"

	"github.com/logamizer/logamizer/internal/model"
	"github.com/logamizer/logamizer/internal/rules"
)

const (
	// sigmaFloor keeps z-scores finite on flat baselines.
	sigmaFloor = 1.0
	// minRequestsValue and minErrorsValue gate signals on hours too
	// small to matter regardless of their z-score.
	minRequestsValue = 200
	minErrorsValue   = 10
)

const (
	TypeTrafficSpike = "anomaly.traffic_spike"
	TypeErrorSpike   = "anomaly.error_spike"
	TypeNewPath      = "anomaly.new_path"
)

// Detect scores one hour row against its baseline rows and returns any
// anomaly findings. Baseline rows must come from the window
// [hour - baseline_days, hour) for the same site; the hour itself must
// not be among them. Findings are idempotent by
// (site, hour, type, subject) through their fingerprints.
func Detect(row model.HourlyAggregate, baseline []model.HourlyAggregate, params model.AnomalyParams) []model.Finding {
	params = params.Normalize()
	if len(baseline) < params.MinBaselineHours {
		return nil
	}

	var out []model.Finding

	requests := make([]float64, len(baseline))
	errors := make([]float64, len(baseline))
	for i, b := range baseline {
		requests[i] = float64(b.RequestsCount)
		errors[i] = float64(b.Status4xx + b.Status5xx)
	}

	reqValue := float64(row.RequestsCount)
	if z, mean := score(reqValue, requests); z >= params.ZThreshold && row.RequestsCount >= minRequestsValue {
		out = append(out, newFinding(row, TypeTrafficSpike, "requests", model.SeverityHigh,
			"Traffic volume spike",
			fmt.Sprintf("%d requests in the hour %s against a baseline mean of %.1f (z=%.2f over %d hours)",
				row.RequestsCount, row.HourBucket.Format(time.RFC3339), mean, z, len(baseline)),
			"Check whether the surge is legitimate traffic; if not, identify the source in the hour's top IPs.",
			int(row.RequestsCount)))
	}

	errValue := row.Status4xx + row.Status5xx
	if z, mean := score(float64(errValue), errors); z >= params.ZThreshold && errValue >= minErrorsValue {
		out = append(out, newFinding(row, TypeErrorSpike, "errors", model.SeverityCritical,
			"Error rate spike",
			fmt.Sprintf("%d 4xx/5xx responses in the hour %s against a baseline mean of %.1f (z=%.2f over %d hours)",
				errValue, row.HourBucket.Format(time.RFC3339), mean, z, len(baseline)),
			"Inspect the hour's top status codes and paths to locate the failing endpoint.",
			int(errValue)))
	}

	out = append(out, newPaths(row, baseline, params)...)
	return out
}

// newPaths flags paths that appear in the scored hour but in no
// baseline hour, once they clear the configured count floor. Baseline
// visibility is limited to each hour's stored top-K paths, so a path
// that ranked below the cut in every baseline hour can still be
// flagged; the count floor keeps that approximation from firing on
// low-traffic paths.
func newPaths(row model.HourlyAggregate, baseline []model.HourlyAggregate, params model.AnomalyParams) []model.Finding {
	seen := make(map[string]struct{})
	for _, b := range baseline {
		for _, kc := range b.TopPaths {
			seen[kc.Key] = struct{}{}
		}
	}

	var out []model.Finding
	for _, kc := range row.TopPaths {
		if _, ok := seen[kc.Key]; ok {
			continue
		}
		if kc.Count < int64(params.NewPathMinCount) {
			continue
		}
		out = append(out, newFinding(row, TypeNewPath, kc.Key, model.SeverityMedium,
			"Burst on a previously unseen path",
			fmt.Sprintf("%s received %d requests in the hour %s but never appeared in the preceding baseline",
				kc.Key, kc.Count, row.HourBucket.Format(time.RFC3339)),
			"Confirm the path is an intentional deployment; unexpected new paths can indicate probing or abuse.",
			int(kc.Count)))
	}
	return out
}

func newFinding(row model.HourlyAggregate, findingType, subject string, severity model.Severity, title, description, action string, count int) model.Finding {
	return model.Finding{
		SiteID:          row.SiteID,
		Fingerprint:     rules.Fingerprint(findingType, row.SiteID, subject, row.HourBucket),
		FindingType:     findingType,
		Severity:        severity,
		Title:           title,
		Description:     description,
		SuggestedAction: action,
		Meta: model.FindingMeta{
			Count:     count,
			FirstSeen: row.HourBucket,
			LastSeen:  row.HourBucket.Add(time.Hour),
		},
	}
}

// score returns the z-score of value against the sample and the sample
// mean. Sigma is population standard deviation, floored at sigmaFloor.
func score(value float64, sample []float64) (z, mean float64) {
	if len(sample) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range sample {
		sum += v
	}
	mean = sum / float64(len(sample))

	var sq float64
	for _, v := range sample {
		d := v - mean
		sq += d * d
	}
	sigma := math.Sqrt(sq / float64(len(sample)))
	if sigma < sigmaFloor {
		sigma = sigmaFloor
	}
	return (value - mean) / sigma, mean
}
