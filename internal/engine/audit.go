package engine

import (
	"math"

	"github.com/23skdu/longbow-moshi/internal/metrics"
)

// LogitRangeAuditResult contains the results of a logit range audit
type LogitRangeAuditResult struct {
	Max              float32
	Min              float32
	Mean             float32
	RMS              float32
	HasNaN           bool
	HasInf           bool
	HasExtremeValues bool
	IsFlat           bool
	NumNaNs          int
	NumInfs          int
}

// AuditLogits inspects a logit vector for flatness or extreme values and
// records the result as metrics. NaN and Inf values are counted but excluded
// from the statistics.
func AuditLogits(logits []float32) LogitRangeAuditResult {
	audit := LogitRangeAuditResult{}
	if len(logits) == 0 {
		return audit
	}

	var sum, sumSq float64
	var minVal, maxVal float32 = math.MaxFloat32, -math.MaxFloat32
	finite := 0

	for _, v := range logits {
		if math.IsNaN(float64(v)) {
			audit.HasNaN = true
			audit.NumNaNs++
			continue
		}
		if math.IsInf(float64(v), 0) {
			audit.HasInf = true
			audit.NumInfs++
			continue
		}
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
		sum += float64(v)
		sumSq += float64(v) * float64(v)
		finite++
	}

	if finite > 0 {
		audit.Max = maxVal
		audit.Min = minVal
		audit.Mean = float32(sum / float64(finite))
		audit.RMS = float32(math.Sqrt(sumSq / float64(finite)))

		variance := sumSq/float64(finite) - (sum/float64(finite))*(sum/float64(finite))
		audit.IsFlat = finite > 1 && variance < 1e-6
	}

	audit.HasExtremeValues = audit.HasNaN || audit.HasInf ||
		math.Abs(float64(audit.Max)) > 1e20 || math.Abs(float64(audit.Min)) > 1e20

	metrics.RecordLogitAudit(audit.Max, audit.Min, audit.RMS, audit.NumNaNs, audit.NumInfs, audit.IsFlat)
	return audit
}
