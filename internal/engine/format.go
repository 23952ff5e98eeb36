package engine

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// formatEdgeItems is how many values print at each end of a long vector.
const (
	formatEdgeItems = 3
	formatThreshold = 1000
)

// Candidate is one token id with its logit.
type Candidate struct {
	ID    int
	Logit float32
}

// TopK returns the k highest logits, highest first, ties by lower id. NaN
// values are never selected.
func TopK(logits []float32, k int) []Candidate {
	if k <= 0 {
		return nil
	}
	cands := make([]Candidate, 0, len(logits))
	for i, v := range logits {
		if !math.IsNaN(float64(v)) {
			cands = append(cands, Candidate{ID: i, Logit: v})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Logit > cands[j].Logit
	})
	if k < len(cands) {
		cands = cands[:k]
	}
	return cands
}

// FormatLogits renders a logit vector as a one-step (1, 1, n) float32 array,
// summarizing long vectors by their first and last three values.
func FormatLogits(logits []float32) string {
	var b strings.Builder
	b.WriteString("array([[[")
	if len(logits) > formatThreshold {
		writeValues(&b, logits[:formatEdgeItems])
		b.WriteString(", ..., ")
		writeValues(&b, logits[len(logits)-formatEdgeItems:])
	} else {
		writeValues(&b, logits)
	}
	b.WriteString("]]], dtype=float32)")
	return b.String()
}

func writeValues(b *strings.Builder, values []float32) {
	for i, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(formatFloat(v))
	}
}

func formatFloat(v float32) string {
	switch {
	case math.IsNaN(float64(v)):
		return "nan"
	case math.IsInf(float64(v), 1):
		return "inf"
	case math.IsInf(float64(v), -1):
		return "-inf"
	}
	return strconv.FormatFloat(float64(v), 'f', 6, 32)
}
