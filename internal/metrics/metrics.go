package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "moshi_step_duration_seconds",
		Help: "Duration of single transformer steps",
	})

	StepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moshi_steps_total",
		Help: "The total number of transformer steps executed",
	})

	ScratchAllocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_scratch_allocated_bytes",
		Help: "Current bytes held by the CPU scratch tensor pool",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	// Weight loading

	WeightLoadDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "weight_load_duration_seconds",
		Help: "Duration of weight archive loads",
	})

	TensorsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weight_tensors_loaded_total",
		Help: "Tensors copied from weight archives by source dtype",
	}, []string{"dtype"})

	ParameterBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "model_parameter_bytes",
		Help: "Parameter storage size at the configured precision",
	})

	// Logit range audit

	LogitMaxValue = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logit_max_value",
		Help:    "Maximum logit value observed",
		Buckets: []float64{-100, -50, -20, -10, -5, 0, 5, 10, 20, 50, 100, 500, 1000},
	})

	LogitMinValue = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logit_min_value",
		Help:    "Minimum logit value observed",
		Buckets: []float64{-1000, -500, -100, -50, -20, -10, -5, 0, 5, 10, 20, 50, 100},
	})

	LogitRMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logit_rms",
		Help:    "Root mean square of logit values",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 200, 500},
	})

	LogitFlatDistribution = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logit_flat_distribution_total",
		Help: "Count of flat logit distributions detected",
	})

	// KV cache

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total capacity of KV cache in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_used_bytes",
		Help: "Current bytes used in KV cache",
	})

	KVCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_hits_total",
		Help: "Total number of KV cache reads",
	})

	KVCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_evictions_total",
		Help: "Total number of positions overwritten by the sliding window",
	})

	KVCacheOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_oob_total",
		Help: "Count of KV cache out-of-bounds writes rejected",
	})

	// Tokenizer export

	TokenizerVocabSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokenizer_vocab_size",
		Help: "Size of the last exported tokenizer vocabulary",
	})

	VocabExportDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "tokenizer_vocab_export_duration_seconds",
		Help: "Duration of vocabulary exports",
	})
)

func RecordStep(duration time.Duration) {
	StepsTotal.Inc()
	StepDuration.Observe(duration.Seconds())
}

func RecordScratchBytes(bytes int64) {
	ScratchAllocatedBytes.Set(float64(bytes))
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordWeightLoad(tensors map[string]int, paramBytes int64, duration time.Duration) {
	for dtype, n := range tensors {
		TensorsLoaded.WithLabelValues(dtype).Add(float64(n))
	}
	ParameterBytes.Set(float64(paramBytes))
	WeightLoadDuration.Observe(duration.Seconds())
}

// RecordLogitAudit records logit range audit results
func RecordLogitAudit(max, min, rms float32, nanCount, infCount int, isFlat bool) {
	LogitMaxValue.Observe(float64(max))
	LogitMinValue.Observe(float64(min))
	LogitRMS.Observe(float64(rms))
	if isFlat {
		LogitFlatDistribution.Inc()
	}
	RecordNumericalInstability("logits", nanCount, infCount)
}

func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
}

// RecordKVCacheWrite tracks a single position write. wrapped reports that the
// write replaced an older position in a sliding window.
func RecordKVCacheWrite(usedBytes int64, wrapped bool) {
	KVCacheUsedBytes.Set(float64(usedBytes))
	if wrapped {
		KVCacheEvictions.Inc()
	}
}

func RecordKVCacheOutOfBounds() {
	KVCacheOutOfBounds.Inc()
}

func RecordVocabExport(vocabSize int, duration time.Duration) {
	TokenizerVocabSize.Set(float64(vocabSize))
	VocabExportDuration.Observe(duration.Seconds())
}
