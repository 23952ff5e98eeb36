package engine

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-moshi/internal/cpu"
	"github.com/23skdu/longbow-moshi/internal/metrics"
)

const (
	embeddingSampleSize = 100
	layerSampleSize     = 10
	logitTopK           = 10
)

// ActivationLog stores layer-by-layer activations of one step for debugging
type ActivationLog struct {
	Step        int                `json:"step"`
	TextID      int                `json:"text_id"`
	AudioIDs    []int              `json:"audio_ids"`
	Embedding   []float32          `json:"embedding"` // First 100 values
	Layers      []LayerLog         `json:"layers"`
	FinalLogits map[string]float32 `json:"final_logits"` // top ids, string keys for JSON
}

// LayerLog captures activations for a single transformer layer
type LayerLog struct {
	Idx        int       `json:"idx"`
	QMax       float32   `json:"q_max"`
	KMax       float32   `json:"k_max"`
	VMax       float32   `json:"v_max"`
	AttnOutMax float32   `json:"attn_out_max"`
	FFNOutMax  float32   `json:"ffn_out_max"`
	QSample    []float32 `json:"q_sample"` // First 10 values
	KSample    []float32 `json:"k_sample"`
	VSample    []float32 `json:"v_sample"`

	AttnNaNCount int `json:"attn_nan_count"`
	AttnInfCount int `json:"attn_inf_count"`
	FFNNaNCount  int `json:"ffn_nan_count"`
	FFNInfCount  int `json:"ffn_inf_count"`
}

// ActivationLogger records the next step when enabled. It is disabled again
// once the step's logits are logged.
type ActivationLogger struct {
	enabled bool
	log     *ActivationLog
	done    *ActivationLog
}

func NewActivationLogger() *ActivationLogger {
	return &ActivationLogger{}
}

// Enable arms the logger for the next step.
func (al *ActivationLogger) Enable() {
	al.enabled = true
	al.log = nil
}

func (al *ActivationLogger) IsEnabled() bool {
	return al.enabled
}

// LogEmbedding starts a new step record with the fused input embedding.
func (al *ActivationLogger) LogEmbedding(step, textID int, audioIDs []int, data []float32) {
	if !al.enabled {
		return
	}
	al.log = &ActivationLog{
		Step:        step,
		TextID:      textID,
		AudioIDs:    append([]int(nil), audioIDs...),
		Embedding:   GetSampleFromTensor(data, embeddingSampleSize),
		FinalLogits: make(map[string]float32),
	}
}

// LogLayer captures one layer's projections and block outputs. NaN and Inf
// counts are also exported as metrics.
func (al *ActivationLogger) LogLayer(idx int, q, k, v, attnOut, ffnOut []float32) {
	if !al.enabled || al.log == nil {
		return
	}

	layer := LayerLog{
		Idx:        idx,
		QMax:       GetMaxFromTensor(q),
		KMax:       GetMaxFromTensor(k),
		VMax:       GetMaxFromTensor(v),
		AttnOutMax: GetMaxFromTensor(attnOut),
		FFNOutMax:  GetMaxFromTensor(ffnOut),
		QSample:    GetSampleFromTensor(q, layerSampleSize),
		KSample:    GetSampleFromTensor(k, layerSampleSize),
		VSample:    GetSampleFromTensor(v, layerSampleSize),
	}
	layer.AttnNaNCount, layer.AttnInfCount = cpu.CountNaNInf(attnOut)
	layer.FFNNaNCount, layer.FFNInfCount = cpu.CountNaNInf(ffnOut)
	metrics.RecordNumericalInstability(fmt.Sprintf("layer_%d_attn", idx), layer.AttnNaNCount, layer.AttnInfCount)
	metrics.RecordNumericalInstability(fmt.Sprintf("layer_%d_ffn", idx), layer.FFNNaNCount, layer.FFNInfCount)

	al.log.Layers = append(al.log.Layers, layer)
}

// LogLogits records the highest logits and closes the step record.
func (al *ActivationLogger) LogLogits(logits []float32) {
	if !al.enabled || al.log == nil {
		return
	}
	for _, c := range TopK(logits, logitTopK) {
		al.log.FinalLogits[fmt.Sprintf("%d", c.ID)] = c.Logit
	}
	al.done = al.log
	al.log = nil
	al.enabled = false
}

// Last returns the most recent completed step record, or nil.
func (al *ActivationLogger) Last() *ActivationLog {
	return al.done
}

// SaveToFile writes the last completed step record as indented JSON.
func (al *ActivationLogger) SaveToFile(filename string) error {
	if al.done == nil {
		return fmt.Errorf("no activation log to save")
	}

	data, err := json.MarshalIndent(al.done, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// GetSampleFromTensor copies the first n values of data.
func GetSampleFromTensor(data []float32, n int) []float32 {
	if len(data) < n {
		n = len(data)
	}
	sample := make([]float32, n)
	copy(sample, data[:n])
	return sample
}

// GetMaxFromTensor finds the maximum absolute value in data.
func GetMaxFromTensor(data []float32) float32 {
	maxVal := float32(0)
	for _, v := range data {
		absV := v
		if absV < 0 {
			absV = -absV
		}
		if absV > maxVal {
			maxVal = absV
		}
	}
	return maxVal
}
