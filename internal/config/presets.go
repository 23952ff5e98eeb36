package config

import "path/filepath"

// Config1B returns the 1B ASR language model configuration: a 2048-wide main
// transformer over fused text and 8 audio codebook embeddings, plus an inert
// 1024-wide depformer.
func Config1B() LmConfig {
	transformer := TransformerConfig{
		DModel:              2048,
		NumHeads:            16,
		NumLayers:           16,
		DimFeedForward:      2048 * 4,
		Causal:              true,
		NormFirst:           true,
		BiasFF:              false,
		BiasAttn:            false,
		LayerScale:          nil,
		Context:             750,
		MaxPeriod:           100000,
		UseConvBlock:        false,
		UseConvBias:         true,
		CrossAttention:      false,
		Gating:              true,
		Norm:                NormRMS,
		PositionalEmbedding: PositionalRoPE,
		ConvLayout:          false,
		ConvKernelSize:      3,
		KVRepeat:            1,
		MaxSeqLen:           4096,
	}
	depformer := DepFormerConfig{
		Transformer: TransformerConfig{
			DModel:              1024,
			NumHeads:            16,
			NumLayers:           6,
			DimFeedForward:      1024 * 4,
			Causal:              true,
			NormFirst:           true,
			BiasFF:              false,
			BiasAttn:            false,
			LayerScale:          nil,
			Context:             8,
			MaxPeriod:           10000,
			UseConvBlock:        false,
			UseConvBias:         true,
			CrossAttention:      false,
			Gating:              true,
			Norm:                NormRMS,
			PositionalEmbedding: PositionalNone,
			ConvLayout:          false,
			ConvKernelSize:      3,
			KVRepeat:            1,
			MaxSeqLen:           4096,
		},
		NumSlices: 0,
	}
	return LmConfig{
		Transformer:      transformer,
		Depformer:        depformer,
		AudioVocabSize:   2049,
		TextInVocabSize:  48001,
		TextOutVocabSize: 48000,
		AudioCodebooks:   8,
		AudioDelays:      make([]int, 16),
	}
}

// Tiny keeps the shape rules of Config1B at a size that runs in tests.
func Tiny() LmConfig {
	cfg := Config1B()
	cfg.Transformer.DModel = 16
	cfg.Transformer.NumHeads = 4
	cfg.Transformer.NumLayers = 2
	cfg.Transformer.DimFeedForward = 16 * 4
	cfg.Transformer.Context = 4
	cfg.Transformer.MaxSeqLen = 32

	cfg.Depformer.Transformer.DModel = 8
	cfg.Depformer.Transformer.NumHeads = 2
	cfg.Depformer.Transformer.NumLayers = 1
	cfg.Depformer.Transformer.DimFeedForward = 8 * 4
	cfg.Depformer.Transformer.MaxSeqLen = 32

	cfg.AudioVocabSize = 9
	cfg.TextInVocabSize = 33
	cfg.TextOutVocabSize = 32
	cfg.AudioCodebooks = 3
	cfg.AudioDelays = make([]int, 6)
	return cfg
}

const (
	DefaultWeightsFile   = "asr-1b-8d2516b9@150.safetensors"
	DefaultTokenizerFile = "tokenizer_spm_32k_3.model"
	DefaultVocabFile     = "tokenizer_spm_32k_3.json"
)

// Paths are the on-disk inputs and outputs of both commands.
type Paths struct {
	Weights   string
	Tokenizer string
	VocabOut  string
}

// DefaultPaths places every file under <home>/tmp.
func DefaultPaths(home string) Paths {
	dir := filepath.Join(home, "tmp")
	return Paths{
		Weights:   filepath.Join(dir, DefaultWeightsFile),
		Tokenizer: filepath.Join(dir, DefaultTokenizerFile),
		VocabOut:  filepath.Join(dir, DefaultVocabFile),
	}
}
