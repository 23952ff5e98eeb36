package config

import (
	"fmt"
	"strings"
)

type Norm string

const (
	NormRMS   Norm = "rms_norm"
	NormLayer Norm = "layer_norm"
)

type PositionalEmbedding string

const (
	PositionalNone PositionalEmbedding = "none"
	PositionalRoPE PositionalEmbedding = "rope"
)

// TransformerConfig describes one stack of identical transformer layers.
type TransformerConfig struct {
	DModel              int
	NumHeads            int
	NumLayers           int
	DimFeedForward      int
	Causal              bool
	NormFirst           bool
	BiasFF              bool
	BiasAttn            bool
	LayerScale          *float32 // nil disables layer scaling
	Context             int      // attention window over previous positions, 0 = unbounded
	MaxPeriod           int
	UseConvBlock        bool
	UseConvBias         bool
	CrossAttention      bool
	Gating              bool
	Norm                Norm
	PositionalEmbedding PositionalEmbedding
	ConvLayout          bool
	ConvKernelSize      int
	KVRepeat            int
	MaxSeqLen           int
}

// DepFormerConfig wraps the per-codebook transformer. With NumSlices == 0 the
// depformer carries no parameters and is never driven.
type DepFormerConfig struct {
	Transformer TransformerConfig
	NumSlices   int
}

type LmConfig struct {
	Transformer      TransformerConfig
	Depformer        DepFormerConfig
	AudioVocabSize   int
	TextInVocabSize  int
	TextOutVocabSize int
	AudioCodebooks   int
	AudioDelays      []int // per codebook delay in steps, 0 = no delay
}

func (c TransformerConfig) HeadDim() int {
	return c.DModel / c.NumHeads
}

func (c TransformerConfig) KVHeads() int {
	return c.NumHeads / c.KVRepeat
}

// InProjDim is the output width of the fused q/k/v projection.
func (c TransformerConfig) InProjDim() int {
	return c.DModel + 2*c.KVHeads()*c.HeadDim()
}

// GatingHiddenDim is the width of one half of the gated MLP input projection.
func (c TransformerConfig) GatingHiddenDim() int {
	if c.DimFeedForward == 4*c.DModel {
		return 11 * c.DModel / 4
	}
	return 2 * c.DimFeedForward / 3
}

func (c TransformerConfig) Validate() error {
	if c.DModel <= 0 {
		return fmt.Errorf("invalid d_model: %d (must be positive)", c.DModel)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("invalid num_heads: %d (must be positive)", c.NumHeads)
	}
	if c.DModel%c.NumHeads != 0 {
		return fmt.Errorf("d_model %d not divisible by num_heads %d", c.DModel, c.NumHeads)
	}
	if c.HeadDim()%2 != 0 && c.PositionalEmbedding == PositionalRoPE {
		return fmt.Errorf("invalid head_dim: %d (rope needs an even head dim)", c.HeadDim())
	}
	if c.NumLayers <= 0 {
		return fmt.Errorf("invalid num_layers: %d (must be positive)", c.NumLayers)
	}
	if c.DimFeedForward <= 0 {
		return fmt.Errorf("invalid dim_feedforward: %d (must be positive)", c.DimFeedForward)
	}
	if c.KVRepeat <= 0 {
		return fmt.Errorf("invalid kv_repeat: %d (must be positive)", c.KVRepeat)
	}
	if c.NumHeads%c.KVRepeat != 0 {
		return fmt.Errorf("num_heads %d not divisible by kv_repeat %d", c.NumHeads, c.KVRepeat)
	}
	if c.Context < 0 {
		return fmt.Errorf("invalid context: %d (must be non-negative)", c.Context)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("invalid max_seq_len: %d (must be positive)", c.MaxSeqLen)
	}
	if c.MaxPeriod <= 0 {
		return fmt.Errorf("invalid max_period: %d (must be positive)", c.MaxPeriod)
	}
	switch c.Norm {
	case NormRMS, NormLayer:
	default:
		return fmt.Errorf("unknown norm: %q", c.Norm)
	}
	switch c.PositionalEmbedding {
	case PositionalNone, PositionalRoPE:
	default:
		return fmt.Errorf("unknown positional_embedding: %q", c.PositionalEmbedding)
	}
	if !c.NormFirst {
		return fmt.Errorf("norm_first=false is not supported")
	}
	if c.UseConvBlock || c.CrossAttention {
		return fmt.Errorf("conv blocks and cross attention are not supported")
	}
	return nil
}

func (c LmConfig) Validate() error {
	if err := c.Transformer.Validate(); err != nil {
		return fmt.Errorf("transformer: %w", err)
	}
	if c.Depformer.NumSlices < 0 {
		return fmt.Errorf("invalid depformer num_slices: %d (must be non-negative)", c.Depformer.NumSlices)
	}
	if c.Depformer.NumSlices > 0 {
		if err := c.Depformer.Transformer.Validate(); err != nil {
			return fmt.Errorf("depformer: %w", err)
		}
	}
	if c.AudioVocabSize < 2 {
		return fmt.Errorf("invalid audio_vocab_size: %d (must be at least 2)", c.AudioVocabSize)
	}
	if c.TextInVocabSize <= 0 {
		return fmt.Errorf("invalid text_in_vocab_size: %d (must be positive)", c.TextInVocabSize)
	}
	if c.TextOutVocabSize <= 0 {
		return fmt.Errorf("invalid text_out_vocab_size: %d (must be positive)", c.TextOutVocabSize)
	}
	if c.AudioCodebooks < 0 {
		return fmt.Errorf("invalid audio_codebooks: %d (must be non-negative)", c.AudioCodebooks)
	}
	if len(c.AudioDelays) < c.AudioCodebooks {
		return fmt.Errorf("audio_delays has %d entries, need at least %d", len(c.AudioDelays), c.AudioCodebooks)
	}
	for i, d := range c.AudioDelays {
		if d < 0 {
			return fmt.Errorf("invalid audio_delays[%d]: %d (must be non-negative)", i, d)
		}
	}
	return nil
}

// TextPaddingToken is the "no text yet" sentinel fed at the start of generation.
func (c LmConfig) TextPaddingToken() int {
	return c.TextInVocabSize - 1
}

// AudioPaddingToken is the "no audio yet" sentinel for every codebook.
func (c LmConfig) AudioPaddingToken() int {
	return c.AudioVocabSize - 1
}

func (c LmConfig) AudioEOSToken() int {
	return c.AudioVocabSize - 2
}

func (c LmConfig) MaxDelay() int {
	m := 0
	for _, d := range c.AudioDelays {
		if d > m {
			m = d
		}
	}
	return m
}

func (c LmConfig) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "lm{d=%d heads=%d layers=%d ff=%d ctx=%d",
		c.Transformer.DModel, c.Transformer.NumHeads, c.Transformer.NumLayers,
		c.Transformer.DimFeedForward, c.Transformer.Context)
	fmt.Fprintf(&sb, " dep_d=%d dep_slices=%d", c.Depformer.Transformer.DModel, c.Depformer.NumSlices)
	fmt.Fprintf(&sb, " text=%d/%d audio=%dx%d}",
		c.TextInVocabSize, c.TextOutVocabSize, c.AudioCodebooks, c.AudioVocabSize)
	return sb.String()
}
