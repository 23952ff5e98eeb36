// Package model holds the Moshi language model parameter tree and loads it
// from safetensors or GGUF archives.
package model

import (
	"fmt"

	"github.com/23skdu/longbow-moshi/internal/config"
	"github.com/23skdu/longbow-moshi/internal/cpu"
)

type Attention struct {
	InProj  Linear
	OutProj Linear
}

// MLP is the feed-forward block. Gated blocks split In's output into
// [gate | up] halves of width Hidden.
type MLP struct {
	Gated  bool
	Hidden int
	In     Linear
	Out    Linear
}

type Layer struct {
	Norm1       Norm
	Norm2       Norm
	SelfAttn    Attention
	MLP         MLP
	LayerScale1 *Param // nil when layer scaling is disabled
	LayerScale2 *Param
}

type Transformer struct {
	Config config.TransformerConfig
	Layers []*Layer
}

// DepformerSlice is instantiated so its weights load, but no step drives it.
type DepformerSlice struct {
	Emb         *Param
	LinearIn    Linear
	LinearOut   Linear
	Transformer *Transformer
}

type Depformer struct {
	Slices []*DepformerSlice
}

type LM struct {
	Config      config.LmConfig
	DType       cpu.DType
	TextEmb     *Param
	AudioEmbs   []*Param
	Transformer *Transformer
	OutNorm     Norm
	TextLinear  Linear
	Depformer   Depformer

	order  []*Param
	params map[string]*Param
}

// New instantiates every parameter of cfg in float32. Weights start at zero
// and norm scales at one.
func New(cfg config.LmConfig) *LM {
	return build(cfg, newBuilder(true))
}

// Specs lists the parameter names and shapes New would create, in creation
// order, without allocating storage.
func Specs(cfg config.LmConfig) []ParamSpec {
	lm := build(cfg, newBuilder(false))
	specs := make([]ParamSpec, len(lm.order))
	for i, p := range lm.order {
		specs[i] = ParamSpec{Name: p.Name, Shape: p.Shape}
	}
	return specs
}

func build(cfg config.LmConfig, b *builder) *LM {
	d := cfg.Transformer.DModel
	lm := &LM{
		Config: cfg,
		DType:  cpu.Float32,
	}

	lm.TextEmb = b.param("text_emb.weight", 0, cfg.TextInVocabSize, d)
	lm.AudioEmbs = make([]*Param, cfg.AudioCodebooks)
	for i := range lm.AudioEmbs {
		lm.AudioEmbs[i] = b.param(fmt.Sprintf("audio_embs.%d.weight", i), 0, cfg.AudioVocabSize, d)
	}
	lm.Transformer = b.transformer("transformer", cfg.Transformer)
	lm.OutNorm = b.norm("out_norm", cfg.Transformer.Norm, d)
	lm.TextLinear = b.linear("text_linear", d, cfg.TextOutVocabSize, false)

	dcfg := cfg.Depformer.Transformer
	for j := 0; j < cfg.Depformer.NumSlices; j++ {
		prefix := fmt.Sprintf("depformer.slices.%d", j)
		inVocab := cfg.AudioVocabSize
		if j == 0 {
			inVocab = cfg.TextInVocabSize
		}
		lm.Depformer.Slices = append(lm.Depformer.Slices, &DepformerSlice{
			Emb:         b.param(prefix+".emb.weight", 0, inVocab, dcfg.DModel),
			LinearIn:    b.linear(prefix+".linear_in", d, dcfg.DModel, false),
			LinearOut:   b.linear(prefix+".linear_out", dcfg.DModel, cfg.AudioVocabSize-1, false),
			Transformer: b.transformer(prefix+".transformer", dcfg),
		})
	}

	lm.order = b.order
	lm.params = b.byName
	return lm
}

func (b *builder) transformer(prefix string, cfg config.TransformerConfig) *Transformer {
	t := &Transformer{Config: cfg, Layers: make([]*Layer, cfg.NumLayers)}
	d := cfg.DModel
	for l := range t.Layers {
		p := fmt.Sprintf("%s.layers.%d", prefix, l)
		layer := &Layer{
			Norm1: b.norm(p+".norm1", cfg.Norm, d),
			Norm2: b.norm(p+".norm2", cfg.Norm, d),
			SelfAttn: Attention{
				InProj:  b.linear(p+".self_attn.in_proj", d, cfg.InProjDim(), cfg.BiasAttn),
				OutProj: b.linear(p+".self_attn.out_proj", d, d, cfg.BiasAttn),
			},
		}
		if cfg.Gating {
			hidden := cfg.GatingHiddenDim()
			layer.MLP = MLP{
				Gated:  true,
				Hidden: hidden,
				In:     b.linear(p+".gating.linear_in", d, 2*hidden, cfg.BiasFF),
				Out:    b.linear(p+".gating.linear_out", hidden, d, cfg.BiasFF),
			}
		} else {
			layer.MLP = MLP{
				Hidden: cfg.DimFeedForward,
				In:     b.linear(p+".gating.linear1", d, cfg.DimFeedForward, cfg.BiasFF),
				Out:    b.linear(p+".gating.linear2", cfg.DimFeedForward, d, cfg.BiasFF),
			}
		}
		if cfg.LayerScale != nil {
			layer.LayerScale1 = b.param(p+".layer_scale_1.scale", *cfg.LayerScale, d)
			layer.LayerScale2 = b.param(p+".layer_scale_2.scale", *cfg.LayerScale, d)
		}
		t.Layers[l] = layer
	}
	return t
}

// Param returns the named parameter.
func (lm *LM) Param(name string) (*Param, bool) {
	p, ok := lm.params[name]
	return p, ok
}

// Params returns every parameter in creation order.
func (lm *LM) Params() []*Param {
	return lm.order
}

func (lm *LM) NumParams() int64 {
	var n int64
	for _, p := range lm.order {
		n += int64(p.NumElements())
	}
	return n
}

// ParameterBytes is the storage size at the model's dtype.
func (lm *LM) ParameterBytes() int64 {
	return lm.NumParams() * int64(lm.DType.Size())
}

// SetDType rounds every parameter to dt. Weights loaded afterwards are
// rounded the same way.
func (lm *LM) SetDType(dt cpu.DType) error {
	switch dt {
	case cpu.Float32, cpu.Float16, cpu.BFloat16:
	default:
		return fmt.Errorf("set dtype: %w: %q", cpu.ErrUnsupportedDType, dt)
	}
	lm.DType = dt
	for _, p := range lm.order {
		dt.Round(p.Data)
	}
	return nil
}
