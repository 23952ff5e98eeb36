// Package engine assembles one inference step of the Moshi language model:
// fused text and audio embedding, the main transformer with its persistent
// attention cache, the output norm and the text logits.
package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-moshi/internal/config"
	"github.com/23skdu/longbow-moshi/internal/cpu"
	"github.com/23skdu/longbow-moshi/internal/logger"
	"github.com/23skdu/longbow-moshi/internal/metrics"
	"github.com/23skdu/longbow-moshi/internal/model"
)

var ErrTokenOutOfRange = errors.New("token id out of range")

type Engine struct {
	lm    *model.LM
	ctx   *cpu.Context
	cache *TransformerCache
	trace *ActivationLogger
}

// New prepares an engine over a loaded model. The engine owns one attention
// cache for the main transformer.
func New(lm *model.LM) (*Engine, error) {
	if err := lm.Config.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	ctx := cpu.NewContext()
	cache, err := NewCache(ctx, lm.Config.Transformer)
	if err != nil {
		ctx.Free()
		return nil, err
	}
	logger.Log.Debug("engine ready", "layers", len(lm.Transformer.Layers),
		"cache_slots", cache.Size(), "dtype", string(lm.DType))
	return &Engine{
		lm:    lm,
		ctx:   ctx,
		cache: cache,
		trace: NewActivationLogger(),
	}, nil
}

func (e *Engine) Cache() *TransformerCache {
	return e.cache
}

// Trace exposes the activation logger for the next step.
func (e *Engine) Trace() *ActivationLogger {
	return e.trace
}

func (e *Engine) Close() {
	e.cache.Free()
	e.ctx.Free()
}

// EmbedStep sums the text embedding row and one row per audio codebook into
// a single d_model vector, the (1, 1, d) input of one step.
func (e *Engine) EmbedStep(textID int, audioIDs []int) ([]float32, error) {
	cfg := e.lm.Config
	if len(audioIDs) != cfg.AudioCodebooks {
		metrics.RecordValidationError("embed_step", "codebook_count")
		return nil, fmt.Errorf("got %d audio tokens, want %d codebooks", len(audioIDs), cfg.AudioCodebooks)
	}
	if textID < 0 || textID >= cfg.TextInVocabSize {
		metrics.RecordValidationError("embed_step", "text_id")
		return nil, fmt.Errorf("text id %d: %w (vocab %d)", textID, ErrTokenOutOfRange, cfg.TextInVocabSize)
	}
	for i, id := range audioIDs {
		if id < 0 || id >= cfg.AudioVocabSize {
			metrics.RecordValidationError("embed_step", "audio_id")
			return nil, fmt.Errorf("audio codebook %d id %d: %w (vocab %d)", i, id, ErrTokenOutOfRange, cfg.AudioVocabSize)
		}
	}

	d := cfg.Transformer.DModel
	x := make([]float32, d)
	copy(x, e.lm.TextEmb.Data[textID*d:(textID+1)*d])
	for i, id := range audioIDs {
		cpu.Add(x, e.lm.AudioEmbs[i].Data[id*d:(id+1)*d])
	}
	return x, nil
}

// StepMain runs one position through the main transformer and returns the
// text logits. The cache advances only when the whole step succeeds.
func (e *Engine) StepMain(textID int, audioIDs []int) ([]float32, error) {
	start := time.Now()

	x, err := e.EmbedStep(textID, audioIDs)
	if err != nil {
		return nil, err
	}
	pos := e.cache.Offset()
	e.trace.LogEmbedding(pos, textID, audioIDs, x)

	for l, layer := range e.lm.Transformer.Layers {
		if err := e.forwardLayer(l, layer, x, pos); err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}
	}
	e.cache.advance()

	d := e.lm.Config.Transformer.DModel
	normed := e.ctx.NewTensor(1, d)
	defer e.ctx.PutTensor(normed)
	e.lm.OutNorm.Forward(normed.Data(), x)

	logits := make([]float32, e.lm.Config.TextOutVocabSize)
	e.lm.TextLinear.Forward(logits, normed.Data())
	e.trace.LogLogits(logits)

	metrics.RecordStep(time.Since(start))
	return logits, nil
}

// RunOne steps once with the text and audio padding tokens.
func (e *Engine) RunOne() ([]float32, error) {
	cfg := e.lm.Config
	audio := make([]int, cfg.AudioCodebooks)
	for i := range audio {
		audio[i] = cfg.AudioPaddingToken()
	}
	return e.StepMain(cfg.TextPaddingToken(), audio)
}

func (e *Engine) forwardLayer(l int, layer *model.Layer, x []float32, pos int) error {
	cfg := e.lm.Config.Transformer
	d := cfg.DModel

	normed := e.ctx.NewTensor(1, d)
	defer e.ctx.PutTensor(normed)
	attnOut := e.ctx.NewTensor(1, d)
	defer e.ctx.PutTensor(attnOut)

	qkv := e.ctx.NewTensor(1, cfg.InProjDim())
	defer e.ctx.PutTensor(qkv)

	layer.Norm1.Forward(normed.Data(), x)
	if err := e.attention(l, layer, normed.Data(), qkv.Data(), attnOut.Data(), pos); err != nil {
		return err
	}
	residual(x, attnOut.Data(), layer.LayerScale1)

	layer.Norm2.Forward(normed.Data(), x)
	ffnOut := e.ctx.NewTensor(1, d)
	defer e.ctx.PutTensor(ffnOut)
	e.mlp(layer.MLP, normed.Data(), ffnOut.Data())
	residual(x, ffnOut.Data(), layer.LayerScale2)

	kvDim := cfg.KVHeads() * cfg.HeadDim()
	q := qkv.Data()[:d]
	e.trace.LogLayer(l, q, qkv.Data()[d:d+kvDim], qkv.Data()[d+kvDim:], attnOut.Data(), ffnOut.Data())
	return nil
}

func residual(x, delta []float32, scale *model.Param) {
	if scale != nil {
		cpu.AddScaled(x, delta, scale.Data)
		return
	}
	cpu.Add(x, delta)
}

// attention writes the attention block output for x into out. qkv receives
// the rotated projections of this position.
func (e *Engine) attention(l int, layer *model.Layer, x, qkv, out []float32, pos int) error {
	cfg := e.lm.Config.Transformer
	d := cfg.DModel
	heads := cfg.NumHeads
	headDim := cfg.HeadDim()
	kvDim := cfg.KVHeads() * headDim

	layer.SelfAttn.InProj.Forward(qkv, x)
	q := qkv[:d]
	k := qkv[d : d+kvDim]
	v := qkv[d+kvDim:]

	if cfg.PositionalEmbedding == config.PositionalRoPE {
		base := float32(cfg.MaxPeriod)
		cpu.RopeTraditional(q, heads, headDim, pos, base)
		cpu.RopeTraditional(k, cfg.KVHeads(), headDim, pos, base)
	}

	if err := e.cache.Update(l, pos, k, v); err != nil {
		return err
	}
	view := e.cache.Get(l)
	if cfg.Context > 0 && view.Len() > cfg.Context+1 {
		drop := view.Len() - (cfg.Context + 1)
		view.K, view.V = view.K[drop:], view.V[drop:]
	}

	mixed := e.ctx.NewTensor(1, d)
	defer e.ctx.PutTensor(mixed)
	scores := make([]float32, view.Len())
	scale := float32(1 / math.Sqrt(float64(headDim)))
	for h := 0; h < heads; h++ {
		kvOff := (h / cfg.KVRepeat) * headDim
		qh := q[h*headDim : (h+1)*headDim]
		for j, row := range view.K {
			scores[j] = cpu.Dot(qh, row[kvOff:kvOff+headDim]) * scale
		}
		cpu.Softmax(scores)
		oh := mixed.Data()[h*headDim : (h+1)*headDim]
		for j, row := range view.V {
			cpu.Axpy(scores[j], row[kvOff:kvOff+headDim], oh)
		}
	}

	layer.SelfAttn.OutProj.Forward(out, mixed.Data())
	return nil
}

func (e *Engine) mlp(m model.MLP, x, out []float32) {
	if m.Gated {
		in := e.ctx.NewTensor(1, 2*m.Hidden)
		defer e.ctx.PutTensor(in)
		hidden := e.ctx.NewTensor(1, m.Hidden)
		defer e.ctx.PutTensor(hidden)

		m.In.Forward(in.Data(), x)
		cpu.SiluMul(hidden.Data(), in.Data()[:m.Hidden], in.Data()[m.Hidden:])
		m.Out.Forward(out, hidden.Data())
		return
	}

	hidden := e.ctx.NewTensor(1, m.Hidden)
	defer e.ctx.PutTensor(hidden)
	m.In.Forward(hidden.Data(), x)
	cpu.GeLU(hidden.Data(), hidden.Data())
	m.Out.Forward(out, hidden.Data())
}
