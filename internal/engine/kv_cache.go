package engine

import (
	"fmt"

	"github.com/23skdu/longbow-moshi/internal/config"
	"github.com/23skdu/longbow-moshi/internal/cpu"
	"github.com/23skdu/longbow-moshi/internal/metrics"
)

// CacheView holds the cached key and value rows visible to a layer, oldest
// position first. Rows alias cache storage and are valid until the next
// Update.
type CacheView struct {
	K [][]float32
	V [][]float32
}

func (v CacheView) Len() int {
	return len(v.K)
}

// KVCache abstraction allows switching between caching strategies.
type KVCache interface {
	Init(ctx *cpu.Context, cfg config.TransformerConfig) error
	Update(layer, pos int, k, v []float32) error
	Get(layer int) CacheView
	Size() int
	Free()
}

// layerStore is the per-layer row storage shared by both cache strategies.
type layerStore struct {
	ctx     *cpu.Context
	kvDim   int
	layers  int
	slots   int
	kCache  []*cpu.Tensor
	vCache  []*cpu.Tensor
	lastPos []int

	initialized bool
}

func (s *layerStore) init(ctx *cpu.Context, cfg config.TransformerConfig, slots int) error {
	s.ctx = ctx
	s.kvDim = cfg.KVHeads() * cfg.HeadDim()
	s.layers = cfg.NumLayers
	s.slots = slots
	if s.layers <= 0 {
		return fmt.Errorf("invalid config: layers=%d", s.layers)
	}
	if s.kvDim <= 0 {
		return fmt.Errorf("invalid config: kvDim=%d", s.kvDim)
	}
	if s.slots <= 0 {
		return fmt.Errorf("invalid config: cache slots=%d", s.slots)
	}

	s.kCache = make([]*cpu.Tensor, s.layers)
	s.vCache = make([]*cpu.Tensor, s.layers)
	s.lastPos = make([]int, s.layers)
	for i := 0; i < s.layers; i++ {
		s.kCache[i] = ctx.NewTensor(s.slots, s.kvDim)
		s.vCache[i] = ctx.NewTensor(s.slots, s.kvDim)
		s.lastPos[i] = -1
	}
	s.initialized = true

	metrics.RecordKVCacheStats(s.capacityBytes(), 0)
	return nil
}

func (s *layerStore) capacityBytes() int64 {
	return int64(s.layers * 2 * s.slots * s.kvDim * 4)
}

func (s *layerStore) check(layer, pos int, k, v []float32) error {
	if !s.initialized {
		return fmt.Errorf("cache not initialized")
	}
	if layer < 0 || layer >= s.layers {
		return fmt.Errorf("invalid layer index: %d", layer)
	}
	if pos < 0 || pos > s.lastPos[layer]+1 {
		return fmt.Errorf("layer %d: position %d does not follow %d", layer, pos, s.lastPos[layer])
	}
	if len(k) != s.kvDim || len(v) != s.kvDim {
		return fmt.Errorf("layer %d: k/v width %d/%d, want %d", layer, len(k), len(v), s.kvDim)
	}
	return nil
}

func (s *layerStore) store(layer, pos, slot int, k, v []float32) {
	copy(s.kCache[layer].Row(slot), k)
	copy(s.vCache[layer].Row(slot), v)
	s.lastPos[layer] = pos
}

// view returns the rows for the last n positions up to lastPos.
func (s *layerStore) view(layer, n int, slot func(pos int) int) CacheView {
	last := s.lastPos[layer]
	first := last - n + 1
	if first < 0 {
		first = 0
	}
	view := CacheView{
		K: make([][]float32, 0, last-first+1),
		V: make([][]float32, 0, last-first+1),
	}
	for p := first; p <= last; p++ {
		view.K = append(view.K, s.kCache[layer].Row(slot(p)))
		view.V = append(view.V, s.vCache[layer].Row(slot(p)))
	}
	return view
}

func (s *layerStore) usedBytes() int64 {
	used := 0
	for _, last := range s.lastPos {
		n := last + 1
		if n > s.slots {
			n = s.slots
		}
		used += n
	}
	return int64(used * 2 * s.kvDim * 4)
}

func (s *layerStore) reset() {
	for i := range s.lastPos {
		s.lastPos[i] = -1
	}
	metrics.RecordKVCacheStats(s.capacityBytes(), 0)
}

func (s *layerStore) free() {
	for i := range s.kCache {
		s.ctx.PutTensor(s.kCache[i])
		s.ctx.PutTensor(s.vCache[i])
	}
	s.kCache, s.vCache, s.lastPos = nil, nil, nil
	s.initialized = false
}

// TensorKVCache is a contiguous cache holding MaxSeqLen positions.
type TensorKVCache struct {
	layerStore
}

func (c *TensorKVCache) Init(ctx *cpu.Context, cfg config.TransformerConfig) error {
	return c.init(ctx, cfg, cfg.MaxSeqLen)
}

func (c *TensorKVCache) Update(layer, pos int, k, v []float32) error {
	if err := c.check(layer, pos, k, v); err != nil {
		return err
	}
	if pos >= c.slots {
		metrics.RecordKVCacheOutOfBounds()
		return fmt.Errorf("position out of bounds: %d (max %d)", pos, c.slots)
	}
	c.store(layer, pos, pos, k, v)
	metrics.RecordKVCacheWrite(c.usedBytes(), false)
	return nil
}

func (c *TensorKVCache) Get(layer int) CacheView {
	if !c.initialized || layer < 0 || layer >= c.layers {
		return CacheView{}
	}
	metrics.KVCacheHits.Inc()
	return c.view(layer, c.slots, func(pos int) int { return pos })
}

func (c *TensorKVCache) Size() int {
	return c.slots
}

func (c *TensorKVCache) Free() {
	c.free()
}

// SlidingWindowKVCache is a ring buffer that keeps the current position plus
// the Context positions before it. Older positions are overwritten.
type SlidingWindowKVCache struct {
	layerStore
}

func (c *SlidingWindowKVCache) Init(ctx *cpu.Context, cfg config.TransformerConfig) error {
	return c.init(ctx, cfg, cfg.Context+1)
}

func (c *SlidingWindowKVCache) Update(layer, pos int, k, v []float32) error {
	if err := c.check(layer, pos, k, v); err != nil {
		return err
	}
	c.store(layer, pos, pos%c.slots, k, v)
	metrics.RecordKVCacheWrite(c.usedBytes(), pos >= c.slots)
	return nil
}

func (c *SlidingWindowKVCache) Get(layer int) CacheView {
	if !c.initialized || layer < 0 || layer >= c.layers {
		return CacheView{}
	}
	metrics.KVCacheHits.Inc()
	return c.view(layer, c.slots, func(pos int) int { return pos % c.slots })
}

func (c *SlidingWindowKVCache) Size() int {
	return c.slots
}

func (c *SlidingWindowKVCache) Free() {
	c.free()
}

// TransformerCache is the persistent attention state of one transformer
// stack across steps.
type TransformerCache struct {
	KVCache
	store  *layerStore
	offset int
}

// NewCache picks a sliding window when cfg.Context > 0 and a contiguous
// MaxSeqLen cache otherwise.
func NewCache(ctx *cpu.Context, cfg config.TransformerConfig) (*TransformerCache, error) {
	var kv KVCache
	var store *layerStore
	if cfg.Context > 0 {
		c := &SlidingWindowKVCache{}
		kv, store = c, &c.layerStore
	} else {
		c := &TensorKVCache{}
		kv, store = c, &c.layerStore
	}
	if err := kv.Init(ctx, cfg); err != nil {
		return nil, fmt.Errorf("init kv cache: %w", err)
	}
	return &TransformerCache{KVCache: kv, store: store}, nil
}

// Offset is the number of completed steps, the position of the next step.
func (c *TransformerCache) Offset() int {
	return c.offset
}

func (c *TransformerCache) advance() {
	c.offset++
}

// Reset forgets every cached position.
func (c *TransformerCache) Reset() {
	c.offset = 0
	c.store.reset()
}
