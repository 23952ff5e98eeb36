package engine

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/23skdu/longbow-moshi/internal/config"
	"github.com/23skdu/longbow-moshi/internal/cpu"
	"github.com/23skdu/longbow-moshi/internal/metrics"
)

func row(width int, v float32) []float32 {
	r := make([]float32, width)
	for i := range r {
		r[i] = v
	}
	return r
}

func TestNewCachePicksStrategy(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()

	cfg := config.Tiny().Transformer
	c, err := NewCache(ctx, cfg)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if _, ok := c.KVCache.(*SlidingWindowKVCache); !ok {
		t.Errorf("Context=%d: got %T, want sliding window", cfg.Context, c.KVCache)
	}
	if c.Size() != cfg.Context+1 {
		t.Errorf("Size = %d, want %d", c.Size(), cfg.Context+1)
	}
	c.Free()

	cfg.Context = 0
	c, err = NewCache(ctx, cfg)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if _, ok := c.KVCache.(*TensorKVCache); !ok {
		t.Errorf("Context=0: got %T, want contiguous cache", c.KVCache)
	}
	if c.Size() != cfg.MaxSeqLen {
		t.Errorf("Size = %d, want %d", c.Size(), cfg.MaxSeqLen)
	}
	c.Free()
}

func TestNewCacheRejectsEmptyWindow(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()

	cfg := config.Tiny().Transformer
	cfg.Context = 0
	cfg.MaxSeqLen = 0
	if _, err := NewCache(ctx, cfg); err == nil {
		t.Fatal("expected error for zero cache slots")
	}
}

func TestSlidingWindowWraps(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()

	cfg := config.Tiny().Transformer
	width := cfg.KVHeads() * cfg.HeadDim()
	c := &SlidingWindowKVCache{}
	if err := c.Init(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	defer c.Free()

	evictionsBefore := testutil.ToFloat64(metrics.KVCacheEvictions)
	const steps = 7
	for p := 0; p < steps; p++ {
		if err := c.Update(0, p, row(width, float32(p)), row(width, float32(-p))); err != nil {
			t.Fatalf("Update(%d): %v", p, err)
		}
	}

	view := c.Get(0)
	if view.Len() != cfg.Context+1 {
		t.Fatalf("view length %d, want %d", view.Len(), cfg.Context+1)
	}
	first := steps - (cfg.Context + 1)
	for i := range view.K {
		want := float32(first + i)
		if view.K[i][0] != want || view.V[i][width-1] != -want {
			t.Errorf("row %d = (%v, %v), want position %v", i, view.K[i][0], view.V[i][width-1], want)
		}
	}
	if got := testutil.ToFloat64(metrics.KVCacheEvictions) - evictionsBefore; got != float64(steps-(cfg.Context+1)) {
		t.Errorf("evictions = %v, want %d", got, steps-(cfg.Context+1))
	}

	if other := c.Get(1); other.Len() != 0 {
		t.Errorf("untouched layer has %d rows", other.Len())
	}
}

func TestContiguousCacheBounds(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()

	cfg := config.Tiny().Transformer
	cfg.Context = 0
	cfg.MaxSeqLen = 3
	width := cfg.KVHeads() * cfg.HeadDim()
	c := &TensorKVCache{}
	if err := c.Init(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	defer c.Free()

	for p := 0; p < 3; p++ {
		if err := c.Update(0, p, row(width, 1), row(width, 1)); err != nil {
			t.Fatalf("Update(%d): %v", p, err)
		}
	}
	if c.Get(0).Len() != 3 {
		t.Errorf("view length %d, want 3", c.Get(0).Len())
	}

	before := testutil.ToFloat64(metrics.KVCacheOutOfBounds)
	if err := c.Update(0, 3, row(width, 1), row(width, 1)); err == nil {
		t.Fatal("expected out of bounds error")
	}
	if got := testutil.ToFloat64(metrics.KVCacheOutOfBounds) - before; got != 1 {
		t.Errorf("out of bounds counter moved by %v, want 1", got)
	}
}

func TestCacheUpdateValidation(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()

	cfg := config.Tiny().Transformer
	width := cfg.KVHeads() * cfg.HeadDim()

	var uninit SlidingWindowKVCache
	if err := uninit.Update(0, 0, row(width, 0), row(width, 0)); err == nil {
		t.Error("expected error from uninitialized cache")
	}

	c := &SlidingWindowKVCache{}
	if err := c.Init(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	defer c.Free()

	tests := []struct {
		name  string
		layer int
		pos   int
		width int
	}{
		{"negative layer", -1, 0, width},
		{"layer past end", cfg.NumLayers, 0, width},
		{"skipped position", 0, 1, width},
		{"negative position", 0, -1, width},
		{"short row", 0, 0, width - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Update(tt.layer, tt.pos, row(tt.width, 0), row(tt.width, 0)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTransformerCacheReset(t *testing.T) {
	ctx := cpu.NewContext()
	defer ctx.Free()

	cfg := config.Tiny().Transformer
	width := cfg.KVHeads() * cfg.HeadDim()
	c, err := NewCache(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Free()

	for l := 0; l < cfg.NumLayers; l++ {
		if err := c.Update(l, 0, row(width, 1), row(width, 1)); err != nil {
			t.Fatal(err)
		}
	}
	c.advance()
	if c.Offset() != 1 {
		t.Fatalf("Offset = %d, want 1", c.Offset())
	}

	c.Reset()
	if c.Offset() != 0 {
		t.Errorf("Offset after Reset = %d", c.Offset())
	}
	if c.Get(0).Len() != 0 {
		t.Errorf("cache still holds %d rows after Reset", c.Get(0).Len())
	}
	if got := testutil.ToFloat64(metrics.KVCacheUsedBytes); got != 0 {
		t.Errorf("used bytes after Reset = %v", got)
	}
	if err := c.Update(0, 0, row(width, 2), row(width, 2)); err != nil {
		t.Errorf("Update at position 0 after Reset: %v", err)
	}
}
