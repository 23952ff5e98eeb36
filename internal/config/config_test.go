package config

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestConfig1BValues(t *testing.T) {
	cfg := Config1B()

	if cfg.Transformer.DModel != 2048 {
		t.Errorf("transformer d_model: expected 2048, got %d", cfg.Transformer.DModel)
	}
	if cfg.Depformer.Transformer.DModel != 1024 {
		t.Errorf("depformer d_model: expected 1024, got %d", cfg.Depformer.Transformer.DModel)
	}
	if cfg.AudioCodebooks != 8 {
		t.Errorf("audio_codebooks: expected 8, got %d", cfg.AudioCodebooks)
	}
	if cfg.AudioVocabSize != 2049 {
		t.Errorf("audio_vocab_size: expected 2049, got %d", cfg.AudioVocabSize)
	}
	if cfg.TextInVocabSize != 48001 {
		t.Errorf("text_in_vocab_size: expected 48001, got %d", cfg.TextInVocabSize)
	}
	if cfg.TextOutVocabSize != 48000 {
		t.Errorf("text_out_vocab_size: expected 48000, got %d", cfg.TextOutVocabSize)
	}
	if !reflect.DeepEqual(cfg.AudioDelays, make([]int, 16)) {
		t.Errorf("audio_delays: expected sixteen zeros, got %v", cfg.AudioDelays)
	}
	if cfg.Depformer.NumSlices != 0 {
		t.Errorf("depformer num_slices: expected 0, got %d", cfg.Depformer.NumSlices)
	}
	if cfg.Transformer.Context != 750 || cfg.Transformer.MaxPeriod != 100000 {
		t.Errorf("unexpected context/max_period: %d/%d", cfg.Transformer.Context, cfg.Transformer.MaxPeriod)
	}
	if cfg.Depformer.Transformer.PositionalEmbedding != PositionalNone {
		t.Errorf("depformer positional embedding: expected none, got %s", cfg.Depformer.Transformer.PositionalEmbedding)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Config1B should validate: %v", err)
	}
}

func TestConfig1BIsPure(t *testing.T) {
	a := Config1B()
	b := Config1B()
	if !reflect.DeepEqual(a, b) {
		t.Fatal("repeated Config1B calls should be structurally equal")
	}

	a.AudioDelays[0] = 5
	if Config1B().AudioDelays[0] != 0 {
		t.Error("mutating one config must not leak into later calls")
	}
}

func TestDerivedValues(t *testing.T) {
	cfg := Config1B()

	tests := []struct {
		name string
		got  int
		want int
	}{
		{"head_dim", cfg.Transformer.HeadDim(), 128},
		{"kv_heads", cfg.Transformer.KVHeads(), 16},
		{"in_proj_dim", cfg.Transformer.InProjDim(), 3 * 2048},
		{"gating_hidden", cfg.Transformer.GatingHiddenDim(), 5632},
		{"depformer_gating_hidden", cfg.Depformer.Transformer.GatingHiddenDim(), 2816},
		{"text_padding", cfg.TextPaddingToken(), 48000},
		{"audio_padding", cfg.AudioPaddingToken(), 2048},
		{"audio_eos", cfg.AudioEOSToken(), 2047},
		{"max_delay", cfg.MaxDelay(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, tt.got)
			}
		})
	}
}

func TestGatingHiddenNonStandardRatio(t *testing.T) {
	c := TransformerConfig{DModel: 64, DimFeedForward: 96}
	if got := c.GatingHiddenDim(); got != 64 {
		t.Errorf("expected 2*96/3 = 64, got %d", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*LmConfig)
		wantErr string
	}{
		{"valid", func(c *LmConfig) {}, ""},
		{"zero d_model", func(c *LmConfig) { c.Transformer.DModel = 0 }, "d_model"},
		{"heads not dividing", func(c *LmConfig) { c.Transformer.NumHeads = 3 }, "not divisible by num_heads"},
		{"kv_repeat not dividing", func(c *LmConfig) { c.Transformer.KVRepeat = 3 }, "kv_repeat"},
		{"unknown norm", func(c *LmConfig) { c.Transformer.Norm = "batch_norm" }, "unknown norm"},
		{"unknown positional", func(c *LmConfig) { c.Transformer.PositionalEmbedding = "alibi" }, "positional_embedding"},
		{"negative context", func(c *LmConfig) { c.Transformer.Context = -1 }, "context"},
		{"short delays", func(c *LmConfig) { c.AudioDelays = []int{0} }, "audio_delays"},
		{"negative delay", func(c *LmConfig) { c.AudioDelays[3] = -2 }, "audio_delays[3]"},
		{"tiny audio vocab", func(c *LmConfig) { c.AudioVocabSize = 1 }, "audio_vocab_size"},
		{"broken inert depformer", func(c *LmConfig) { c.Depformer.Transformer.DModel = 0 }, ""},
		{"broken live depformer", func(c *LmConfig) {
			c.Depformer.NumSlices = 2
			c.Depformer.Transformer.DModel = 0
		}, "depformer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config1B()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTinyValidates(t *testing.T) {
	cfg := Tiny()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Tiny should validate: %v", err)
	}
	if cfg.TextPaddingToken() != cfg.TextOutVocabSize {
		t.Errorf("text padding %d should equal text_out_vocab_size %d", cfg.TextPaddingToken(), cfg.TextOutVocabSize)
	}
}

func TestDefaultPaths(t *testing.T) {
	p := DefaultPaths("/home/user")
	if p.Weights != filepath.Join("/home/user", "tmp", DefaultWeightsFile) {
		t.Errorf("unexpected weights path: %s", p.Weights)
	}
	if p.Tokenizer != filepath.Join("/home/user", "tmp", DefaultTokenizerFile) {
		t.Errorf("unexpected tokenizer path: %s", p.Tokenizer)
	}
	if p.VocabOut != filepath.Join("/home/user", "tmp", DefaultVocabFile) {
		t.Errorf("unexpected vocab path: %s", p.VocabOut)
	}
}

func TestString(t *testing.T) {
	s := Config1B().String()
	for _, want := range []string{"d=2048", "dep_d=1024", "text=48001/48000", "audio=8x2049"} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %q in %s", want, s)
		}
	}
}
