package model

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-moshi/internal/config"
	"github.com/23skdu/longbow-moshi/internal/cpu"
	"github.com/23skdu/longbow-moshi/internal/gguf"
	"github.com/23skdu/longbow-moshi/internal/safetensors"
)

// valueAt gives every parameter a distinct deterministic fill.
func valueAt(paramIdx, i int) float32 {
	return float32(paramIdx+1)*0.01 + float32(i%7)*0.001
}

type archiveOpts struct {
	dtype string
	skip  string
	extra string
	shape map[string][]int
}

func writeArchive(t *testing.T, cfg config.LmConfig, opts archiveOpts) string {
	t.Helper()
	if opts.dtype == "" {
		opts.dtype = safetensors.DTypeF32
	}
	w := safetensors.NewWriter()
	for idx, s := range Specs(cfg) {
		if s.Name == opts.skip {
			continue
		}
		shape := s.Shape
		if override, ok := opts.shape[s.Name]; ok {
			shape = override
		}
		n := 1
		for _, d := range shape {
			n *= d
		}
		values := make([]float32, n)
		for i := range values {
			values[i] = valueAt(idx, i)
		}
		if err := w.Add(s.Name, opts.dtype, shape, values); err != nil {
			t.Fatal(err)
		}
	}
	if opts.extra != "" {
		if err := w.Add(opts.extra, opts.dtype, []int{2}, []float32{1, 2}); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWeightsStrict(t *testing.T) {
	cfg := config.Tiny()
	path := writeArchive(t, cfg, archiveOpts{})

	lm := New(cfg)
	if err := lm.LoadWeights(path, true); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	for idx, p := range lm.Params() {
		for _, i := range []int{0, len(p.Data) - 1} {
			if p.Data[i] != valueAt(idx, i) {
				t.Fatalf("%s[%d] = %v, want %v", p.Name, i, p.Data[i], valueAt(idx, i))
			}
		}
	}
}

func TestLoadWeightsRoundsToDType(t *testing.T) {
	cfg := config.Tiny()
	path := writeArchive(t, cfg, archiveOpts{})

	lm := New(cfg)
	if err := lm.SetDType(cpu.BFloat16); err != nil {
		t.Fatal(err)
	}
	if err := lm.LoadWeights(path, true); err != nil {
		t.Fatal(err)
	}
	v := lm.TextEmb.Data[3]
	if v != cpu.RoundBF16(valueAt(0, 3)) {
		t.Errorf("expected bf16-rounded value, got %v", v)
	}
}

func TestLoadWeightsBF16Archive(t *testing.T) {
	cfg := config.Tiny()
	path := writeArchive(t, cfg, archiveOpts{dtype: safetensors.DTypeBF16})

	lm := New(cfg)
	if err := lm.LoadWeights(path, true); err != nil {
		t.Fatal(err)
	}
	if got, want := lm.OutNorm.Weight.Data[1], cpu.RoundBF16(valueAt(len(lm.Params())-2, 1)); got != want {
		t.Errorf("out_norm[1] = %v, want %v", got, want)
	}
}

func TestLoadWeightsStrictMismatch(t *testing.T) {
	cfg := config.Tiny()

	t.Run("missing parameter", func(t *testing.T) {
		path := writeArchive(t, cfg, archiveOpts{skip: "out_norm.weight"})
		err := New(cfg).LoadWeights(path, true)
		var mismatch *MismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected MismatchError, got %v", err)
		}
		if len(mismatch.Missing) != 1 || mismatch.Missing[0] != "out_norm.weight" || len(mismatch.Unexpected) != 0 {
			t.Errorf("unexpected mismatch %+v", mismatch)
		}
	})

	t.Run("unexpected tensor", func(t *testing.T) {
		path := writeArchive(t, cfg, archiveOpts{extra: "depformer.slices.0.emb.weight"})
		err := New(cfg).LoadWeights(path, true)
		var mismatch *MismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected MismatchError, got %v", err)
		}
		if len(mismatch.Unexpected) != 1 || len(mismatch.Missing) != 0 {
			t.Errorf("unexpected mismatch %+v", mismatch)
		}
	})

	t.Run("failure leaves parameters untouched", func(t *testing.T) {
		path := writeArchive(t, cfg, archiveOpts{skip: "text_emb.weight"})
		lm := New(cfg)
		_ = lm.LoadWeights(path, true)
		if lm.TextLinear.Weight.Data[0] != 0 || lm.OutNorm.Weight.Data[0] != 1 {
			t.Error("expected defaults after a failed strict load")
		}
	})
}

func TestLoadWeightsNonStrict(t *testing.T) {
	cfg := config.Tiny()
	path := writeArchive(t, cfg, archiveOpts{skip: "out_norm.weight", extra: "unknown.weight"})

	lm := New(cfg)
	if err := lm.LoadWeights(path, false); err != nil {
		t.Fatalf("non-strict load failed: %v", err)
	}
	if lm.OutNorm.Weight.Data[0] != 1 {
		t.Errorf("missing parameter should keep its default, got %v", lm.OutNorm.Weight.Data[0])
	}
	if lm.TextEmb.Data[0] != valueAt(0, 0) {
		t.Errorf("matched parameter not loaded, got %v", lm.TextEmb.Data[0])
	}
}

func TestLoadWeightsShapeMismatch(t *testing.T) {
	cfg := config.Tiny()
	path := writeArchive(t, cfg, archiveOpts{shape: map[string][]int{"text_linear.weight": {16, 32}}})

	for _, strict := range []bool{true, false} {
		err := New(cfg).LoadWeights(path, strict)
		var shapeErr *ShapeError
		if !errors.As(err, &shapeErr) {
			t.Fatalf("strict=%v: expected ShapeError, got %v", strict, err)
		}
		if shapeErr.Name != "text_linear.weight" || shapeErr.Want[0] != 32 || shapeErr.Got[0] != 16 {
			t.Errorf("unexpected shape error %+v", shapeErr)
		}
	}
}

func TestLoadWeightsMissingFile(t *testing.T) {
	err := New(config.Tiny()).LoadWeights(filepath.Join(t.TempDir(), "absent.safetensors"), true)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestLoadWeightsUnsupportedDType(t *testing.T) {
	hdr := []byte(`{"out_norm.weight":{"dtype":"I64","shape":[16],"data_offsets":[0,128]}}`)
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, uint64(len(hdr)))
	raw = append(append(raw, hdr...), make([]byte, 128)...)
	path := filepath.Join(t.TempDir(), "ints.safetensors")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	err := New(config.Tiny()).LoadWeights(path, false)
	if !errors.Is(err, cpu.ErrUnsupportedDType) {
		t.Errorf("expected ErrUnsupportedDType, got %v", err)
	}
}

func TestLoadWeightsGGUF(t *testing.T) {
	cfg := config.Tiny()
	w := gguf.NewWriter()
	w.AddString("general.architecture", "moshi")
	for idx, s := range Specs(cfg) {
		n := 1
		for _, d := range s.Shape {
			n *= d
		}
		values := make([]float32, n)
		for i := range values {
			values[i] = valueAt(idx, i)
		}
		if err := w.AddTensor(s.Name, s.Shape, gguf.GGMLTypeF32, values); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(t.TempDir(), "weights.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}

	lm := New(cfg)
	if err := lm.LoadWeights(path, true); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if lm.TextLinear.Weight.Data[5] != valueAt(len(lm.Params())-1, 5) {
		t.Errorf("unexpected text_linear value %v", lm.TextLinear.Weight.Data[5])
	}
}

func TestMismatchErrorMessage(t *testing.T) {
	err := &MismatchError{Missing: []string{"a", "b", "c", "d", "e", "f", "g"}, Unexpected: []string{"z"}}
	want := "strict load: 7 missing, 1 unexpected parameters; missing a, b, c, d, e, ... (2 more); unexpected z"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
