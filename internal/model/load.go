package model

import (
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-moshi/internal/gguf"
	"github.com/23skdu/longbow-moshi/internal/logger"
	"github.com/23skdu/longbow-moshi/internal/metrics"
	"github.com/23skdu/longbow-moshi/internal/safetensors"
)

// MismatchError reports a strict load whose archive and model disagree on
// the set of parameter names.
type MismatchError struct {
	Missing    []string // model parameters absent from the archive
	Unexpected []string // archive tensors the model does not have
}

func (e *MismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "strict load: %d missing, %d unexpected parameters", len(e.Missing), len(e.Unexpected))
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, "; missing %s", preview(e.Missing))
	}
	if len(e.Unexpected) > 0 {
		fmt.Fprintf(&b, "; unexpected %s", preview(e.Unexpected))
	}
	return b.String()
}

func preview(names []string) string {
	const limit = 5
	if len(names) <= limit {
		return strings.Join(names, ", ")
	}
	return strings.Join(names[:limit], ", ") + fmt.Sprintf(", ... (%d more)", len(names)-limit)
}

type ShapeError struct {
	Name string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("parameter %s: archive shape %v, model shape %v", e.Name, e.Got, e.Want)
}

// weightSource is a read-only tensor archive.
type weightSource interface {
	Names() []string
	Shape(name string) []int
	DType(name string) string
	Decode(name string, dst []float32) error
	Close() error
}

type safetensorsSource struct{ f *safetensors.File }

func (s safetensorsSource) Names() []string {
	return s.f.Names()
}

func (s safetensorsSource) Shape(name string) []int {
	return s.f.Tensors[name].Shape
}

func (s safetensorsSource) DType(name string) string {
	return s.f.Tensors[name].DType
}

func (s safetensorsSource) Decode(name string, dst []float32) error {
	return s.f.DecodeF32(name, dst)
}

func (s safetensorsSource) Close() error {
	return s.f.Close()
}

type ggufSource struct{ f *gguf.GGUFFile }

func (s ggufSource) Names() []string {
	names := make([]string, len(s.f.Tensors))
	for i, t := range s.f.Tensors {
		names[i] = t.Name
	}
	slices.Sort(names)
	return names
}

func (s ggufSource) Shape(name string) []int {
	t, _ := s.f.Tensor(name)
	return t.Shape()
}

func (s ggufSource) DType(name string) string {
	t, _ := s.f.Tensor(name)
	return t.Type.String()
}

func (s ggufSource) Decode(name string, dst []float32) error {
	t, _ := s.f.Tensor(name)
	return t.DecodeF32(dst)
}

func (s ggufSource) Close() error {
	return s.f.Close()
}

func openSource(path string) (weightSource, error) {
	if strings.HasSuffix(strings.ToLower(path), ".gguf") {
		f, err := gguf.LoadFile(path)
		if err != nil {
			return nil, err
		}
		return ggufSource{f: f}, nil
	}
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	return safetensorsSource{f: f}, nil
}

// LoadWeights copies tensors from a .safetensors or .gguf archive into the
// model. In strict mode the archive must hold exactly the model's parameter
// names. Shapes must agree in either mode. Nothing is modified unless the
// whole load succeeds.
func (lm *LM) LoadWeights(path string, strict bool) error {
	start := time.Now()

	src, err := openSource(path)
	if err != nil {
		metrics.RecordValidationError("load_weights", "open")
		return fmt.Errorf("load weights: %w", err)
	}
	defer func() {
		_ = src.Close()
	}()

	archive := src.Names()
	inArchive := make(map[string]bool, len(archive))
	for _, name := range archive {
		inArchive[name] = true
	}

	var missing, unexpected, matched []string
	for _, p := range lm.order {
		if inArchive[p.Name] {
			matched = append(matched, p.Name)
		} else {
			missing = append(missing, p.Name)
		}
	}
	for _, name := range archive {
		if _, ok := lm.params[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}

	if strict && (len(missing) > 0 || len(unexpected) > 0) {
		metrics.RecordValidationError("load_weights", "name_mismatch")
		return &MismatchError{Missing: missing, Unexpected: unexpected}
	}

	for _, name := range matched {
		want := lm.params[name].Shape
		if got := src.Shape(name); !slices.Equal(got, want) {
			metrics.RecordValidationError("load_weights", "shape_mismatch")
			return &ShapeError{Name: name, Want: want, Got: got}
		}
	}

	buffers := make([][]float32, len(matched))
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, name := range matched {
		g.Go(func() error {
			buf := make([]float32, lm.params[name].NumElements())
			if err := src.Decode(name, buf); err != nil {
				return fmt.Errorf("load weights: %w", err)
			}
			lm.DType.Round(buf)
			buffers[i] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.RecordValidationError("load_weights", "decode")
		return err
	}

	byDType := make(map[string]int)
	for i, name := range matched {
		lm.params[name].Data = buffers[i]
		byDType[src.DType(name)]++
	}

	if len(missing) > 0 {
		logger.Log.Warn("parameters not in archive, keeping defaults", "count", len(missing), "first", missing[0])
	}
	if len(unexpected) > 0 {
		logger.Log.Warn("archive tensors ignored", "count", len(unexpected), "first", unexpected[0])
	}

	elapsed := time.Since(start)
	metrics.RecordWeightLoad(byDType, lm.ParameterBytes(), elapsed)
	logger.Log.Info("weights loaded", "path", path, "tensors", len(matched), "strict", strict,
		"dtype", string(lm.DType), "duration", elapsed)
	return nil
}
