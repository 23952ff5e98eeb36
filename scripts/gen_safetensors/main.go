// gen_safetensors writes a random checkpoint for the tiny configuration so
// moshi_eval -tiny can run without real weights.
package main

import (
	"flag"
	"math/rand"
	"os"
	"strings"

	"github.com/23skdu/longbow-moshi/internal/config"
	"github.com/23skdu/longbow-moshi/internal/gguf"
	"github.com/23skdu/longbow-moshi/internal/logger"
	"github.com/23skdu/longbow-moshi/internal/model"
	"github.com/23skdu/longbow-moshi/internal/safetensors"
)

var (
	out   = flag.String("out", "tiny.safetensors", "Output path; a .gguf suffix writes GGUF")
	dtype = flag.String("dtype", safetensors.DTypeF32, "Tensor dtype: F32, F16 or BF16")
	seed  = flag.Int64("seed", 1, "Random seed")
	scale = flag.Float64("scale", 0.2, "Standard deviation of the random weights")
)

func main() {
	flag.Parse()

	r := rand.New(rand.NewSource(*seed))
	specs := model.Specs(config.Tiny())
	values := make([][]float32, len(specs))
	for i, s := range specs {
		n := 1
		for _, d := range s.Shape {
			n *= d
		}
		v := make([]float32, n)
		for j := range v {
			switch {
			case strings.Contains(s.Name, "norm") && strings.HasSuffix(s.Name, ".weight"):
				v[j] = 1
			case !strings.Contains(s.Name, "norm"):
				v[j] = float32(r.NormFloat64() * *scale)
			}
		}
		values[i] = v
	}

	var err error
	if strings.HasSuffix(*out, ".gguf") {
		err = writeGGUF(specs, values)
	} else {
		err = writeSafetensors(specs, values)
	}
	if err != nil {
		logger.Log.Error("write checkpoint", "path", *out, "error", err)
		os.Exit(1)
	}
	logger.Log.Info("checkpoint written", "path", *out, "tensors", len(specs), "dtype", *dtype)
}

func writeSafetensors(specs []model.ParamSpec, values [][]float32) error {
	w := safetensors.NewWriter()
	w.SetMetadata("format", "pt")
	w.SetMetadata("config", "tiny")
	for i, s := range specs {
		if err := w.Add(s.Name, *dtype, s.Shape, values[i]); err != nil {
			return err
		}
	}
	return w.WriteFile(*out)
}

func writeGGUF(specs []model.ParamSpec, values [][]float32) error {
	typ := gguf.GGMLTypeF32
	switch *dtype {
	case safetensors.DTypeF16:
		typ = gguf.GGMLTypeF16
	case safetensors.DTypeBF16:
		typ = gguf.GGMLTypeBF16
	}
	w := gguf.NewWriter()
	w.AddString("general.architecture", "moshi")
	w.AddUint32("moshi.block_count", uint32(config.Tiny().Transformer.NumLayers))
	for i, s := range specs {
		if err := w.AddTensor(s.Name, s.Shape, typ, values[i]); err != nil {
			return err
		}
	}
	return w.WriteFile(*out)
}
