package model

import (
	"fmt"

	"github.com/23skdu/longbow-moshi/internal/config"
	"github.com/23skdu/longbow-moshi/internal/cpu"
)

const (
	RMSNormEps   = 1e-8
	LayerNormEps = 1e-5
)

// Param is one named parameter tensor, stored row-major as float32 and
// rounded to the model's dtype.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
}

func (p *Param) NumElements() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// ParamSpec names a parameter and its shape without storage.
type ParamSpec struct {
	Name  string
	Shape []int
}

type builder struct {
	alloc  bool
	order  []*Param
	byName map[string]*Param
}

func newBuilder(alloc bool) *builder {
	return &builder{alloc: alloc, byName: make(map[string]*Param)}
}

func (b *builder) param(name string, init float32, shape ...int) *Param {
	if _, dup := b.byName[name]; dup {
		panic(fmt.Sprintf("model: duplicate parameter %s", name))
	}
	p := &Param{Name: name, Shape: shape}
	if b.alloc {
		p.Data = make([]float32, p.NumElements())
		if init != 0 {
			for i := range p.Data {
				p.Data[i] = init
			}
		}
	}
	b.order = append(b.order, p)
	b.byName[name] = p
	return p
}

// Linear is y = W·x (+ b) with W shaped [out, in].
type Linear struct {
	Weight *Param
	Bias   *Param
}

func (b *builder) linear(prefix string, in, out int, bias bool) Linear {
	l := Linear{Weight: b.param(prefix+".weight", 0, out, in)}
	if bias {
		l.Bias = b.param(prefix+".bias", 0, out)
	}
	return l
}

func (l Linear) In() int {
	return l.Weight.Shape[1]
}

func (l Linear) Out() int {
	return l.Weight.Shape[0]
}

func (l Linear) Forward(out, x []float32) {
	var bias []float32
	if l.Bias != nil {
		bias = l.Bias.Data
	}
	cpu.Linear(out, l.Weight.Data, l.Out(), l.In(), x, bias)
}

type Norm struct {
	Kind   config.Norm
	Eps    float32
	Weight *Param
	Bias   *Param
}

func (b *builder) norm(prefix string, kind config.Norm, dim int) Norm {
	n := Norm{Kind: kind, Weight: b.param(prefix+".weight", 1, dim)}
	if kind == config.NormLayer {
		n.Eps = LayerNormEps
		n.Bias = b.param(prefix+".bias", 0, dim)
	} else {
		n.Eps = RMSNormEps
	}
	return n
}

func (n Norm) Forward(out, x []float32) {
	if n.Kind == config.NormLayer {
		cpu.LayerNorm(out, x, n.Weight.Data, n.Bias.Data, n.Eps)
		return
	}
	cpu.RMSNorm(out, x, n.Weight.Data, n.Eps)
}
