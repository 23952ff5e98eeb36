package cpu

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-moshi/internal/metrics"
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordScratchBytes(newVal)
}

// AllocatedBytes reports the bytes currently owned by all scratch pools.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Context is a pool of float32 scratch tensors keyed by shape. A forward step
// borrows its activations from the pool and returns them when done.
type Context struct {
	mu    sync.Mutex
	pool  map[[2]int][]*Tensor
	owned []*Tensor
}

func NewContext() *Context {
	return &Context{
		pool: make(map[[2]int][]*Tensor),
	}
}

// Free drops every tensor this context allocated.
func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.owned {
		traceAlloc(-int64(cap(t.data) * 4))
		t.data = nil
	}
	c.owned = nil
	c.pool = make(map[[2]int][]*Tensor)
}

type Tensor struct {
	data  []float32
	shape [2]int
}

// NewTensor returns a zeroed rows x cols tensor, reusing a pooled one when
// available.
func (c *Context) NewTensor(rows, cols int) *Tensor {
	key := [2]int{rows, cols}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pool := c.pool[key]; len(pool) > 0 {
		t := pool[len(pool)-1]
		c.pool[key] = pool[:len(pool)-1]
		clear(t.data)
		return t
	}
	t := &Tensor{
		data:  make([]float32, rows*cols),
		shape: key,
	}
	c.owned = append(c.owned, t)
	traceAlloc(int64(rows * cols * 4))
	return t
}

func (c *Context) PutTensor(t *Tensor) {
	if t == nil || t.data == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool[t.shape] = append(c.pool[t.shape], t)
}

// Pooled reports how many idle tensors of the given shape are available.
func (c *Context) Pooled(rows, cols int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pool[[2]int{rows, cols}])
}

// Wrap views existing data as a tensor without taking ownership.
func Wrap(data []float32, rows, cols int) *Tensor {
	return &Tensor{data: data, shape: [2]int{rows, cols}}
}

func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) Shape() [2]int {
	return t.shape
}

func (t *Tensor) Row(i int) []float32 {
	cols := t.shape[1]
	return t.data[i*cols : (i+1)*cols]
}
