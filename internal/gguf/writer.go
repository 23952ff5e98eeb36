package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/23skdu/longbow-moshi/internal/cpu"
)

type writerKV struct {
	key string
	typ GGUFMetadataValueType
	val interface{}
}

type writerTensor struct {
	name  string
	shape []int
	typ   GGMLType
	data  []byte
}

// Writer assembles a version 3 GGUF image with string/uint32 metadata and
// unquantized tensors.
type Writer struct {
	kv      []writerKV
	tensors []writerTensor
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) AddString(key, val string) {
	w.kv = append(w.kv, writerKV{key: key, typ: GGUFMetadataValueTypeString, val: val})
}

func (w *Writer) AddUint32(key string, val uint32) {
	w.kv = append(w.kv, writerKV{key: key, typ: GGUFMetadataValueTypeUint32, val: val})
}

// AddStringArray stores vals as an array of strings, the layout of
// tokenizer.ggml.tokens.
func (w *Writer) AddStringArray(key string, vals []string) {
	w.kv = append(w.kv, writerKV{key: key, typ: GGUFMetadataValueTypeArray, val: vals})
}

// AddTensor encodes values (row-major, outermost dimension first) as typ.
func (w *Writer) AddTensor(name string, shape []int, typ GGMLType, values []float32) error {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(values) {
		return fmt.Errorf("tensor %s: shape %v needs %d values, got %d", name, shape, n, len(values))
	}
	size := typ.Size()
	if size == 0 {
		return ErrUnsupportedType{Name: name, Type: typ}
	}
	buf := make([]byte, n*size)
	for i, v := range values {
		switch typ {
		case GGMLTypeF32:
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
		case GGMLTypeF16:
			binary.LittleEndian.PutUint16(buf[2*i:], cpu.F32ToF16(v))
		case GGMLTypeBF16:
			binary.LittleEndian.PutUint16(buf[2*i:], cpu.F32ToBF16(v))
		}
	}
	w.tensors = append(w.tensors, writerTensor{name: name, shape: shape, typ: typ, data: buf})
	return nil
}

func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	cw := &countingWriter{w: out}
	le := binary.LittleEndian

	put := func(v interface{}) {
		if cw.err == nil {
			cw.err = binary.Write(cw, le, v)
		}
	}
	putString := func(s string) {
		put(uint64(len(s)))
		if cw.err == nil {
			_, cw.err = io.WriteString(cw, s)
		}
	}

	put(uint32(GGUFMagic))
	put(uint32(GGUFVersion))
	put(uint64(len(w.tensors)))
	put(uint64(len(w.kv)))

	for _, kv := range w.kv {
		putString(kv.key)
		put(uint32(kv.typ))
		switch v := kv.val.(type) {
		case string:
			putString(v)
		case uint32:
			put(v)
		case []string:
			put(uint32(GGUFMetadataValueTypeString))
			put(uint64(len(v)))
			for _, e := range v {
				putString(e)
			}
		}
	}

	var dataOffset uint64
	offsets := make([]uint64, len(w.tensors))
	for i, t := range w.tensors {
		offsets[i] = dataOffset
		dataOffset += alignUp(uint64(len(t.data)))
	}

	for i, t := range w.tensors {
		putString(t.name)
		put(uint32(len(t.shape)))
		for j := len(t.shape) - 1; j >= 0; j-- {
			put(uint64(t.shape[j]))
		}
		put(uint32(t.typ))
		put(offsets[i])
	}

	pad := func() {
		if rem := cw.n % DefaultAlignment; rem != 0 && cw.err == nil {
			_, cw.err = cw.Write(make([]byte, DefaultAlignment-rem))
		}
	}
	pad()
	for _, t := range w.tensors {
		if cw.err == nil {
			_, cw.err = cw.Write(t.data)
		}
		pad()
	}
	return cw.n, cw.err
}

func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if _, err := w.WriteTo(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func alignUp(n uint64) uint64 {
	if rem := n % DefaultAlignment; rem != 0 {
		n += DefaultAlignment - rem
	}
	return n
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
