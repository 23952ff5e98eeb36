package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-moshi/internal/cpu"
)

type pending struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

// Writer collects tensors and serializes them in name order.
type Writer struct {
	tensors  []pending
	metadata map[string]string
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) SetMetadata(key, value string) {
	if w.metadata == nil {
		w.metadata = make(map[string]string)
	}
	w.metadata[key] = value
}

// Add encodes row-major float32 values as dtype.
func (w *Writer) Add(name, dtype string, shape []int, values []float32) error {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(values) {
		return fmt.Errorf("tensor %s: shape %v needs %d values, got %d", name, shape, n, len(values))
	}
	size := DTypeSize(dtype)
	if size == 0 {
		return fmt.Errorf("tensor %s: %w: %s", name, cpu.ErrUnsupportedDType, dtype)
	}

	buf := make([]byte, n*size)
	for i, v := range values {
		switch dtype {
		case DTypeF32:
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
		case DTypeF16:
			binary.LittleEndian.PutUint16(buf[2*i:], cpu.F32ToF16(v))
		case DTypeBF16:
			binary.LittleEndian.PutUint16(buf[2*i:], cpu.F32ToBF16(v))
		}
	}
	w.tensors = append(w.tensors, pending{name: name, dtype: dtype, shape: append([]int(nil), shape...), data: buf})
	return nil
}

func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	sort.Slice(w.tensors, func(i, j int) bool { return w.tensors[i].name < w.tensors[j].name })

	header := make(map[string]interface{}, len(w.tensors)+1)
	if len(w.metadata) > 0 {
		header[metadataKey] = w.metadata
	}
	var offset int64
	for _, t := range w.tensors {
		end := offset + int64(len(t.data))
		header[t.name] = TensorInfo{DType: t.dtype, Shape: t.shape, DataOffsets: [2]int64{offset, end}}
		offset = end
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}
	if rem := len(hdr) % 8; rem != 0 {
		hdr = append(hdr, bytes.Repeat([]byte{' '}, 8-rem)...)
	}

	var written int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	for _, chunk := range [][]byte{lenBuf[:], hdr} {
		n, err := out.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	for _, t := range w.tensors {
		n, err := out.Write(t.data)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
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
