// Package safetensors reads and writes the safetensors checkpoint layout: an
// 8 byte little-endian header length, a JSON header mapping tensor names to
// dtype, shape and data offsets, then the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-moshi/internal/cpu"
)

const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"

	metadataKey   = "__metadata__"
	maxHeaderSize = 100 << 20
)

type TensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

func (t TensorInfo) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// DTypeSize returns the element width of a safetensors dtype, 0 if the dtype
// cannot be widened to float32.
func DTypeSize(dtype string) int {
	switch dtype {
	case DTypeF32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 0
	}
}

type File struct {
	Tensors  map[string]TensorInfo
	Metadata map[string]string

	data   []byte // tensor byte region
	raw    []byte // whole mapping
	mapped bool
}

// Open maps a safetensors file read-only.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 8 {
		return nil, fmt.Errorf("safetensors %s: %w", path, io.ErrUnexpectedEOF)
	}

	raw, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(raw)
	if err != nil {
		_ = syscall.Munmap(raw)
		return nil, fmt.Errorf("safetensors %s: %w", path, err)
	}
	file.mapped = true
	return file, nil
}

// Parse reads a safetensors image held in memory.
func Parse(raw []byte) (*File, error) {
	if len(raw) < 8 {
		return nil, io.ErrUnexpectedEOF
	}
	n := binary.LittleEndian.Uint64(raw)
	if n > maxHeaderSize || 8+n > uint64(len(raw)) {
		return nil, fmt.Errorf("header length %d exceeds file size %d", n, len(raw))
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+n], &entries); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}

	file := &File{
		Tensors: make(map[string]TensorInfo, len(entries)),
		data:    raw[8+n:],
		raw:     raw,
	}
	for name, msg := range entries {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &file.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(file.data)) {
			return nil, fmt.Errorf("tensor %s: data offsets [%d, %d) out of bounds (%d bytes)", name, start, end, len(file.data))
		}
		if size := DTypeSize(info.DType); size != 0 && int64(info.NumElements()*size) != end-start {
			return nil, fmt.Errorf("tensor %s: %d bytes for shape %v of %s", name, end-start, info.Shape, info.DType)
		}
		file.Tensors[name] = info
	}
	return file, nil
}

// Names lists tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// DecodeF32 widens a tensor into dst, which must hold exactly its element
// count.
func (f *File) DecodeF32(name string, dst []float32) error {
	info, ok := f.Tensors[name]
	if !ok {
		return fmt.Errorf("tensor %s not found", name)
	}
	if DTypeSize(info.DType) == 0 {
		return fmt.Errorf("tensor %s: %w: %s", name, cpu.ErrUnsupportedDType, info.DType)
	}
	if len(dst) != info.NumElements() {
		return fmt.Errorf("tensor %s: destination holds %d values, need %d", name, len(dst), info.NumElements())
	}

	b := f.data[info.DataOffsets[0]:info.DataOffsets[1]]
	switch info.DType {
	case DTypeF32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
	case DTypeF16:
		for i := range dst {
			dst[i] = cpu.F16ToF32(binary.LittleEndian.Uint16(b[2*i:]))
		}
	case DTypeBF16:
		for i := range dst {
			dst[i] = cpu.BF16ToF32(binary.LittleEndian.Uint16(b[2*i:]))
		}
	}
	return nil
}

func (f *File) Close() error {
	if !f.mapped || f.raw == nil {
		return nil
	}
	err := syscall.Munmap(f.raw)
	f.raw, f.data = nil, nil
	return err
}
