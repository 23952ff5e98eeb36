package tokenizer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
	"unicode/utf16"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-moshi/internal/logger"
	"github.com/23skdu/longbow-moshi/internal/metrics"
)

// Vocab maps id i to Vocab[i] for every id of a model.
type Vocab []string

// BuildVocab looks up every id of m once, in ascending order.
func BuildVocab(m *Model) Vocab {
	v := make(Vocab, m.VocabSize())
	for id := range v {
		piece, _ := m.IDToPiece(id)
		v[id] = piece
	}
	return v
}

// Piece returns the piece for id, or false when id is outside the vocab.
func (v Vocab) Piece(id int) (string, bool) {
	if id < 0 || id >= len(v) {
		return "", false
	}
	return v[id], true
}

// WriteJSON writes v the way Python's json.dump writes a dict of int keys:
// decimal string keys in id order, ", " and ": " separators, and ASCII-only
// output with \uXXXX escapes.
func (v Vocab) WriteJSON(w io.Writer) error {
	_, err := w.Write(v.appendJSON(nil))
	return err
}

func (v Vocab) appendJSON(b []byte) []byte {
	b = append(b, '{')
	for id, piece := range v {
		if id > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '"')
		b = strconv.AppendInt(b, int64(id), 10)
		b = append(b, `": `...)
		b = appendPythonString(b, piece)
	}
	return append(b, '}')
}

const hexDigits = "0123456789abcdef"

// appendPythonString quotes s with ensure_ascii escaping. Invalid UTF-8 bytes
// become U+FFFD.
func appendPythonString(b []byte, s string) []byte {
	b = append(b, '"')
	for _, r := range s {
		switch r {
		case '"':
			b = append(b, `\"`...)
		case '\\':
			b = append(b, `\\`...)
		case '\n':
			b = append(b, `\n`...)
		case '\r':
			b = append(b, `\r`...)
		case '\t':
			b = append(b, `\t`...)
		case '\b':
			b = append(b, `\b`...)
		case '\f':
			b = append(b, `\f`...)
		default:
			switch {
			case r >= 0x20 && r < 0x7f:
				b = append(b, byte(r))
			case r > 0xffff:
				r1, r2 := utf16.EncodeRune(r)
				b = appendUnicodeEscape(b, r1)
				b = appendUnicodeEscape(b, r2)
			default:
				b = appendUnicodeEscape(b, r)
			}
		}
	}
	return append(b, '"')
}

func appendUnicodeEscape(b []byte, r rune) []byte {
	return append(b, '\\', 'u',
		hexDigits[(r>>12)&0xf], hexDigits[(r>>8)&0xf], hexDigits[(r>>4)&0xf], hexDigits[r&0xf])
}

// Digest fingerprints the serialized vocab, so identical exports share a
// digest.
func (v Vocab) Digest() uint64 {
	return xxhash.Sum64(v.appendJSON(nil))
}

// ExportFile loads the model at modelPath and writes its vocab to outPath in
// a single write, replacing any existing file. Nothing is written when the
// model cannot be read.
func ExportFile(modelPath, outPath string) (Vocab, error) {
	start := time.Now()
	m, err := LoadModel(modelPath)
	if err != nil {
		return nil, err
	}
	vocab := BuildVocab(m)

	var buf bytes.Buffer
	if err := vocab.WriteJSON(&buf); err != nil {
		return nil, err
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write vocab: %w", err)
	}

	metrics.RecordVocabExport(len(vocab), time.Since(start))
	logger.Log.Info("vocab exported", "out", outPath, "size", len(vocab),
		"bytes", buf.Len(), "digest", fmt.Sprintf("%016x", xxhash.Sum64(buf.Bytes())))
	return vocab, nil
}

// LoadVocab reads a file written by ExportFile, or any JSON object whose keys
// are exactly the ids 0..n-1.
func LoadVocab(path string) (Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load vocab: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("load vocab %s: %w", path, err)
	}

	// Canonical keys below len(raw) are distinct, so they cover every id.
	v := make(Vocab, len(raw))
	for key, piece := range raw {
		id, err := strconv.Atoi(key)
		if err != nil || id < 0 || id >= len(raw) || strconv.Itoa(id) != key {
			return nil, fmt.Errorf("load vocab %s: key %q is not an id below %d", path, key, len(raw))
		}
		v[id] = piece
	}
	return v, nil
}
