// Package tokenizer reads a SentencePiece model's fixed vocabulary and exports
// it as an id to piece JSON mapping.
package tokenizer

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/23skdu/longbow-moshi/internal/gguf"
	"github.com/23skdu/longbow-moshi/internal/logger"
)

var ErrIDOutOfRange = errors.New("piece id out of range")

// PieceType mirrors sentencepiece.ModelProto.SentencePiece.Type.
type PieceType int32

const (
	PieceNormal      PieceType = 1
	PieceUnknown     PieceType = 2
	PieceControl     PieceType = 3
	PieceUserDefined PieceType = 4
	PieceUnused      PieceType = 5
	PieceByte        PieceType = 6
)

type Piece struct {
	Piece string
	Score float32
	Type  PieceType
}

// Model is the vocabulary part of a SentencePiece model. Normalizer and
// trainer settings are skipped.
type Model struct {
	Pieces []Piece
}

// ModelProto field numbers.
const (
	fieldPieces protowire.Number = 1

	fieldPiece protowire.Number = 1
	fieldScore protowire.Number = 2
	fieldType  protowire.Number = 3
)

// LoadModel reads a serialized SentencePiece ModelProto. Paths ending in
// .gguf are read from their tokenizer.ggml.tokens metadata instead.
func LoadModel(path string) (*Model, error) {
	if strings.HasSuffix(strings.ToLower(path), ".gguf") {
		return loadGGUF(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer model: %w", err)
	}
	m, err := ParseModel(data)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer model %s: %w", path, err)
	}
	logger.Log.Debug("tokenizer model loaded", "path", path, "pieces", len(m.Pieces))
	return m, nil
}

func ParseModel(data []byte) (*Model, error) {
	m := &Model{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		if num == fieldPieces && typ == protowire.BytesType {
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("piece %d: %w", len(m.Pieces), protowire.ParseError(n))
			}
			p, err := parsePiece(msg)
			if err != nil {
				return nil, fmt.Errorf("piece %d: %w", len(m.Pieces), err)
			}
			m.Pieces = append(m.Pieces, p)
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	if len(m.Pieces) == 0 {
		return nil, fmt.Errorf("model has no pieces")
	}
	return m, nil
}

func parsePiece(data []byte) (Piece, error) {
	p := Piece{Type: PieceNormal}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldPiece && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.Piece = string(v)
			data = data[n:]
		case num == fieldScore && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.Score = math.Float32frombits(v)
			data = data[n:]
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.Type = PieceType(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return p, nil
}

func loadGGUF(path string) (*Model, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer model: %w", err)
	}
	defer f.Close()

	val, ok := f.KV["tokenizer.ggml.tokens"]
	if !ok {
		return nil, fmt.Errorf("tokenizer.ggml.tokens not found in GGUF")
	}
	arr, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid type for tokenizer.ggml.tokens")
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("model has no pieces")
	}

	m := &Model{Pieces: make([]Piece, len(arr))}
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("token %d is not a string", i)
		}
		m.Pieces[i] = Piece{Piece: s, Type: PieceNormal}
	}
	return m, nil
}

func (m *Model) VocabSize() int {
	return len(m.Pieces)
}

func (m *Model) IDToPiece(id int) (string, error) {
	if id < 0 || id >= len(m.Pieces) {
		return "", fmt.Errorf("id %d: %w (vocab %d)", id, ErrIDOutOfRange, len(m.Pieces))
	}
	return m.Pieces[id].Piece, nil
}
