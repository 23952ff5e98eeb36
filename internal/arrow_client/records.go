package arrow_client

import (
	"fmt"
	"os"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Column names shared by the logits and vocab records.
const (
	ColTokenID = "token_id"
	ColLogit   = "logit"
	ColPiece   = "piece"
)

// LogitsRecord builds one row per token id. The piece column is added when
// vocab is non-empty; ids beyond the vocab get a null piece.
func LogitsRecord(mem memory.Allocator, logits []float32, vocab []string, meta map[string]string) arrow.Record {
	fields := []arrow.Field{
		{Name: ColTokenID, Type: arrow.PrimitiveTypes.Int32},
		{Name: ColLogit, Type: arrow.PrimitiveTypes.Float32},
	}
	if len(vocab) > 0 {
		fields = append(fields, arrow.Field{Name: ColPiece, Type: arrow.BinaryTypes.String, Nullable: true})
	}
	md := schemaMetadata(meta)
	schema := arrow.NewSchema(fields, &md)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	ids := b.Field(0).(*array.Int32Builder)
	ids.Reserve(len(logits))
	for i := range logits {
		ids.Append(int32(i))
	}
	b.Field(1).(*array.Float32Builder).AppendValues(logits, nil)
	if len(vocab) > 0 {
		pieces := b.Field(2).(*array.StringBuilder)
		for i := range logits {
			if i < len(vocab) {
				pieces.Append(vocab[i])
			} else {
				pieces.AppendNull()
			}
		}
	}
	return b.NewRecord()
}

// VocabRecord builds the id to piece table of an exported vocab.
func VocabRecord(mem memory.Allocator, vocab []string) arrow.Record {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: ColTokenID, Type: arrow.PrimitiveTypes.Int32},
		{Name: ColPiece, Type: arrow.BinaryTypes.String},
	}, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	ids := b.Field(0).(*array.Int32Builder)
	pieces := b.Field(1).(*array.StringBuilder)
	ids.Reserve(len(vocab))
	pieces.Reserve(len(vocab))
	for i, p := range vocab {
		ids.Append(int32(i))
		pieces.Append(p)
	}
	return b.NewRecord()
}

func schemaMetadata(meta map[string]string) arrow.Metadata {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = meta[k]
	}
	return arrow.NewMetadata(keys, vals)
}

// LogitsFromRecord reads the logit column back, ordered by token id.
func LogitsFromRecord(rec arrow.Record) ([]float32, error) {
	idx := rec.Schema().FieldIndices(ColLogit)
	if len(idx) == 0 {
		return nil, fmt.Errorf("record has no %q column", ColLogit)
	}
	col, ok := rec.Column(idx[0]).(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, want float32", ColLogit, rec.Column(idx[0]).DataType())
	}
	out := make([]float32, col.Len())
	copy(out, col.Float32Values())
	return out, nil
}

// WriteIPCFile writes rec as an Arrow IPC file.
func WriteIPCFile(path string, rec arrow.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("arrow file writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		_ = f.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close arrow file: %w", err)
	}
	return f.Close()
}

// ReadIPCFile loads every record of an Arrow IPC file. The caller releases
// them.
func ReadIPCFile(path string, mem memory.Allocator) ([]arrow.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("arrow file reader: %w", err)
	}
	defer r.Close()

	recs := make([]arrow.Record, 0, r.NumRecords())
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			for _, done := range recs {
				done.Release()
			}
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rec.Retain()
		recs = append(recs, rec)
	}
	return recs, nil
}
