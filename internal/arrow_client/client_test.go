package arrow_client

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// collectingServer keeps every record uploaded through DoPut, keyed by the
// descriptor path.
type collectingServer struct {
	flight.BaseFlightServer

	mu      sync.Mutex
	records map[string][]arrow.Record
}

func (s *collectingServer) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	path := strings.Join(rdr.LatestFlightDescriptor().GetPath(), "/")
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		s.mu.Lock()
		s.records[path] = append(s.records[path], rec)
		s.mu.Unlock()
	}
	if err := rdr.Err(); err != nil {
		return err
	}
	return stream.Send(&flight.PutResult{})
}

func startServer(t *testing.T) (*collectingServer, string) {
	t.Helper()
	srv := &collectingServer{records: make(map[string][]arrow.Record)}
	s := flight.NewServerWithMiddleware(nil)
	if err := s.Init("localhost:0"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	s.RegisterFlightService(srv)
	go func() { _ = s.Serve() }()
	t.Cleanup(func() {
		s.Shutdown()
		for _, recs := range srv.records {
			for _, r := range recs {
				r.Release()
			}
		}
	})
	return srv, s.Addr().String()
}

func TestNewFlightClient(t *testing.T) {
	client := NewFlightClient("localhost", 0)
	if client.Addr() != "localhost:3000" {
		t.Errorf("expected default port, got %s", client.Addr())
	}
	if got := NewFlightClient("example", 9000).Addr(); got != "example:9000" {
		t.Errorf("unexpected addr %s", got)
	}
}

func TestDoPutReturnsErrorWhenNotConnected(t *testing.T) {
	client := NewFlightClient("localhost", 3000)
	rec := LogitsRecord(memory.DefaultAllocator, []float32{1}, nil, nil)
	defer rec.Release()

	err := client.DoPut(context.Background(), "logits", rec)
	if err == nil {
		t.Fatal("Expected error when client not connected")
	}
	if !strings.Contains(err.Error(), "not connected") {
		t.Errorf("Expected 'not connected' error, got: %v", err)
	}
}

func TestDoPutDeliversRecord(t *testing.T) {
	srv, addr := startServer(t)

	client := NewFlightClient("", 0)
	client.addr = addr
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	logits := []float32{0.5, -1, 3}
	rec := LogitsRecord(memory.DefaultAllocator, logits, []string{"a", "b", "c"}, map[string]string{"step": "0"})
	defer rec.Release()

	if err := client.DoPut(context.Background(), "logits", rec); err != nil {
		t.Fatalf("DoPut: %v", err)
	}

	srv.mu.Lock()
	got := srv.records["logits"]
	srv.mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("server received %d records, want 1", len(got))
	}
	back, err := LogitsFromRecord(got[0])
	if err != nil {
		t.Fatal(err)
	}
	for i := range logits {
		if back[i] != logits[i] {
			t.Errorf("logit %d = %v, want %v", i, back[i], logits[i])
		}
	}
	if v, ok := got[0].Schema().Metadata().GetValue("step"); !ok || v != "0" {
		t.Errorf("step metadata = %q, %v", v, ok)
	}
}

func TestLogitsRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	logits := []float32{1.5, float32(math.Inf(-1)), 0, 2}
	rec := LogitsRecord(mem, logits, []string{"<unk>", "▁a"}, map[string]string{"dtype": "bf16", "step": "0"})
	defer rec.Release()

	if rec.NumRows() != int64(len(logits)) || rec.NumCols() != 3 {
		t.Fatalf("record shape %dx%d", rec.NumRows(), rec.NumCols())
	}
	ids := rec.Column(0).(*array.Int32)
	pieces := rec.Column(2).(*array.String)
	for i := range logits {
		if ids.Value(i) != int32(i) {
			t.Errorf("id %d = %d", i, ids.Value(i))
		}
	}
	if pieces.Value(1) != "▁a" || !pieces.IsNull(2) || !pieces.IsNull(3) {
		t.Errorf("unexpected piece column %v", pieces)
	}
	keys := rec.Schema().Metadata().Keys()
	if len(keys) != 2 || keys[0] != "dtype" || keys[1] != "step" {
		t.Errorf("metadata keys %v", keys)
	}

	plain := LogitsRecord(mem, logits, nil, nil)
	defer plain.Release()
	if plain.NumCols() != 2 {
		t.Errorf("record without vocab has %d columns", plain.NumCols())
	}
}

func TestLogitsFromRecordErrors(t *testing.T) {
	rec := VocabRecord(memory.DefaultAllocator, []string{"a"})
	defer rec.Release()
	if _, err := LogitsFromRecord(rec); err == nil {
		t.Error("expected error for record without logits")
	}
}

func TestIPCFileRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	vocab := []string{"<unk>", "<s>", "▁the", "é"}
	rec := VocabRecord(mem, vocab)
	defer rec.Release()

	path := filepath.Join(t.TempDir(), "vocab.arrow")
	if err := WriteIPCFile(path, rec); err != nil {
		t.Fatalf("WriteIPCFile: %v", err)
	}

	recs, err := ReadIPCFile(path, memory.DefaultAllocator)
	if err != nil {
		t.Fatalf("ReadIPCFile: %v", err)
	}
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	if len(recs) != 1 || recs[0].NumRows() != int64(len(vocab)) {
		t.Fatalf("read %d records", len(recs))
	}
	pieces := recs[0].Column(1).(*array.String)
	for i, want := range vocab {
		if pieces.Value(i) != want {
			t.Errorf("piece %d = %q, want %q", i, pieces.Value(i), want)
		}
	}
}

func TestReadIPCFileMissing(t *testing.T) {
	if _, err := ReadIPCFile(filepath.Join(t.TempDir(), "none.arrow"), memory.DefaultAllocator); err == nil {
		t.Error("expected error for missing file")
	}
}
