package dvr

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// t0 is the base timestamp of most fixtures, millisecond aligned so both
// stores round-trip it exactly.
var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds float64) time.Time {
	return t0.Add(secondsToDuration(seconds))
}

func newMemLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(NewInMemoryStore())
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func openTestSQLStore(t *testing.T, path string) *SQLStore {
	t.Helper()
	s, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ledger.db")
}

func mustAppend(t *testing.T, l *Ledger, u Unit) Unit {
	t.Helper()
	got, err := l.Append(u)
	if err != nil {
		t.Fatalf("Append(%v): %v", u.Kind, err)
	}
	return got
}

// appendInit appends a captured init at the given offset from t0.
func appendInit(t *testing.T, l *Ledger, offset float64) Unit {
	t.Helper()
	return mustAppend(t, l, Unit{Kind: KindInit, Payload: []byte("init"), CreatedAt: at(offset)})
}

// appendSegment appends a captured segment at the given offset from t0.
func appendSegment(t *testing.T, l *Ledger, offset, duration float64, disc bool, init Unit) Unit {
	t.Helper()
	return mustAppend(t, l, Unit{
		Kind:          KindSegment,
		Payload:       []byte(fmt.Sprintf("seg@%.3f", offset)),
		CreatedAt:     at(offset),
		Duration:      duration,
		Discontinuity: disc,
		InitName:      init.Name(),
	})
}

func collect(t *testing.T, l *Ledger, dir Direction) []Unit {
	t.Helper()
	units, err := l.Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	var out []Unit
	for u := range units {
		out = append(out, u)
	}
	return out
}

func names(units []Unit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Name()
	}
	return out
}

// fakeTranscoder turns each blob into segments of fixed duration whose
// payload is the blob plus a suffix. Blobs listed in fail are rejected.
type fakeTranscoder struct {
	mu       sync.Mutex
	segments int
	duration float64
	fail     map[string]bool
	calls    []string
	renders  []float64
	// block, when set, is waited on by every Transcode call.
	block chan struct{}
	// started receives the blob of each Transcode call when set.
	started chan string
	gapErr  error
}

func newFakeTranscoder() *fakeTranscoder {
	return &fakeTranscoder{segments: 2, duration: 2, fail: map[string]bool{}}
}

func (f *fakeTranscoder) Transcode(ctx context.Context, blob []byte, wantInit bool) (TranscodeResult, error) {
	if f.started != nil {
		f.started <- string(blob)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return TranscodeResult{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(blob))
	if f.fail[string(blob)] {
		return TranscodeResult{}, errors.New("corrupt input")
	}

	var res TranscodeResult
	if wantInit {
		res.Init = []byte("init:" + string(blob))
	}
	for i := range f.segments {
		res.Segments = append(res.Segments, EncodedSegment{
			Data:     []byte(fmt.Sprintf("%s/%d", blob, i)),
			Duration: f.duration,
		})
	}
	return res, nil
}

func (f *fakeTranscoder) RenderGap(ctx context.Context, seconds float64) (GapAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gapErr != nil {
		return GapAsset{}, f.gapErr
	}
	f.renders = append(f.renders, seconds)
	return GapAsset{
		Init:    []byte(fmt.Sprintf("gap-init:%.3f", seconds)),
		Segment: []byte(fmt.Sprintf("gap-seg:%.3f", seconds)),
	}, nil
}

func (f *fakeTranscoder) renderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.renders)
}

func (f *fakeTranscoder) transcodeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
