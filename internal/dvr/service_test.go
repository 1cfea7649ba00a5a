package dvr

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"hls-dvr/internal/platform/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestRecorder(t *testing.T, tc *fakeTranscoder) (*Recorder, *Ledger, *testClock) {
	t.Helper()
	l := newMemLedger(t)
	clock := &testClock{now: t0}
	rec := NewRecorder(l, tc, Config{MaxGap: 7, MinGap: 0.02, Retention: time.Hour}, logger.Discard(), nil)
	rec.now = clock.Now
	rec.gen.now = clock.Now
	require.NoError(t, rec.Init(context.Background()))
	return rec, l, clock
}

func payloads(units []Unit) []string {
	var out []string
	for _, u := range units {
		if u.Kind == KindSegment {
			out = append(out, string(u.Payload))
		}
	}
	return out
}

func TestRecorder_StartStop(t *testing.T) {
	rec, _, _ := newTestRecorder(t, newFakeTranscoder())

	status, id := rec.Status()
	assert.Equal(t, StatusIdle, status)
	assert.Empty(t, id)

	id1, err := rec.Start(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := rec.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "starting twice keeps the session")

	rec.Stop()
	status, _ = rec.Status()
	assert.Equal(t, StatusIdle, status)

	id3, err := rec.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestRecorder_IngestAppendsSlices(t *testing.T) {
	rec, l, _ := newTestRecorder(t, newFakeTranscoder())
	_, err := rec.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, rec.Ingest(context.Background(), []byte("a")))
	require.NoError(t, rec.Ingest(context.Background(), []byte("b")))

	units := collect(t, l, Forward)
	require.Equal(t, []string{"i0.mp4", "s0.m4s", "s1.m4s", "s2.m4s", "s3.m4s"}, names(units))
	assert.Equal(t, "init:a", string(units[0].Payload), "only the first slice of a session asks for an init")

	for i, u := range units[1:] {
		assert.Equal(t, at(float64(2*i)), u.CreatedAt, "segments are timed back to back")
		assert.Equal(t, "i0.mp4", u.InitName)
		assert.Equal(t, i%2 == 0, u.Discontinuity, "each slice opens a new run")
	}

	data, err := rec.Unit(context.Background(), "s2.m4s")
	require.NoError(t, err)
	assert.Equal(t, "b/0", string(data))

	_, err = rec.Unit(context.Background(), "s9.m4s")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecorder_TranscodeFailureDropsSlice(t *testing.T) {
	tc := newFakeTranscoder()
	tc.fail["bad"] = true
	rec, l, _ := newTestRecorder(t, tc)
	_, err := rec.Start(context.Background())
	require.NoError(t, err)

	err = rec.Ingest(context.Background(), []byte("bad"))
	assert.ErrorIs(t, err, ErrTranscode)
	assert.Empty(t, collect(t, l, Forward))

	require.NoError(t, rec.Ingest(context.Background(), []byte("good")))
	units := collect(t, l, Forward)
	require.Equal(t, []string{"i0.mp4", "s0.m4s", "s1.m4s"}, names(units))
	assert.Equal(t, "init:good", string(units[0].Payload), "the init is requested again after a failure")
	assert.Equal(t, t0, units[1].CreatedAt)
}

func TestRecorder_IngestIsFIFO(t *testing.T) {
	tc := newFakeTranscoder()
	tc.block = make(chan struct{})
	tc.started = make(chan string, 8)
	rec, l, _ := newTestRecorder(t, tc)
	_, err := rec.Start(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rec.Ingest(context.Background(), []byte("a")) }()
	require.Equal(t, "a", <-tc.started)

	// A transcode is in flight: these only enqueue.
	require.NoError(t, rec.Ingest(context.Background(), []byte("b")))
	require.NoError(t, rec.Ingest(context.Background(), []byte("c")))
	assert.Equal(t, 2, rec.QueueDepth())

	close(tc.block)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"a", "b", "c"}, tc.transcodeCalls())
	assert.Equal(t, []string{"a/0", "a/1", "b/0", "b/1", "c/0", "c/1"}, payloads(collect(t, l, Forward)))
	assert.Equal(t, 0, rec.QueueDepth())
}

func TestRecorder_RestartFillsGap(t *testing.T) {
	tc := newFakeTranscoder()
	rec, l, clock := newTestRecorder(t, tc)
	ctx := context.Background()

	_, err := rec.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, rec.Ingest(ctx, []byte("a")))
	rec.Stop()

	clock.now = at(4).Add(23 * time.Second)
	_, err = rec.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, rec.Ingest(ctx, []byte("b")))

	units := collect(t, l, Forward)
	require.Equal(t, []string{
		"i0.mp4", "s0.m4s", "s1.m4s",
		"g1.mp4", "g2.m4s", "g3.m4s", "g4.m4s",
		"g2.mp4", "g5.m4s",
		"i3.mp4", "s6.m4s", "s7.m4s",
	}, names(units))
	assert.Equal(t, clock.now, units[10].CreatedAt, "the new session starts at its start time")

	stockSeg, err := rec.Unit(ctx, "g3.m4s")
	require.NoError(t, err)
	assert.Equal(t, "gap-seg:7.000", string(stockSeg))

	stockInit, err := rec.Unit(ctx, "g1.mp4")
	require.NoError(t, err)
	assert.Equal(t, "gap-init:7.000", string(stockInit))

	tailSeg, err := rec.Unit(ctx, "g5.m4s")
	require.NoError(t, err)
	assert.Equal(t, "gap-seg:2.000", string(tailSeg))

	tailInit, err := rec.Unit(ctx, "g2.mp4")
	require.NoError(t, err)
	assert.Equal(t, "gap-init:2.000", string(tailInit))

	m, err := rec.Full()
	require.NoError(t, err)
	assert.Equal(t, []GapRange{{ID: 0, Start: at(4), End: clock.now}}, m.Gaps)
	assert.Equal(t, m, rec.Timeline())
}

func TestRecorder_InitEvictsExpiredUnits(t *testing.T) {
	l := newMemLedger(t)
	buildRun(t, l, 3)

	rec := NewRecorder(l, newFakeTranscoder(), Config{Retention: time.Hour}, logger.Discard(), nil)
	rec.now = func() time.Time { return at(10).Add(2 * time.Hour) }
	require.NoError(t, rec.Init(context.Background()))

	assert.Empty(t, collect(t, l, Forward))
}

func TestRecorder_InitFailsWithoutPlaceholders(t *testing.T) {
	tc := newFakeTranscoder()
	tc.gapErr = assert.AnError
	rec := NewRecorder(newMemLedger(t), tc, Config{}, logger.Discard(), nil)

	err := rec.Init(context.Background())
	assert.ErrorIs(t, err, ErrTranscode)

	_, err = rec.GapInit()
	assert.ErrorIs(t, err, ErrPlaceholdersNotLoaded)
}

func TestRecorder_Delta(t *testing.T) {
	rec, _, clock := newTestRecorder(t, newFakeTranscoder())
	ctx := context.Background()

	m, err := rec.Delta()
	require.NoError(t, err)
	assert.Equal(t, deltaFallbackText, string(m.Data))

	_, err = rec.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, rec.Ingest(ctx, []byte("a")))
	clock.now = at(4)

	m, err = rec.Delta()
	require.NoError(t, err)
	ls := lines(m.Data)
	assert.Contains(t, ls, "#EXT-X-SKIP:SKIPPED-SEGMENTS=0")
	assert.Contains(t, ls, "s1.m4s")
	assert.Equal(t, 4*time.Second, m.Duration)
}

// hookHandler is a slog.Handler that calls fn for every record logged with
// message msg and drops everything else.
type hookHandler struct {
	msg string
	fn  func()
}

func (h *hookHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *hookHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.msg && h.fn != nil {
		h.fn()
	}
	return nil
}

func (h *hookHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *hookHandler) WithGroup(string) slog.Handler      { return h }

func TestRecorder_ManifestsSeeWholeIngestCycles(t *testing.T) {
	ctx := context.Background()
	hook := &hookHandler{msg: "segment stored"}
	clock := &testClock{now: t0}
	rec := NewRecorder(newMemLedger(t), newFakeTranscoder(), Config{MaxGap: 7, MinGap: 0.02, Retention: time.Hour}, slog.New(hook), nil)
	rec.now = clock.Now
	rec.gen.now = clock.Now
	require.NoError(t, rec.Init(ctx))

	_, err := rec.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, rec.Ingest(ctx, []byte("a")))
	_, err = rec.Full()
	require.NoError(t, err)

	// s0 and s1 expire in the sweep that follows the next slice.
	clock.now = at(3).Add(time.Hour)

	// A player asks for a delta while the next slice is being appended.
	var once sync.Once
	midCycle := make(chan Manifest, 1)
	hook.fn = func() {
		once.Do(func() {
			go func() {
				m, err := rec.Delta()
				assert.NoError(t, err)
				midCycle <- m
			}()
		})
	}
	require.NoError(t, rec.Ingest(ctx, []byte("b")))

	after, err := rec.Delta()
	require.NoError(t, err)

	for name, m := range map[string]Manifest{"mid-cycle": <-midCycle, "after": after} {
		ls := lines(m.Data)
		assert.Contains(t, ls, "#EXT-X-MEDIA-SEQUENCE:2", name)
		assert.NotContains(t, ls, "s0.m4s", name)
		assert.NotContains(t, ls, "s1.m4s", name)
		assert.Contains(t, ls, "s2.m4s", name)
		assert.Contains(t, ls, "s3.m4s", name)
	}

	_, err = rec.Unit(ctx, "s0.m4s")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecorder_GapRangeReportedOnceAcrossResume(t *testing.T) {
	rec, _, clock := newTestRecorder(t, newFakeTranscoder())
	ctx := context.Background()

	_, err := rec.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, rec.Ingest(ctx, []byte("a")))
	rec.Stop()

	// Two whole chunks; the 10ms remainder is below the minimum and dropped,
	// so the inserted run ends before the new session starts.
	clock.now = at(4).Add(14010 * time.Millisecond)
	_, err = rec.Start(ctx)
	require.NoError(t, err)

	m, err := rec.Full()
	require.NoError(t, err)
	require.Equal(t, []GapRange{{ID: 0, Start: at(4), End: at(18)}}, m.Gaps)

	require.NoError(t, rec.Ingest(ctx, []byte("b")))
	m, err = rec.Full()
	require.NoError(t, err)
	assert.Equal(t, []GapRange{{ID: 0, Start: at(4), End: clock.now}}, m.Gaps)
}
