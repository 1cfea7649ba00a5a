package dvr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hls-dvr/internal/platform/metrics"

	"github.com/google/uuid"
)

// DefaultTranscodeTimeout bounds a single transcoder call.
const DefaultTranscodeTimeout = 2 * time.Minute

// Config holds the recorder's tuning values, fixed at startup.
type Config struct {
	TargetDuration   int
	MaxGap           float64
	MinGap           float64
	Retention        time.Duration
	TranscodeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TargetDuration <= 0 {
		c.TargetDuration = DefaultTargetDuration
	}
	if c.MaxGap <= 0 {
		c.MaxGap = DefaultMaxGap
	}
	if c.MinGap <= 0 {
		c.MinGap = DefaultMinGap
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.TranscodeTimeout <= 0 {
		c.TranscodeTimeout = DefaultTranscodeTimeout
	}
	return c
}

// Status is the recording state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
)

// Recorder owns one ledger and everything that mutates or reads it: session
// lifecycle, the serialized ingestion queue, manifest generation, retention
// and placeholder lookups.
type Recorder struct {
	cfg          Config
	ledger       *Ledger
	tracker      *GapTracker
	dseq         *DiscontinuitySequence
	gen          *Generator
	filler       *GapFiller
	sweeper      *Sweeper
	placeholders *Placeholders
	tc           Transcoder
	log          *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	// cycle is held for writing across every ledger mutation pass (a gap
	// fill, a slice's appends plus the sweep that follows them) and for
	// reading while a manifest is built, so manifests never observe a pass
	// half done. Acquired before mu.
	cycle sync.RWMutex

	mu          sync.Mutex
	status      Status
	sessionID   string
	sourceDate  time.Time
	needInit    bool
	currentInit string
	queue       [][]byte
	draining    bool
}

// NewRecorder wires a recorder around ledger. m may be nil.
func NewRecorder(ledger *Ledger, tc Transcoder, cfg Config, log *slog.Logger, m *metrics.Metrics) *Recorder {
	cfg = cfg.withDefaults()
	tracker := NewGapTracker()
	dseq := &DiscontinuitySequence{}
	return &Recorder{
		cfg:          cfg,
		ledger:       ledger,
		tracker:      tracker,
		dseq:         dseq,
		gen:          NewGenerator(ledger, tracker, dseq, cfg.TargetDuration),
		filler:       NewGapFiller(ledger, tracker, cfg.MaxGap, cfg.MinGap, log),
		sweeper:      NewSweeper(ledger, tracker, dseq, cfg.Retention, log),
		placeholders: NewPlaceholders(tc, cfg.MaxGap, cfg.MinGap),
		tc:           tc,
		log:          log,
		metrics:      m,
		now:          time.Now,
		status:       StatusIdle,
	}
}

// Init evicts expired units left from a previous run and loads the stock
// gap placeholders.
func (r *Recorder) Init(ctx context.Context) error {
	r.cycle.Lock()
	r.sweep()
	r.cycle.Unlock()
	return r.placeholders.Load(ctx)
}

// Start begins a recording session. Time elapsed since the newest stored
// segment is back-filled with gap units first. Starting while recording is a
// no-op returning the current session id.
func (r *Recorder) Start(ctx context.Context) (string, error) {
	r.cycle.Lock()
	defer r.cycle.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusRecording {
		return r.sessionID, nil
	}

	start := r.now()
	_, segBefore := r.ledger.NextIndexes()

	end, filled, err := r.filler.Fill(start)
	if err != nil {
		return "", fmt.Errorf("fill gap: %w", err)
	}
	if err := r.ledger.RefreshIndexes(); err != nil {
		return "", fmt.Errorf("refresh indexes: %w", err)
	}
	if filled {
		_, segAfter := r.ledger.NextIndexes()
		r.metrics.AddGapSegments(int(segAfter - segBefore))
	}

	r.status = StatusRecording
	r.sessionID = uuid.New().String()
	r.sourceDate = start
	r.needInit = true
	r.currentInit = ""
	r.metrics.SetRecording(true)

	r.log.Info("recording started",
		slog.String("session_id", r.sessionID),
		slog.Time("start", start),
		slog.Bool("gap_filled", filled),
		slog.Time("gap_end", end))
	return r.sessionID, nil
}

// Stop ends the recording session. Slices already queued still append.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusIdle {
		return
	}
	r.log.Info("recording stopped", slog.String("session_id", r.sessionID))
	r.status = StatusIdle
	r.tracker.Reset()
	r.metrics.SetRecording(false)
}

// Status returns the recording state and the current session id.
func (r *Recorder) Status() (Status, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.sessionID
}

// Ingest queues a captured slice. Exactly one transcode runs at a time: the
// caller that finds the queue idle drains it in capture order, later callers
// only enqueue. Transcode failures drop their slice and are returned joined.
func (r *Recorder) Ingest(ctx context.Context, blob []byte) error {
	r.mu.Lock()
	r.queue = append(r.queue, blob)
	r.metrics.SetQueueDepth(len(r.queue))
	if r.draining {
		r.mu.Unlock()
		r.log.Debug("transcode in progress, slice queued")
		return nil
	}
	r.draining = true
	r.mu.Unlock()

	var errs []error
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.draining = false
			r.mu.Unlock()
			break
		}
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.metrics.SetQueueDepth(len(r.queue))
		r.mu.Unlock()

		if err := r.ingestOne(ctx, next); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) ingestOne(ctx context.Context, blob []byte) error {
	r.mu.Lock()
	wantInit := r.needInit
	r.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, r.cfg.TranscodeTimeout)
	res, err := r.tc.Transcode(tctx, blob, wantInit)
	cancel()
	if err == nil && wantInit && len(res.Init) == 0 {
		err = errors.New("init requested but not produced")
	}
	if err != nil {
		r.metrics.IncTranscodeFailures()
		r.log.Error("transcode failed, dropping slice",
			slog.Int("bytes", len(blob)),
			slog.String("error", err.Error()))
		r.cycle.Lock()
		r.sweep()
		r.cycle.Unlock()
		return fmt.Errorf("%w: %v", ErrTranscode, err)
	}

	r.cycle.Lock()
	defer r.cycle.Unlock()
	err = r.appendResult(res)
	r.sweep()
	if err != nil {
		r.log.Error("append failed", slog.String("error", err.Error()))
		return err
	}
	r.metrics.IncSlicesIngested()
	return nil
}

// appendResult stores the init (if any) and segments of one slice at
// consecutive times starting at the session's running source date.
func (r *Recorder) appendResult(res TranscodeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(res.Init) > 0 {
		init, err := r.ledger.Append(Unit{Kind: KindInit, Payload: res.Init, CreatedAt: r.sourceDate})
		if err != nil {
			return err
		}
		r.currentInit = init.Name()
		r.needInit = false
		r.metrics.AddUnitsAppended(KindInit.String(), 1)
	}

	// Every slice is an independent transcoder run whose timestamps restart,
	// so its first segment opens a new run for the player.
	for i, s := range res.Segments {
		seg, err := r.ledger.Append(Unit{
			Kind:          KindSegment,
			Payload:       s.Data,
			CreatedAt:     r.sourceDate,
			Duration:      s.Duration,
			Discontinuity: i == 0,
			InitName:      r.currentInit,
		})
		if err != nil {
			return err
		}
		r.log.Debug("segment stored", slog.String("unit", seg.Name()), slog.Float64("duration", s.Duration))
		r.sourceDate = r.sourceDate.Add(secondsToDuration(s.Duration))
		r.metrics.AddUnitsAppended(KindSegment.String(), 1)
	}
	return nil
}

// sweep runs a retention pass. Callers hold cycle for writing.
func (r *Recorder) sweep() {
	res, err := r.sweeper.Sweep(r.now())
	if err != nil {
		return
	}
	r.metrics.AddUnitsEvicted(KindSegment.String(), res.SegmentsEvicted)
	r.metrics.AddUnitsEvicted(KindInit.String(), res.InitsEvicted)
	r.metrics.SetDiscontinuitySequence(r.dseq.Load())
}

// Full returns the initial manifest.
func (r *Recorder) Full() (Manifest, error) {
	r.cycle.RLock()
	m, err := r.gen.Full()
	r.cycle.RUnlock()
	if err != nil {
		return Manifest{}, err
	}
	r.metrics.IncManifests("full")
	r.metrics.SetDiscontinuitySequence(r.dseq.Load())
	return m, nil
}

// Delta returns the delta manifest.
func (r *Recorder) Delta() (Manifest, error) {
	r.cycle.RLock()
	m, err := r.gen.Delta()
	r.cycle.RUnlock()
	if err != nil {
		return Manifest{}, err
	}
	r.metrics.IncManifests("delta")
	r.metrics.SetDiscontinuitySequence(r.dseq.Load())
	return m, nil
}

// Timeline returns the most recently generated manifest's metadata.
func (r *Recorder) Timeline() Manifest {
	return r.gen.Latest()
}

// Unit returns the bytes served for the unit stored under name. Gap units
// resolve to the stock or rendered placeholder content.
func (r *Recorder) Unit(ctx context.Context, name string) ([]byte, error) {
	u, err := r.ledger.Get(name)
	if err != nil {
		return nil, err
	}
	if !u.IsGap {
		return u.Payload, nil
	}

	if !u.IsUnevenTail {
		if u.Kind == KindInit {
			return r.placeholders.StockInit()
		}
		return r.placeholders.StockSegment()
	}

	seconds := u.Duration
	if u.Kind == KindInit {
		seg, err := r.tailOf(u.Name())
		if err != nil {
			return nil, err
		}
		seconds = seg.Duration
	}
	_, asset, err := r.placeholders.Uneven(ctx, seconds)
	if err != nil {
		return nil, err
	}
	if u.Kind == KindInit {
		return asset.Init, nil
	}
	return asset.Segment, nil
}

// tailOf finds the uneven-tail segment paired with an uneven-tail init.
func (r *Recorder) tailOf(initName string) (Unit, error) {
	units, err := r.ledger.Scan(Backward)
	if err != nil {
		return Unit{}, err
	}
	for u := range units {
		if u.Kind == KindSegment && u.InitName == initName {
			return u, nil
		}
	}
	return Unit{}, ErrNotFound
}

// GapInit returns the stock gap init.
func (r *Recorder) GapInit() ([]byte, error) {
	return r.placeholders.StockInit()
}

// GapSegment returns a gap segment by its rendered filename.
func (r *Recorder) GapSegment(ctx context.Context, filename string) ([]byte, error) {
	return r.placeholders.Segment(ctx, filename)
}

// QueueDepth returns the number of slices waiting for the transcoder.
func (r *Recorder) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}
