package dvr

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DiscontinuitySequence is the running EXT-X-DISCONTINUITY-SEQUENCE counter,
// shared by the manifest generator and the retention sweeper.
type DiscontinuitySequence struct {
	atomic.Int64
}

// Generator builds full and delta manifests from ledger state and caches the
// latest delta until the next append.
type Generator struct {
	ledger  *Ledger
	tracker *GapTracker
	dseq    *DiscontinuitySequence
	target  int
	now     func() time.Time

	fullFallback  []byte
	deltaFallback []byte

	mu       sync.Mutex
	lastSent *Unit
	cached   *Manifest
	cacheGen uint64
	latest   Manifest
}

// NewGenerator returns a generator with a target duration fixed for its
// lifetime. A non-positive target falls back to DefaultTargetDuration.
func NewGenerator(ledger *Ledger, tracker *GapTracker, dseq *DiscontinuitySequence, targetDuration int) *Generator {
	if targetDuration <= 0 {
		targetDuration = DefaultTargetDuration
	}
	return &Generator{
		ledger:        ledger,
		tracker:       tracker,
		dseq:          dseq,
		target:        targetDuration,
		now:           time.Now,
		fullFallback:  BuildFallbackPlaylist(targetDuration, false),
		deltaFallback: BuildFallbackPlaylist(targetDuration, true),
	}
}

// Full builds the initial manifest over every stored unit in ascending order.
// With no segment stored the fixed fallback is returned. The manifest declares
// discontinuity sequence 0 since it lists every stored unit; the running
// counter used by deltas is left untouched, so a full manifest served to one
// player never moves another player's sequence backwards.
func (g *Generator) Full() (Manifest, error) {
	units, err := g.ledger.Scan(Forward)
	if err != nil {
		return Manifest{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.tracker.BeginScan()

	var (
		b           strings.Builder
		body        strings.Builder
		first, last *Unit
	)
	for u := range units {
		if u.Kind == KindSegment {
			g.tracker.Observe(u)
			if first == nil {
				f := u
				first = &f
			}
			l := u
			last = &l
		}
		writeUnit(&body, u)
	}
	g.tracker.CloseOpenRange(time.Time{})

	if first == nil {
		return g.recordLocked(Manifest{Data: g.fullFallback, StartDate: g.now(), Gaps: g.tracker.Ranges()}), nil
	}

	writeHeader(&b, playlistHeader{
		TargetDuration: g.target,
		MediaSequence:  first.Index,
		Skipped:        -1,
	})
	b.WriteString(body.String())

	last.Payload = nil
	g.lastSent = last

	return g.recordLocked(Manifest{
		Data:      []byte(b.String()),
		StartDate: first.CreatedAt,
		Duration:  spanOf(*first, *last),
		Gaps:      g.tracker.Ranges(),
	}), nil
}

// Delta builds the incremental manifest that skips segments older than the
// CAN-SKIP-UNTIL window behind the last sent segment. The result is cached
// until the next append.
func (g *Generator) Delta() (Manifest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gen := g.ledger.Generation()
	if g.cached != nil && g.cacheGen == gen {
		return *g.cached, nil
	}

	oldest, ok, err := g.ledger.LatestSegment(Forward)
	if err != nil {
		return Manifest{}, err
	}
	units, err := g.ledger.Scan(Backward)
	if err != nil {
		return Manifest{}, err
	}

	canSkip := time.Duration(canSkipSeconds(g.target) * float64(time.Second))
	ref := g.now()
	if g.lastSent != nil {
		ref = g.lastSent.CreatedAt
	}
	stopBoundary := ref.Add(-canSkip)

	// collected is built newest first and reversed once the scan stops.
	var (
		collected []Unit
		eraInit   *Unit
		stopped   bool
	)
	for u := range units {
		if stopped {
			if u.Kind == KindInit {
				i := u
				eraInit = &i
				break
			}
			continue
		}
		if u.Kind == KindSegment && !u.CreatedAt.Truncate(time.Second).After(stopBoundary) {
			stopped = true
			continue
		}
		collected = append(collected, u)
	}
	slices.Reverse(collected)

	segs := make([]Unit, 0, len(collected))
	for _, u := range collected {
		if u.Kind == KindSegment {
			segs = append(segs, u)
		}
	}
	if !ok || len(segs) == 0 {
		return g.cacheLocked(gen, Manifest{Data: g.deltaFallback, StartDate: g.now(), Gaps: g.tracker.Ranges()}), nil
	}

	// Ranges are detected in forward order from the segments the player has
	// not seen yet, even though the scan ran backward.
	candidates := make([]Unit, 0, len(segs))
	for _, s := range segs {
		if g.lastSent == nil || s.Index > g.lastSent.Index {
			candidates = append(candidates, s)
		}
	}
	g.tracker.ObserveAll(candidates)
	g.tracker.CloseOpenRange(time.Time{})

	// The oldest collected segment needs the init of its era in front of it.
	if collected[0].Kind != KindInit {
		if eraInit == nil {
			eraInit = g.findEraInitLocked(segs[0])
		}
		if eraInit != nil {
			collected = append([]Unit{*eraInit}, collected...)
		}
	}

	var b strings.Builder
	writeHeader(&b, playlistHeader{
		TargetDuration:        g.target,
		DiscontinuitySequence: g.dseq.Load(),
		MediaSequence:         oldest.Index,
		Skipped:               segs[0].Index - oldest.Index,
	})
	for _, u := range collected {
		if u.Kind == KindSegment && u.Discontinuity && (g.lastSent == nil || u.Index > g.lastSent.Index) {
			g.dseq.Add(1)
		}
		writeUnit(&b, u)
	}

	last := segs[len(segs)-1]
	last.Payload = nil
	g.lastSent = &last

	return g.cacheLocked(gen, Manifest{
		Data:      []byte(b.String()),
		StartDate: oldest.CreatedAt,
		Duration:  spanOf(oldest, last),
		Gaps:      g.tracker.Ranges(),
	}), nil
}

// findEraInitLocked looks up the init a segment belongs to when the backward
// scan ran out before reaching it.
func (g *Generator) findEraInitLocked(seg Unit) *Unit {
	if seg.InitName == "" {
		return nil
	}
	u, err := g.ledger.Get(seg.InitName)
	if err != nil {
		return nil
	}
	return &u
}

func (g *Generator) cacheLocked(gen uint64, m Manifest) Manifest {
	g.cached = &m
	g.cacheGen = gen
	return g.recordLocked(m)
}

func (g *Generator) recordLocked(m Manifest) Manifest {
	g.latest = m
	return m
}

// Latest returns the most recently generated manifest of either flavor.
func (g *Generator) Latest() Manifest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest
}
