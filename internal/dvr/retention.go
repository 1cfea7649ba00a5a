package dvr

import (
	"log/slog"
	"time"
)

// DefaultRetention is how long units are kept before eviction.
const DefaultRetention = 8 * time.Hour

// SweepResult summarizes one eviction pass.
type SweepResult struct {
	SegmentsEvicted int
	InitsEvicted    int
	InitsKept       int
}

// Sweeper evicts ledger units older than the retention horizon.
type Sweeper struct {
	ledger  *Ledger
	tracker *GapTracker
	dseq    *DiscontinuitySequence
	horizon time.Duration
	log     *slog.Logger
}

// NewSweeper returns a sweeper. A non-positive horizon falls back to DefaultRetention.
func NewSweeper(ledger *Ledger, tracker *GapTracker, dseq *DiscontinuitySequence, horizon time.Duration, log *slog.Logger) *Sweeper {
	if horizon <= 0 {
		horizon = DefaultRetention
	}
	return &Sweeper{ledger: ledger, tracker: tracker, dseq: dseq, horizon: horizon, log: log}
}

// Sweep evicts every segment created before now minus the horizon, then the
// inits no surviving segment depends on. Errors abort the pass; the next
// pass starts over, so no partial state is kept between passes.
func (s *Sweeper) Sweep(now time.Time) (SweepResult, error) {
	var res SweepResult
	cutoff := now.Add(-s.horizon)

	units, err := s.ledger.ScanBefore(Forward, cutoff)
	if err != nil {
		s.log.Error("retention scan failed", slog.String("error", err.Error()))
		return res, err
	}

	var candidates []Unit
	for u := range units {
		if !u.CreatedAt.Before(cutoff) {
			break
		}
		if u.Kind == KindInit {
			candidates = append(candidates, u)
			continue
		}

		s.tracker.RemoveOrShrink(u)
		if u.Discontinuity {
			s.dseq.Add(1)
		}
		if err := s.ledger.Delete(u.Name()); err != nil {
			s.log.Error("retention delete failed",
				slog.String("unit", u.Name()),
				slog.String("error", err.Error()))
			return res, err
		}
		res.SegmentsEvicted++
	}

	survivor, ok, err := s.ledger.LatestSegment(Forward)
	if err != nil {
		s.log.Error("retention survivor lookup failed", slog.String("error", err.Error()))
		return res, err
	}
	var oldestSurvivor *Unit
	if ok {
		oldestSurvivor = &survivor
	}

	deletable := deletableInits(candidates, oldestSurvivor)
	res.InitsKept = len(candidates) - len(deletable)
	for _, u := range deletable {
		if err := s.ledger.Delete(u.Name()); err != nil {
			s.log.Error("retention delete failed",
				slog.String("unit", u.Name()),
				slog.String("error", err.Error()))
			return res, err
		}
		res.InitsEvicted++
	}

	if res.SegmentsEvicted > 0 || res.InitsEvicted > 0 {
		s.log.Info("retention sweep evicted units",
			slog.Time("cutoff", cutoff),
			slog.Int("segments", res.SegmentsEvicted),
			slog.Int("inits", res.InitsEvicted),
			slog.Int("inits_kept", res.InitsKept))
	}
	return res, nil
}

// deletableInits is the second phase of init eviction: from the expired init
// candidates (oldest first) it drops the newest one when the oldest surviving
// segment still belongs to its era.
func deletableInits(candidates []Unit, oldestSurvivor *Unit) []Unit {
	if len(candidates) == 0 {
		return nil
	}
	out := make([]Unit, len(candidates))
	copy(out, candidates)
	if oldestSurvivor == nil {
		return out
	}

	anchor := out[len(out)-1]
	if oldestSurvivor.InitName == "" || oldestSurvivor.InitName == anchor.Name() {
		return out[:len(out)-1]
	}
	return out
}
