package dvr

import (
	"log/slog"
	"math"
	"time"
)

const (
	// DefaultMaxGap is the duration of a stock gap segment in seconds.
	DefaultMaxGap = 6.997
	// DefaultMinGap is the shortest remainder worth a placeholder, one
	// placeholder frame at the gap assets' frame rate.
	DefaultMinGap = 0.02133333
)

// GapPlan is the chunking of one gap: whole MaxGap chunks plus an optional
// uneven remainder.
type GapPlan struct {
	Whole     int
	MaxGap    float64
	Remainder float64
}

// PlanGap splits gapSeconds into whole maxGap chunks and a remainder chunk,
// which is kept only if it exceeds minGap.
func PlanGap(gapSeconds, maxGap, minGap float64) GapPlan {
	if gapSeconds <= 0 || maxGap <= 0 {
		return GapPlan{MaxGap: maxGap}
	}
	whole := int(math.Floor(gapSeconds / maxGap))
	rem := gapSeconds - float64(whole)*maxGap
	if rem <= minGap {
		rem = 0
	}
	return GapPlan{Whole: whole, MaxGap: maxGap, Remainder: rem}
}

// GapFiller back-fills the time between the newest stored segment and a new
// recording session with placeholder units.
type GapFiller struct {
	ledger  *Ledger
	tracker *GapTracker
	maxGap  float64
	minGap  float64
	log     *slog.Logger
}

// NewGapFiller returns a filler. Non-positive gap bounds fall back to the defaults.
func NewGapFiller(ledger *Ledger, tracker *GapTracker, maxGap, minGap float64, log *slog.Logger) *GapFiller {
	if maxGap <= 0 {
		maxGap = DefaultMaxGap
	}
	if minGap <= 0 {
		minGap = DefaultMinGap
	}
	return &GapFiller{ledger: ledger, tracker: tracker, maxGap: maxGap, minGap: minGap, log: log}
}

// Fill inserts gap units covering the time from the end of the newest
// segment to sessionStart. It returns the end of the inserted run and whether
// anything was inserted. An empty ledger is never filled.
func (f *GapFiller) Fill(sessionStart time.Time) (end time.Time, filled bool, err error) {
	last, ok, err := f.ledger.LatestSegment(Backward)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ok {
		f.log.Debug("no segments stored, not filling gap")
		return time.Time{}, false, nil
	}

	gapStart := last.End()
	gapSeconds := sessionStart.Sub(gapStart).Seconds()
	if gapSeconds <= 0 {
		return time.Time{}, false, nil
	}

	plan := PlanGap(gapSeconds, f.maxGap, f.minGap)
	if plan.Whole == 0 && plan.Remainder == 0 {
		return time.Time{}, false, nil
	}

	if err := f.ledger.RefreshIndexes(); err != nil {
		return time.Time{}, false, err
	}

	at := gapStart
	if plan.Whole > 0 {
		init, err := f.ledger.Append(Unit{Kind: KindInit, CreatedAt: at, IsGap: true})
		if err != nil {
			return time.Time{}, false, err
		}
		for i := range plan.Whole {
			_, err := f.ledger.Append(Unit{
				Kind:          KindSegment,
				CreatedAt:     at,
				Duration:      plan.MaxGap,
				Discontinuity: i == 0,
				IsGap:         true,
				InitName:      init.Name(),
			})
			if err != nil {
				return time.Time{}, false, err
			}
			at = at.Add(secondsToDuration(plan.MaxGap))
		}
	}

	if plan.Remainder > 0 {
		init, err := f.ledger.Append(Unit{Kind: KindInit, CreatedAt: at, IsGap: true, IsUnevenTail: true})
		if err != nil {
			return time.Time{}, false, err
		}
		_, err = f.ledger.Append(Unit{
			Kind:          KindSegment,
			CreatedAt:     at,
			Duration:      plan.Remainder,
			Discontinuity: true,
			IsGap:         true,
			IsUnevenTail:  true,
			InitName:      init.Name(),
		})
		if err != nil {
			return time.Time{}, false, err
		}
		at = at.Add(secondsToDuration(plan.Remainder))
	}

	f.tracker.SetFillEnd(at)
	f.log.Info("filled recording gap",
		slog.Time("gap_start", gapStart),
		slog.Time("gap_end", at),
		slog.Float64("gap_seconds", gapSeconds),
		slog.Int("whole_chunks", plan.Whole),
		slog.Float64("remainder", plan.Remainder))
	return at, true, nil
}
