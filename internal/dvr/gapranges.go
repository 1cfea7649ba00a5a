package dvr

import (
	"slices"
	"sync"
	"time"
)

// GapTracker maintains the time ranges currently covered by gap segments so
// manifest consumers can tell synthetic content from captured content.
//
// Units must be fed in one consistent temporal direction per scan. The
// tracker is safe for concurrent use.
type GapTracker struct {
	mu sync.Mutex

	// ranges is keyed by End in unix milliseconds; no two share a Start.
	ranges map[int64]GapRange
	nextID int

	prev      *Unit
	openStart time.Time
	open      bool

	fillEnd time.Time
	now     func() time.Time
}

// NewGapTracker returns an empty tracker.
func NewGapTracker() *GapTracker {
	return &GapTracker{
		ranges: make(map[int64]GapRange),
		now:    time.Now,
	}
}

// BeginScan forgets the previous-unit cursor and any half-built range, so a
// fresh scan starting from the oldest unit is not joined to the previous one.
// Completed ranges are kept.
func (t *GapTracker) BeginScan() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prev = nil
	t.open = false
	t.openStart = time.Time{}
}

// Observe feeds one unit of a scan to the tracker, detecting non-gap to gap
// and gap to non-gap transitions.
func (t *GapTracker) Observe(u Unit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observeLocked(u)
}

// ObserveAll feeds units in order.
func (t *GapTracker) ObserveAll(units []Unit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range units {
		t.observeLocked(u)
	}
}

func (t *GapTracker) observeLocked(u Unit) {
	prevGap := t.prev != nil && t.prev.IsGap

	switch {
	case u.IsGap && !prevGap:
		t.open = true
		t.openStart = u.CreatedAt
	case !u.IsGap && prevGap && t.open:
		t.storeLocked(t.openStart, u.CreatedAt)
	}

	prev := u
	prev.Payload = nil
	t.prev = &prev
}

// CloseOpenRange closes a range that was opened but never closed because the
// gap reaches the newest content. The boundary is used as its end; a zero
// boundary falls back to the recorded fill end, then to now.
func (t *GapTracker) CloseOpenRange(boundary time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open || t.prev == nil {
		return
	}
	end := boundary
	if end.IsZero() {
		end = t.fillEnd
	}
	if end.IsZero() {
		end = t.now()
	}
	t.storeLocked(t.openStart, end)
}

func (t *GapTracker) storeLocked(start, end time.Time) {
	t.open = false
	t.openStart = time.Time{}
	if !end.After(start) {
		return
	}

	// A run detected again, possibly with a different end (it was first
	// closed at the fill end while it was the newest content), replaces its
	// earlier entry and keeps that entry's id.
	key := end.UnixMilli()
	id := -1
	for k, r := range t.ranges {
		if k != key && r.Start.UnixMilli() != start.UnixMilli() {
			continue
		}
		if id < 0 || r.ID < id {
			id = r.ID
		}
		delete(t.ranges, k)
	}
	if id < 0 {
		id = t.nextID
		t.nextID++
	}
	t.ranges[key] = GapRange{ID: id, Start: start, End: end}
}

// RemoveOrShrink adjusts ranges after the eviction of u: every range starting
// at or before u.CreatedAt has its start advanced by u's duration and is
// dropped once it no longer spans any time.
func (t *GapTracker) RemoveOrShrink(u Unit) {
	if u.Kind != KindSegment || u.Duration <= 0 {
		return
	}
	d := secondsToDuration(u.Duration)

	t.mu.Lock()
	defer t.mu.Unlock()

	for key, r := range t.ranges {
		if r.Start.After(u.CreatedAt) {
			continue
		}
		r.Start = r.Start.Add(d)
		if !r.End.After(r.Start) {
			delete(t.ranges, key)
			continue
		}
		t.ranges[key] = r
	}
}

// SetFillEnd records the end of the most recent gap fill, used to close a
// range left open at the newest content.
func (t *GapTracker) SetFillEnd(end time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fillEnd = end
}

// Reset clears all state. Called when recording stops, since a new session
// invalidates temporal continuity.
func (t *GapTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ranges = make(map[int64]GapRange)
	t.prev = nil
	t.open = false
	t.openStart = time.Time{}
	t.fillEnd = time.Time{}
}

// Ranges returns a copy of the tracked ranges ordered by start.
func (t *GapTracker) Ranges() []GapRange {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]GapRange, 0, len(t.ranges))
	for _, r := range t.ranges {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b GapRange) int { return a.Start.Compare(b.Start) })
	return out
}
