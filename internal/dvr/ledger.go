package dvr

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrStorageUnavailable is returned when the ledger's store cannot be read
	// or written. The ledger never retries; callers decide.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned for units that never existed or were evicted.
	ErrNotFound = errors.New("unit not found")

	// ErrIndexOverflow is returned when an index would exceed MaxIndex.
	ErrIndexOverflow = errors.New("unit index overflow")
)

// MaxIndex is the largest index the ledger hands out (2^53-1, the largest
// integer players parsing manifests as doubles can represent exactly).
const MaxIndex int64 = 1<<53 - 1

// Ledger is ordered, indexed storage of init and segment units on top of a
// Store. It is safe for concurrent use.
type Ledger struct {
	mu    sync.RWMutex
	store Store

	nextInit    int64
	nextSegment int64

	// generation changes on every append and delete; the delta manifest
	// cache is valid only for the generation it was built at.
	generation atomic.Uint64
}

// NewLedger constructs a ledger over store and recovers the next usable
// indexes from whatever the store already holds.
func NewLedger(store Store) (*Ledger, error) {
	l := &Ledger{store: store}
	if err := l.RefreshIndexes(); err != nil {
		return nil, err
	}
	return l, nil
}

// RefreshIndexes scans the store backward for the newest segment and newest
// init and sets the next indexes to one past each (0 if none).
func (l *Ledger) RefreshIndexes() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	units, err := l.store.List(Backward, time.Time{})
	if err != nil {
		return err
	}

	nextInit, nextSegment := int64(-1), int64(-1)
	for _, u := range units {
		if nextSegment < 0 && u.Kind == KindSegment {
			nextSegment = u.Index + 1
		}
		if nextInit < 0 && u.Kind == KindInit {
			nextInit = u.Index + 1
		}
		if nextInit >= 0 && nextSegment >= 0 {
			break
		}
	}
	l.nextInit = max(nextInit, 0)
	l.nextSegment = max(nextSegment, 0)
	return nil
}

// NextIndexes returns the indexes the next init and segment appends will get.
func (l *Ledger) NextIndexes() (initIndex, segmentIndex int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextInit, l.nextSegment
}

// Append assigns u the next index of its kind, stores it and invalidates the
// delta manifest cache. The stored unit is returned.
func (l *Ledger) Append(u Unit) (Unit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := &l.nextSegment
	if u.Kind == KindInit {
		next = &l.nextInit
		u.Duration = 0
		u.Discontinuity = false
		u.InitName = ""
	}
	if *next > MaxIndex {
		return Unit{}, fmt.Errorf("%w: next %s index %d", ErrIndexOverflow, u.Kind, *next)
	}

	u.Index = *next
	if err := l.store.Put(u); err != nil {
		return Unit{}, err
	}
	*next++
	l.generation.Add(1)
	return u, nil
}

// Generation returns a token that changes on every successful append or
// delete.
func (l *Ledger) Generation() uint64 {
	return l.generation.Load()
}

// Scan returns a lazy sequence over a consistent snapshot of the ledger.
// Units appended or deleted after Scan returns are not observed.
func (l *Ledger) Scan(dir Direction) (iter.Seq[Unit], error) {
	return l.ScanBefore(dir, time.Time{})
}

// ScanBefore is like Scan but only yields units created strictly before cutoff.
func (l *Ledger) ScanBefore(dir Direction, cutoff time.Time) (iter.Seq[Unit], error) {
	l.mu.RLock()
	units, err := l.store.List(dir, cutoff)
	l.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	return func(yield func(Unit) bool) {
		for _, u := range units {
			if !yield(u) {
				return
			}
		}
	}, nil
}

// LatestSegment returns the newest (Backward) or oldest (Forward) segment.
// ok is false when the ledger holds no segment.
func (l *Ledger) LatestSegment(dir Direction) (seg Unit, ok bool, err error) {
	units, err := l.Scan(dir)
	if err != nil {
		return Unit{}, false, err
	}
	for u := range units {
		if u.Kind == KindSegment {
			return u, true, nil
		}
	}
	return Unit{}, false, nil
}

// Get returns the unit stored under name.
func (l *Ledger) Get(name string) (Unit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store.Get(name)
}

// Delete removes a single unit and invalidates the delta manifest cache.
// Only the retention sweeper evicts units.
func (l *Ledger) Delete(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Delete(name); err != nil {
		return err
	}
	l.generation.Add(1)
	return nil
}
