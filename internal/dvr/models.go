package dvr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind distinguishes the two unit types stored in the ledger.
type Kind int

const (
	KindInit Kind = iota
	KindSegment
)

func (k Kind) String() string {
	if k == KindInit {
		return "init"
	}
	return "segment"
}

const (
	initExt    = ".mp4"
	segmentExt = ".m4s"

	initPrefix    = "i"
	segmentPrefix = "s"
	gapPrefix     = "g"
)

// Unit is a single stored initialization unit or media segment.
// Units are immutable once appended to the ledger.
type Unit struct {
	Index     int64
	Kind      Kind
	Payload   []byte
	CreatedAt time.Time

	// Duration in seconds. Always zero for init units.
	Duration float64

	// Segment only: first segment of a new continuous run.
	Discontinuity bool

	IsGap        bool
	IsUnevenTail bool

	// InitName is the name of the init unit this segment belongs to (its era).
	InitName string
}

// Name returns the filename-equivalent lookup key of the unit, e.g. "s42.m4s".
func (u Unit) Name() string {
	return UnitName(u.Kind, u.Index, u.IsGap)
}

// IsSegment reports whether u is a media segment.
func (u Unit) IsSegment() bool { return u.Kind == KindSegment }

// End returns CreatedAt advanced by the unit's duration.
func (u Unit) End() time.Time {
	return u.CreatedAt.Add(secondsToDuration(u.Duration))
}

// UnitName builds the lookup key for a unit of the given kind and index.
func UnitName(kind Kind, index int64, gap bool) string {
	prefix, ext := segmentPrefix, segmentExt
	if kind == KindInit {
		prefix, ext = initPrefix, initExt
	}
	if gap {
		prefix = gapPrefix
	}
	return prefix + strconv.FormatInt(index, 10) + ext
}

// ParseName is the inverse of UnitName.
func ParseName(name string) (kind Kind, index int64, gap bool, err error) {
	var rest string
	switch {
	case strings.HasSuffix(name, initExt):
		kind, rest = KindInit, strings.TrimSuffix(name, initExt)
	case strings.HasSuffix(name, segmentExt):
		kind, rest = KindSegment, strings.TrimSuffix(name, segmentExt)
	default:
		return 0, 0, false, fmt.Errorf("unknown unit extension: %q", name)
	}
	if rest == "" {
		return 0, 0, false, fmt.Errorf("empty unit name: %q", name)
	}

	switch p := rest[:1]; {
	case p == gapPrefix:
		gap = true
	case p == initPrefix && kind == KindInit, p == segmentPrefix && kind == KindSegment:
	default:
		return 0, 0, false, fmt.Errorf("unknown unit prefix: %q", name)
	}

	index, err = strconv.ParseInt(rest[1:], 10, 64)
	if err != nil || index < 0 {
		return 0, 0, false, fmt.Errorf("invalid unit index: %q", name)
	}
	return kind, index, gap, nil
}

// GapRange is a closed-open interval of CreatedAt time covered by gap segments.
type GapRange struct {
	ID    int       `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Manifest is a generated playlist plus the metadata downstream consumers
// use to size a timeline.
type Manifest struct {
	Data      []byte
	StartDate time.Time
	Duration  time.Duration
	Gaps      []GapRange
}

// secondsToDuration converts seconds to a duration with millisecond precision,
// the resolution every store keeps timestamps at.
func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Round(s*1000)) * time.Millisecond
}
