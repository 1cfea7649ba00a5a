package dvr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	playlistVersion = 9

	// DefaultTargetDuration is the target duration in seconds.
	DefaultTargetDuration = 7

	// canSkipFactor is the minimum CAN-SKIP-UNTIL multiple of the target
	// duration allowed for delta updates.
	canSkipFactor = 6
)

// playlistHeader holds the values written before the first unit.
type playlistHeader struct {
	TargetDuration        int
	DiscontinuitySequence int64
	MediaSequence         int64
	// Skipped is written as EXT-X-SKIP when >= 0.
	Skipped int64
}

// canSkipSeconds returns the CAN-SKIP-UNTIL value for a target duration.
func canSkipSeconds(targetDuration int) float64 {
	return float64(targetDuration * canSkipFactor)
}

func writeHeader(b *strings.Builder, h playlistHeader) {
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(b, "#EXT-X-TARGETDURATION:%d\n", h.TargetDuration)
	fmt.Fprintf(b, "#EXT-X-VERSION:%d\n", playlistVersion)
	fmt.Fprintf(b, "#EXT-X-SERVER-CONTROL:CAN-SKIP-UNTIL=%.1f\n", canSkipSeconds(h.TargetDuration))
	fmt.Fprintf(b, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", h.DiscontinuitySequence)
	fmt.Fprintf(b, "#EXT-X-MEDIA-SEQUENCE:%d\n", h.MediaSequence)
	if h.Skipped >= 0 {
		fmt.Fprintf(b, "#EXT-X-SKIP:SKIPPED-SEGMENTS=%d\n", h.Skipped)
	}
}

// writeUnit appends the directives for one init or segment unit.
func writeUnit(b *strings.Builder, u Unit) {
	if u.Kind == KindInit {
		writeProgramDateTime(b, u.CreatedAt)
		fmt.Fprintf(b, "#EXT-X-MAP:URI=%q\n", u.Name())
		return
	}
	if u.Discontinuity {
		b.WriteString("#EXT-X-DISCONTINUITY\n")
		writeProgramDateTime(b, u.CreatedAt)
	}
	b.WriteString("#EXTINF:")
	b.WriteString(formatDuration(u.Duration))
	b.WriteString(",\n")
	b.WriteString(u.Name())
	b.WriteString("\n")
}

func writeProgramDateTime(b *strings.Builder, t time.Time) {
	b.WriteString("#EXT-X-PROGRAM-DATE-TIME:")
	b.WriteString(t.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteString("\n")
}

func formatDuration(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', 3, 64)
}

// BuildFallbackPlaylist returns the fixed playlist served before any segment
// exists: no units, media sequence 0. delta adds a zero skip count.
func BuildFallbackPlaylist(targetDuration int, delta bool) []byte {
	h := playlistHeader{TargetDuration: targetDuration, Skipped: -1}
	if delta {
		h.Skipped = 0
	}
	var b strings.Builder
	writeHeader(&b, h)
	return []byte(b.String())
}

// spanOf returns the wall time between the start of first and the end of last.
func spanOf(first, last Unit) time.Duration {
	return last.End().Sub(first.CreatedAt)
}
