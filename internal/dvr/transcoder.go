package dvr

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrTranscode wraps failures reported by the Transcoder. The slice being
// transcoded is dropped; ingestion continues with the next one.
var ErrTranscode = errors.New("transcode failed")

// EncodedSegment is one timed fragment produced by the transcoder.
type EncodedSegment struct {
	Data     []byte
	Duration float64
}

// TranscodeResult is the output of transcoding one captured slice.
type TranscodeResult struct {
	// Init is nil unless requested.
	Init     []byte
	Segments []EncodedSegment
}

// GapAsset is a rendered placeholder init/segment pair.
type GapAsset struct {
	Init    []byte
	Segment []byte
}

// Transcoder converts captured slices into fragmented MP4 units and renders
// placeholder content.
type Transcoder interface {
	Transcode(ctx context.Context, blob []byte, wantInit bool) (TranscodeResult, error)
	RenderGap(ctx context.Context, seconds float64) (GapAsset, error)
}

// GapAssetName returns the filename of the placeholder rendered for a gap of
// the given duration: the duration rounded to the nearest minGap multiple and
// clamped to maxGap, e.g. "gap_2.005_0.m4s".
func GapAssetName(seconds, maxGap, minGap float64) string {
	closest := QuantizeGap(seconds, maxGap, minGap)
	return fmt.Sprintf("gap_%.3f_0.m4s", closest)
}

// QuantizeGap rounds seconds to the nearest minGap multiple, clamped to maxGap.
func QuantizeGap(seconds, maxGap, minGap float64) float64 {
	if minGap <= 0 {
		return math.Min(seconds, maxGap)
	}
	closest := math.Round(seconds/minGap) * minGap
	if closest > maxGap {
		return maxGap
	}
	return closest
}
