// Package transcoder runs ffmpeg to package captured slices as fragmented MP4
// HLS units and to render gap placeholders.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"hls-dvr/internal/dvr"
)

const (
	inputName    = "input.webm"
	playlistName = "playlist.m3u8"
	initName     = "init.mp4"

	// stockGapInit is the init shared by every pre-rendered gap segment.
	stockGapInit = "gap.mp4"

	// DefaultSegmentSeconds is the hls_time each slice is cut at.
	DefaultSegmentSeconds = 2
)

// FFmpeg implements dvr.Transcoder with an ffmpeg binary.
type FFmpeg struct {
	bin            string
	gapDir         string
	segmentSeconds int
	maxGap         float64
	minGap         float64
	log            *slog.Logger
}

// Options configures an FFmpeg transcoder.
type Options struct {
	// Bin is the ffmpeg executable; "ffmpeg" when empty.
	Bin string
	// GapDir holds pre-rendered gap assets (gap.mp4, gap_<d>_0.m4s). Gaps
	// missing from it are rendered with lavfi sources.
	GapDir         string
	SegmentSeconds int
	MaxGap         float64
	MinGap         float64
}

// New returns an FFmpeg transcoder.
func New(opts Options, log *slog.Logger) *FFmpeg {
	if opts.Bin == "" {
		opts.Bin = "ffmpeg"
	}
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = DefaultSegmentSeconds
	}
	if opts.MaxGap <= 0 {
		opts.MaxGap = dvr.DefaultMaxGap
	}
	if opts.MinGap <= 0 {
		opts.MinGap = dvr.DefaultMinGap
	}
	return &FFmpeg{
		bin:            opts.Bin,
		gapDir:         opts.GapDir,
		segmentSeconds: opts.SegmentSeconds,
		maxGap:         opts.MaxGap,
		minGap:         opts.MinGap,
		log:            log,
	}
}

// Transcode remuxes one captured slice into fMP4 segments.
func (f *FFmpeg) Transcode(ctx context.Context, blob []byte, wantInit bool) (dvr.TranscodeResult, error) {
	dir, err := os.MkdirTemp("", "dvr-slice-*")
	if err != nil {
		return dvr.TranscodeResult{}, err
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, inputName), blob, 0o600); err != nil {
		return dvr.TranscodeResult{}, err
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", inputName,
		"-c:a", "aac",
		"-c:v", "copy",
		"-hls_time", strconv.Itoa(f.segmentSeconds),
		"-hls_list_size", "0",
		"-hls_flags", "omit_endlist",
		"-hls_segment_type", "fmp4",
		"-hls_segment_filename", "segment%d.m4s",
		"-hls_fmp4_init_filename", initName,
		playlistName,
	}
	if err := f.run(ctx, dir, args); err != nil {
		return dvr.TranscodeResult{}, err
	}

	entries, err := readPlaylist(dir)
	if err != nil {
		return dvr.TranscodeResult{}, err
	}

	var res dvr.TranscodeResult
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.URI))
		if err != nil {
			return dvr.TranscodeResult{}, err
		}
		res.Segments = append(res.Segments, dvr.EncodedSegment{Data: data, Duration: e.Duration})
	}
	if wantInit {
		res.Init, err = os.ReadFile(filepath.Join(dir, initName))
		if err != nil {
			return dvr.TranscodeResult{}, err
		}
	}
	return res, nil
}

// RenderGap returns a black, silent placeholder of the given duration. The
// gap library is consulted first.
func (f *FFmpeg) RenderGap(ctx context.Context, seconds float64) (dvr.GapAsset, error) {
	if asset, err := f.libraryGap(seconds); err == nil {
		return asset, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return dvr.GapAsset{}, err
	}

	dir, err := os.MkdirTemp("", "dvr-gap-*")
	if err != nil {
		return dvr.GapAsset{}, err
	}
	defer os.RemoveAll(dir)

	d := strconv.FormatFloat(seconds, 'f', 3, 64)
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "color=c=black:s=16x9:r=30",
		"-f", "lavfi", "-i", "anullsrc",
		"-t", d,
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		"-c:a", "aac",
		// A single segment: cut points never fall inside the gap.
		"-hls_time", strconv.Itoa(int(seconds) + 1),
		"-hls_list_size", "0",
		"-hls_segment_type", "fmp4",
		"-hls_segment_filename", "gap_%d.m4s",
		"-hls_fmp4_init_filename", stockGapInit,
		playlistName,
	}
	if err := f.run(ctx, dir, args); err != nil {
		return dvr.GapAsset{}, err
	}

	entries, err := readPlaylist(dir)
	if err != nil {
		return dvr.GapAsset{}, err
	}
	if len(entries) == 0 {
		return dvr.GapAsset{}, fmt.Errorf("ffmpeg produced no gap segment for %ss", d)
	}

	var asset dvr.GapAsset
	if asset.Init, err = os.ReadFile(filepath.Join(dir, stockGapInit)); err != nil {
		return dvr.GapAsset{}, err
	}
	if asset.Segment, err = os.ReadFile(filepath.Join(dir, entries[0].URI)); err != nil {
		return dvr.GapAsset{}, err
	}
	f.log.Debug("rendered gap placeholder", slog.String("duration", d))
	return asset, nil
}

// libraryGap reads the pre-rendered pair closest to seconds from the gap
// directory. It returns an os.ErrNotExist error when the library cannot serve it.
func (f *FFmpeg) libraryGap(seconds float64) (dvr.GapAsset, error) {
	if f.gapDir == "" {
		return dvr.GapAsset{}, os.ErrNotExist
	}
	init, err := os.ReadFile(filepath.Join(f.gapDir, stockGapInit))
	if err != nil {
		return dvr.GapAsset{}, err
	}
	seg, err := os.ReadFile(filepath.Join(f.gapDir, dvr.GapAssetName(seconds, f.maxGap, f.minGap)))
	if err != nil {
		return dvr.GapAsset{}, err
	}
	return dvr.GapAsset{Init: init, Segment: seg}, nil
}

func (f *FFmpeg) run(ctx context.Context, dir string, args []string) error {
	cmd := exec.CommandContext(ctx, f.bin, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		f.log.Debug("ffmpeg failed",
			slog.String("args", strings.Join(args, " ")),
			slog.String("output", string(out)))
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func readPlaylist(dir string) ([]entry, error) {
	data, err := os.ReadFile(filepath.Join(dir, playlistName))
	if err != nil {
		return nil, err
	}
	return parseMediaPlaylist(data)
}
