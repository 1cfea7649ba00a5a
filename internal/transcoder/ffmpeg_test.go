package transcoder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"hls-dvr/internal/dvr"
	"hls-dvr/internal/platform/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMediaPlaylist(t *testing.T) {
	data := []byte(`#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-MAP:URI="init.mp4"
#EXTINF:2.000000,
segment0.m4s
#EXTINF:1.533333,
segment1.m4s
`)
	entries, err := parseMediaPlaylist(data)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entry{URI: "segment0.m4s", Duration: 2}, entries[0])
	assert.Equal(t, "segment1.m4s", entries[1].URI)
	assert.InDelta(t, 1.533333, entries[1].Duration, 1e-9)
}

func TestParseMediaPlaylist_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed duration", "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXTINF:abc,\nsegment0.m4s\n"},
		{"missing header", "#EXT-X-TARGETDURATION:2\n#EXTINF:2.0,\nsegment0.m4s\n"},
		{"master playlist", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000\nlow.m3u8\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseMediaPlaylist([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParseMediaPlaylist_Empty(t *testing.T) {
	entries, err := parseMediaPlaylist([]byte("#EXTM3U\n#EXT-X-TARGETDURATION:2\n"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRenderGap_FromLibrary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gap.mp4"), []byte("gap-init"), 0o600))
	name := dvr.GapAssetName(2, 7, 0.02)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("gap-2s"), 0o600))

	// A missing binary proves the library answered without running ffmpeg.
	f := New(Options{Bin: filepath.Join(dir, "no-such-ffmpeg"), GapDir: dir, MaxGap: 7, MinGap: 0.02}, logger.Discard())

	asset, err := f.RenderGap(context.Background(), 2.004)
	require.NoError(t, err)
	assert.Equal(t, []byte("gap-init"), asset.Init)
	assert.Equal(t, []byte("gap-2s"), asset.Segment)
}

func TestRenderGap_LibraryMissFallsBackToFFmpeg(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gap.mp4"), []byte("gap-init"), 0o600))

	f := New(Options{Bin: filepath.Join(dir, "no-such-ffmpeg"), GapDir: dir}, logger.Discard())

	_, err := f.RenderGap(context.Background(), 3)
	assert.Error(t, err)
}

func TestTranscode_BinaryMissing(t *testing.T) {
	f := New(Options{Bin: filepath.Join(t.TempDir(), "no-such-ffmpeg")}, logger.Discard())

	_, err := f.Transcode(context.Background(), []byte("webm"), true)
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	f := New(Options{}, logger.Discard())
	assert.Equal(t, "ffmpeg", f.bin)
	assert.Equal(t, DefaultSegmentSeconds, f.segmentSeconds)
	assert.Equal(t, dvr.DefaultMaxGap, f.maxGap)
	assert.Equal(t, dvr.DefaultMinGap, f.minGap)
}
