package transcoder

import (
	"bytes"
	"fmt"

	"github.com/grafov/m3u8"
)

// entry is one segment listed in an ffmpeg-written media playlist.
type entry struct {
	URI      string
	Duration float64
}

// parseMediaPlaylist extracts segment URIs and their EXTINF durations in
// playlist order.
func parseMediaPlaylist(data []byte) ([]entry, error) {
	p, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return nil, fmt.Errorf("decode media playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("decode media playlist: got a master playlist")
	}
	media := p.(*m3u8.MediaPlaylist)

	var out []entry
	// Segments is a ring buffer; unused slots are nil.
	for _, s := range media.Segments {
		if s == nil {
			continue
		}
		out = append(out, entry{URI: s.URI, Duration: s.Duration})
	}
	return out, nil
}
