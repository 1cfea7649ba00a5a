package dvr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrPlaceholdersNotLoaded is returned when stock gap content is requested
// before Load succeeded.
var ErrPlaceholdersNotLoaded = errors.New("gap placeholders not loaded")

// Placeholders serves gap content: a stock init/segment pair rendered once
// at MaxGap, and uneven-tail pairs rendered on demand and cached by their
// rendered filename.
type Placeholders struct {
	tc     Transcoder
	maxGap float64
	minGap float64

	mu       sync.RWMutex
	stock    *GapAsset
	rendered map[string]GapAsset
	group    singleflight.Group
}

// NewPlaceholders returns an empty cache; call Load before serving.
func NewPlaceholders(tc Transcoder, maxGap, minGap float64) *Placeholders {
	if maxGap <= 0 {
		maxGap = DefaultMaxGap
	}
	if minGap <= 0 {
		minGap = DefaultMinGap
	}
	return &Placeholders{
		tc:       tc,
		maxGap:   maxGap,
		minGap:   minGap,
		rendered: make(map[string]GapAsset),
	}
}

// Load renders the stock placeholder pair.
func (p *Placeholders) Load(ctx context.Context) error {
	asset, err := p.tc.RenderGap(ctx, p.maxGap)
	if err != nil {
		return fmt.Errorf("%w: stock gap: %v", ErrTranscode, err)
	}
	p.mu.Lock()
	p.stock = &asset
	p.rendered[GapAssetName(p.maxGap, p.maxGap, p.minGap)] = asset
	p.mu.Unlock()
	return nil
}

// StockInit returns the stock gap init.
func (p *Placeholders) StockInit() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stock == nil {
		return nil, ErrPlaceholdersNotLoaded
	}
	return p.stock.Init, nil
}

// StockSegment returns the stock MaxGap gap segment.
func (p *Placeholders) StockSegment() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stock == nil {
		return nil, ErrPlaceholdersNotLoaded
	}
	return p.stock.Segment, nil
}

// Uneven returns the pair rendered for an uneven tail of the given duration.
// Concurrent requests for the same filename share one render.
func (p *Placeholders) Uneven(ctx context.Context, seconds float64) (string, GapAsset, error) {
	name := GapAssetName(seconds, p.maxGap, p.minGap)

	p.mu.RLock()
	asset, ok := p.rendered[name]
	p.mu.RUnlock()
	if ok {
		return name, asset, nil
	}

	v, err, _ := p.group.Do(name, func() (any, error) {
		// A render for name may have finished between the lookup above and Do.
		p.mu.RLock()
		a, ok := p.rendered[name]
		p.mu.RUnlock()
		if ok {
			return a, nil
		}

		a, err := p.tc.RenderGap(ctx, QuantizeGap(seconds, p.maxGap, p.minGap))
		if err != nil {
			return GapAsset{}, fmt.Errorf("%w: render %s: %v", ErrTranscode, name, err)
		}
		p.mu.Lock()
		p.rendered[name] = a
		p.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return name, GapAsset{}, err
	}
	return name, v.(GapAsset), nil
}

// Segment looks up a gap segment by its rendered filename, rendering it if
// it was never requested before.
func (p *Placeholders) Segment(ctx context.Context, filename string) ([]byte, error) {
	p.mu.RLock()
	asset, ok := p.rendered[filename]
	p.mu.RUnlock()
	if ok {
		return asset.Segment, nil
	}

	seconds, err := parseGapAssetName(filename)
	if err != nil || !(seconds > 0) {
		return nil, ErrNotFound
	}
	if GapAssetName(seconds, p.maxGap, p.minGap) != filename {
		return nil, ErrNotFound
	}
	_, a, err := p.Uneven(ctx, seconds)
	if err != nil {
		return nil, err
	}
	return a.Segment, nil
}

func parseGapAssetName(name string) (float64, error) {
	s, ok := strings.CutPrefix(name, "gap_")
	if !ok {
		return 0, fmt.Errorf("not a gap asset: %q", name)
	}
	s, ok = strings.CutSuffix(s, "_0.m4s")
	if !ok {
		return 0, fmt.Errorf("not a gap asset: %q", name)
	}
	return strconv.ParseFloat(s, 64)
}
