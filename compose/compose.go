// Package compose turns a sequence of page and image items into a single
// output document.
//
// Source pages are imported unchanged through pdfcpu. Image items become
// pages sized to their (rotated) pixel dimensions with the picture centred
// inside a proportional margin. Session rotations from per-document overlays
// are applied to the output pages only; source files are never written.
package compose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wudi/pagedeck/docsource"
	"github.com/wudi/pagedeck/observability"
	"github.com/wudi/pagedeck/pdfops"
	"github.com/wudi/pagedeck/raster"
	"github.com/wudi/pagedeck/rotation"
	"github.com/wudi/pagedeck/sequence"
)

var (
	// ErrSourceUnavailable reports a page item whose document is not open,
	// is closed, or has no such page. It fails the whole composition.
	ErrSourceUnavailable = errors.New("compose: source document unavailable")
	// ErrEmptyOutput is returned when no item produced a page.
	ErrEmptyOutput = errors.New("compose: nothing to compose")
	// ErrClosed is returned by a closed OutputDocument.
	ErrClosed = errors.New("compose: output document closed")
)

// DefaultMarginRatio is the image page margin as a fraction of each side.
const DefaultMarginRatio = 0.05

// Options configures a composition.
type Options struct {
	// Overlays holds session rotations per source document. Missing entries
	// mean no rotation.
	Overlays map[docsource.Identity]*rotation.Overlay
	// MarginRatio insets image pages on every side, in [0, 0.5).
	MarginRatio float64
	// Workers bounds concurrent chunk builds. Zero uses GOMAXPROCS.
	Workers int
	Logger  observability.Logger
	Tracer  observability.Tracer
}

// DefaultOptions returns options with the standard image margin.
func DefaultOptions() Options {
	return Options{MarginRatio: DefaultMarginRatio}
}

// SkippedItem is an image item left out of the output.
type SkippedItem struct {
	Index int
	Path  string
	Err   error
}

// Report describes a finished composition.
type Report struct {
	Pages   int
	Skipped []SkippedItem
}

// chunk is a run of items that becomes one intermediate document.
type chunk struct {
	first int // sequence index of the first item
	doc   docsource.Identity
	pages []int // source pages for a page run
	// deltas holds the overlay rotation of each page in pages.
	deltas []int
	image  *sequence.ImageRef
}

// Compose builds the output document for items. handles maps each document
// referenced by a PageRef to its open handle.
//
// A PageRef whose document is missing or closed fails the call with
// ErrSourceUnavailable. An unreadable image is skipped and listed in the
// report. If nothing remains the call fails with ErrEmptyOutput.
func Compose(ctx context.Context, items []sequence.Item, handles map[docsource.Identity]docsource.Handle, opts Options) (*OutputDocument, *Report, error) {
	log := observability.OrNop(opts.Logger)
	tracer := observability.TracerOrNop(opts.Tracer)
	ctx, span := tracer.StartSpan(ctx, observability.SpanCompose)
	defer span.Finish()
	start := time.Now()

	if opts.MarginRatio < 0 || opts.MarginRatio >= 0.5 {
		return nil, nil, fmt.Errorf("compose: margin ratio %g out of range", opts.MarginRatio)
	}
	chunks, err := plan(items, handles, opts.Overlays)
	if err != nil {
		span.SetError(err)
		return nil, nil, err
	}

	sources, err := readSources(chunks, handles)
	if err != nil {
		span.SetError(err)
		return nil, nil, err
	}

	built := make([][]byte, len(chunks))
	var (
		mu      sync.Mutex
		skipped []SkippedItem
	)
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, c := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if c.image != nil {
				doc, err := imagePage(*c.image, opts.MarginRatio)
				if err != nil {
					mu.Lock()
					skipped = append(skipped, SkippedItem{Index: c.first, Path: c.image.Path, Err: err})
					mu.Unlock()
					return nil
				}
				built[i] = doc
				return nil
			}
			doc, err := pageRun(sources[c.doc], c.pages, c.deltas)
			if err != nil {
				return fmt.Errorf("compose: %s: %w", c.doc, err)
			}
			built[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.SetError(err)
		return nil, nil, err
	}

	docs := make([][]byte, 0, len(built))
	for _, b := range built {
		if b != nil {
			docs = append(docs, b)
		}
	}
	slices.SortFunc(skipped, func(a, b SkippedItem) int { return a.Index - b.Index })
	for _, s := range skipped {
		log.Warn("image skipped",
			observability.Int("index", s.Index),
			observability.String("path", s.Path),
			observability.Error("error", s.Err))
	}
	if len(docs) == 0 {
		span.SetError(ErrEmptyOutput)
		return nil, &Report{Skipped: skipped}, ErrEmptyOutput
	}
	merged, err := pdfops.Merge(docs)
	if err != nil {
		span.SetError(err)
		return nil, nil, fmt.Errorf("compose: %w", err)
	}
	n, err := pdfops.PageCount(merged)
	if err != nil {
		span.SetError(err)
		return nil, nil, fmt.Errorf("compose: %w", err)
	}

	elapsed := time.Since(start)
	span.SetTag(observability.MetricComposePages, n)
	span.SetTag(observability.MetricComposeSkips, len(skipped))
	span.SetTag(observability.MetricComposeTime, elapsed)
	log.Info("composed document",
		observability.Int("items", len(items)),
		observability.Int("pages", n),
		observability.Int("skipped", len(skipped)),
		observability.Duration("elapsed", elapsed))
	return newOutput(merged, n), &Report{Pages: n, Skipped: skipped}, nil
}

// plan validates page items and groups consecutive pages of one document.
// Overlay deltas are read here, on the caller's goroutine.
func plan(items []sequence.Item, handles map[docsource.Identity]docsource.Handle, overlays map[docsource.Identity]*rotation.Overlay) ([]chunk, error) {
	var chunks []chunk
	for i, it := range items {
		switch it := it.(type) {
		case sequence.PageRef:
			h, ok := handles[it.Document]
			if !ok || h == nil || h.Closed() {
				return nil, fmt.Errorf("%w: %s", ErrSourceUnavailable, it.Document)
			}
			if err := docsource.CheckPage(h, it.Page); err != nil {
				return nil, fmt.Errorf("%w: item %d: %w", ErrSourceUnavailable, i, err)
			}
			delta := 0
			if o := overlays[it.Document]; o != nil {
				delta = o.Get(it.Page)
			}
			if n := len(chunks); n > 0 && chunks[n-1].image == nil && chunks[n-1].doc == it.Document {
				chunks[n-1].pages = append(chunks[n-1].pages, it.Page)
				chunks[n-1].deltas = append(chunks[n-1].deltas, delta)
				continue
			}
			chunks = append(chunks, chunk{first: i, doc: it.Document, pages: []int{it.Page}, deltas: []int{delta}})
		case sequence.ImageRef:
			img := it
			chunks = append(chunks, chunk{first: i, image: &img})
		default:
			return nil, fmt.Errorf("compose: item %d: unsupported type %T", i, it)
		}
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyOutput
	}
	return chunks, nil
}

// readSources loads each referenced document once and checks it still has
// the content its identity was taken from.
func readSources(chunks []chunk, handles map[docsource.Identity]docsource.Handle) (map[docsource.Identity][]byte, error) {
	out := make(map[docsource.Identity][]byte)
	for _, c := range chunks {
		if c.image != nil {
			continue
		}
		if _, ok := out[c.doc]; ok {
			continue
		}
		b, err := os.ReadFile(handles[c.doc].Path())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		if !c.doc.Matches(b) {
			return nil, fmt.Errorf("%w: %s changed since it was opened", ErrSourceUnavailable, c.doc)
		}
		out[c.doc] = b
	}
	return out, nil
}

// pageRun collects pages from src and rotates each output page by its delta.
// Rotation selectors address positions within the collected run.
func pageRun(src []byte, pages, deltas []int) ([]byte, error) {
	doc, err := pdfops.CollectPages(src, pages)
	if err != nil {
		return nil, err
	}
	byDelta := make(map[int][]int)
	for pos, d := range deltas {
		if d != 0 {
			byDelta[d] = append(byDelta[d], pos)
		}
	}
	for d, pos := range byDelta {
		if doc, err = pdfops.RotatePages(doc, d, pos); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func imagePage(ref sequence.ImageRef, margin float64) ([]byte, error) {
	img, err := raster.Decode(ref.Path)
	if err != nil {
		return nil, err
	}
	return pdfops.ImagePage(raster.Rotate90s(img, ref.Rotation), margin)
}
