// Package session holds the state of one editing session: the open source
// documents, the working sequence, per-document rotations for output flows
// and the shared cache and scheduler.
//
// Like the models it owns, a Session belongs to the interactive thread. Its
// owner runs the scheduler loop (Scheduler().Run or Drain) to receive render
// and thumbnail results.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"

	"github.com/wudi/pagedeck/cache"
	"github.com/wudi/pagedeck/compose"
	"github.com/wudi/pagedeck/docsource"
	"github.com/wudi/pagedeck/filetype"
	"github.com/wudi/pagedeck/observability"
	"github.com/wudi/pagedeck/preview"
	"github.com/wudi/pagedeck/raster"
	"github.com/wudi/pagedeck/render"
	"github.com/wudi/pagedeck/rotation"
	"github.com/wudi/pagedeck/sequence"
	"github.com/wudi/pagedeck/zoom"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session: closed")
	// ErrUnsupported reports an input file that is neither a document nor an
	// image.
	ErrUnsupported = errors.New("session: unsupported file")
)

// Options configures a Session.
type Options struct {
	Opener     docsource.Opener
	Cache      cache.Config
	Render     render.Config
	Zoom       zoom.Config
	Compose    compose.Options
	ThumbDPI   int
	ThumbWidth int
	Logger     observability.Logger
	Tracer     observability.Tracer
}

// DefaultOptions returns the standard settings around opener.
func DefaultOptions(opener docsource.Opener) Options {
	return Options{
		Opener:     opener,
		Cache:      cache.DefaultConfig(),
		Render:     render.DefaultConfig(),
		Zoom:       zoom.DefaultConfig(),
		Compose:    compose.DefaultOptions(),
		ThumbDPI:   preview.DefaultThumbDPI,
		ThumbWidth: preview.DefaultThumbWidth,
	}
}

// PrintSink receives a composed document for printing.
type PrintSink interface {
	Print(doc io.ReadSeeker, pages int) error
}

// PrintFunc adapts a function to PrintSink.
type PrintFunc func(doc io.ReadSeeker, pages int) error

func (f PrintFunc) Print(doc io.ReadSeeker, pages int) error { return f(doc, pages) }

// Session is one editing session.
type Session struct {
	opts  Options
	log   observability.Logger
	cache *cache.Cache
	sched *render.Scheduler
	seq   *sequence.Model

	handles  map[docsource.Identity]docsource.Handle
	order    []docsource.Identity
	overlays map[docsource.Identity]*rotation.Overlay
	waiting  map[cache.ThumbKey][]func(image.Image, error)
	closed   bool
}

// New starts an empty session.
func New(opts Options) (*Session, error) {
	if opts.Opener == nil {
		return nil, fmt.Errorf("session: no document opener")
	}
	if opts.Cache == (cache.Config{}) {
		opts.Cache = cache.DefaultConfig()
	}
	if opts.ThumbDPI <= 0 {
		opts.ThumbDPI = preview.DefaultThumbDPI
	}
	if opts.ThumbWidth <= 0 {
		opts.ThumbWidth = preview.DefaultThumbWidth
	}
	log := observability.OrNop(opts.Logger)
	if opts.Render.Logger == nil {
		opts.Render.Logger = log
	}
	if opts.Render.Tracer == nil {
		opts.Render.Tracer = opts.Tracer
	}
	if opts.Compose.Logger == nil {
		opts.Compose.Logger = log
	}
	if opts.Compose.Tracer == nil {
		opts.Compose.Tracer = opts.Tracer
	}
	c := cache.New(opts.Cache)
	return &Session{
		opts:     opts,
		log:      log,
		cache:    c,
		sched:    render.NewScheduler(c, opts.Render),
		seq:      sequence.New(),
		handles:  make(map[docsource.Identity]docsource.Handle),
		overlays: make(map[docsource.Identity]*rotation.Overlay),
		waiting:  make(map[cache.ThumbKey][]func(image.Image, error)),
	}, nil
}

// Sequence returns the working sequence.
func (s *Session) Sequence() *sequence.Model { return s.seq }

// Scheduler returns the session's render scheduler.
func (s *Session) Scheduler() *render.Scheduler { return s.sched }

// Cache returns the session's bitmap cache.
func (s *Session) Cache() *cache.Cache { return s.cache }

// Open opens the document at path, or returns the handle already open on the
// same content.
func (s *Session) Open(path string) (docsource.Handle, error) {
	if s.closed {
		return nil, ErrClosed
	}
	id, err := docsource.IdentityOf(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", docsource.ErrOpen, path, err)
	}
	if h, ok := s.handles[id]; ok && !h.Closed() {
		return h, nil
	}
	h, err := s.opts.Opener.Open(path)
	if err != nil {
		return nil, err
	}
	id = h.Identity()
	if prev, ok := s.handles[id]; ok && !prev.Closed() {
		// The file changed between hashing and opening into known content.
		h.Close()
		return prev, nil
	}
	if _, known := s.handles[id]; !known {
		s.order = append(s.order, id)
	}
	s.handles[id] = h
	s.log.Info("document opened",
		observability.String("doc", id.String()),
		observability.Int("pages", h.PageCount()))
	return h, nil
}

// Handle returns the open handle for id.
func (s *Session) Handle(id docsource.Identity) (docsource.Handle, bool) {
	h, ok := s.handles[id]
	return h, ok
}

// Documents returns the open documents in the order they were opened.
func (s *Session) Documents() []docsource.Handle {
	out := make([]docsource.Handle, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.handles[id])
	}
	return out
}

// AddDocument opens path and appends all of its pages to the sequence.
func (s *Session) AddDocument(path string) ([]sequence.PageRef, error) {
	h, err := s.Open(path)
	if err != nil {
		return nil, err
	}
	if h.PageCount() == 0 {
		return nil, nil
	}
	return s.seq.InsertPages(h.Identity(), 0, h.PageCount()-1)
}

// AddFiles appends documents and images in order. Directories are expanded
// one level; unsupported entries are ignored. Office files cannot be added
// without conversion and fail with ErrUnsupported.
func (s *Session) AddFiles(paths ...string) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	added := 0
	var errs []error
	for _, p := range filetype.Flatten(paths) {
		switch filetype.Detect(p) {
		case filetype.PDF:
			refs, err := s.AddDocument(p)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			added += len(refs)
		case filetype.Image:
			added += len(s.seq.InsertImages(p))
		default:
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Base(p)))
		}
	}
	return added, errors.Join(errs...)
}

// Overlay returns the output rotation overlay of a document, creating it on
// first use.
func (s *Session) Overlay(id docsource.Identity) *rotation.Overlay {
	o := s.overlays[id]
	if o == nil {
		o = rotation.NewOverlay()
		s.overlays[id] = o
	}
	return o
}

// Preview opens a preview surface on an open document.
func (s *Session) Preview(id docsource.Identity) (*preview.Surface, error) {
	if s.closed {
		return nil, ErrClosed
	}
	h, ok := s.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", compose.ErrSourceUnavailable, id)
	}
	return preview.NewSurface(h, preview.Deps{
		Cache:      s.cache,
		Scheduler:  s.sched,
		Zoom:       s.opts.Zoom,
		ThumbDPI:   s.opts.ThumbDPI,
		ThumbWidth: s.opts.ThumbWidth,
		Compose:    s.opts.Compose,
		Logger:     s.log,
	})
}

// imageKey is the thumbnail key of a standalone image: its path stands in for
// the document and its rotation for the page.
func imageKey(r sequence.ImageRef) cache.ThumbKey {
	return cache.ThumbKey{ID: docsource.Identity{Path: "image:" + r.Path}, Page: r.Rotation}
}

// ItemThumbnail returns the cached thumbnail of sequence item i, or starts
// producing it and reports false. onDone is called from the scheduler's Drain
// with the thumbnail, or with an error tile and the cause.
func (s *Session) ItemThumbnail(i int, onDone func(image.Image, error)) (image.Image, bool) {
	if s.closed {
		return nil, false
	}
	it, ok := s.seq.At(i)
	if !ok {
		return nil, false
	}
	width := s.opts.ThumbWidth
	switch it := it.(type) {
	case sequence.PageRef:
		key := cache.ThumbKey{ID: it.Document, Page: it.Page}
		if img, ok := s.cache.GetThumb(key); ok {
			return img, true
		}
		h, ok := s.handles[it.Document]
		if !ok || h.Closed() {
			if onDone != nil {
				onDone(raster.ErrorTile(width, width, "?"), compose.ErrSourceUnavailable)
			}
			return nil, false
		}
		if !s.wait(key, onDone) {
			return nil, false
		}
		epoch := s.cache.Epoch(key.ID, key.Page)
		page, dpi := it.Page, s.opts.ThumbDPI
		s.sched.Post(func() func() {
			thumb, err := preview.RenderThumb(h, page, dpi, width)
			return func() {
				if err == nil {
					s.cache.PutThumbAt(key, thumb, epoch)
				}
				s.deliver(key, thumb, err)
			}
		})
	case sequence.ImageRef:
		key := imageKey(it)
		if img, ok := s.cache.GetThumb(key); ok {
			return img, true
		}
		if !s.wait(key, onDone) {
			return nil, false
		}
		s.sched.Post(func() func() {
			thumb, err := imageThumb(it, width)
			return func() {
				if err == nil {
					s.cache.PutThumb(key, thumb)
				}
				s.deliver(key, thumb, err)
			}
		})
	}
	return nil, false
}

// wait registers onDone for key and reports whether a producer must be
// started.
func (s *Session) wait(key cache.ThumbKey, onDone func(image.Image, error)) bool {
	pending, started := s.waiting[key]
	if onDone == nil {
		onDone = func(image.Image, error) {}
	}
	s.waiting[key] = append(pending, onDone)
	return !started
}

func (s *Session) deliver(key cache.ThumbKey, img image.Image, err error) {
	fns := s.waiting[key]
	delete(s.waiting, key)
	if s.closed {
		return
	}
	for _, fn := range fns {
		fn(img, err)
	}
}

func imageThumb(r sequence.ImageRef, width int) (image.Image, error) {
	img, err := raster.Decode(r.Path)
	if err != nil {
		return raster.ErrorTile(width, width, "?"), err
	}
	return raster.FitWidth(raster.Rotate90s(img, r.Rotation), width), nil
}

func (s *Session) composeOptions() compose.Options {
	opts := s.opts.Compose
	opts.Overlays = s.overlays
	return opts
}

// Compose builds the output document from the current sequence. The caller
// must close the result.
func (s *Session) Compose(ctx context.Context) (*compose.OutputDocument, *compose.Report, error) {
	if s.closed {
		return nil, nil, ErrClosed
	}
	return compose.Compose(ctx, s.seq.Snapshot(), s.handles, s.composeOptions())
}

// Save composes the sequence and writes it to path.
func (s *Session) Save(ctx context.Context, path string) (*compose.Report, error) {
	out, rep, err := s.Compose(ctx)
	if err != nil {
		return rep, err
	}
	defer out.Close()
	if err := out.Save(path); err != nil {
		return rep, err
	}
	s.log.Info("sequence saved",
		observability.String("path", path),
		observability.Int("pages", rep.Pages),
		observability.Int("skipped", len(rep.Skipped)))
	return rep, nil
}

// Print composes the sequence and hands it to sink.
func (s *Session) Print(ctx context.Context, sink PrintSink) (*compose.Report, error) {
	out, rep, err := s.Compose(ctx)
	if err != nil {
		return rep, err
	}
	defer out.Close()
	r, err := out.AsPrintable()
	if err != nil {
		return rep, err
	}
	return rep, sink.Print(r, out.PageCount())
}

// Close closes every document once, drops their cached bitmaps and stops the
// scheduler.
func (s *Session) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	var errs []error
	for _, id := range s.order {
		h := s.handles[id]
		s.sched.Forget(id)
		s.cache.Invalidate(id)
		if h.Closed() {
			continue
		}
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close %s: %w", id, err))
		}
	}
	s.sched.Close()
	s.waiting = nil
	s.log.Debug("session closed", observability.Int("documents", len(s.order)))
	return errors.Join(errs...)
}
