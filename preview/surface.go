// Package preview is the headless model behind a document preview: the page
// on screen, its zoom and session rotation, the bitmap to paint and the
// thumbnail strip.
//
// A Surface belongs to the interactive thread. Renders run on the shared
// scheduler and land in the surface when the owner drains the scheduler's
// completion queue.
package preview

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/wudi/pagedeck/cache"
	"github.com/wudi/pagedeck/compose"
	"github.com/wudi/pagedeck/docsource"
	"github.com/wudi/pagedeck/observability"
	"github.com/wudi/pagedeck/pdfops"
	"github.com/wudi/pagedeck/raster"
	"github.com/wudi/pagedeck/render"
	"github.com/wudi/pagedeck/rotation"
	"github.com/wudi/pagedeck/sequence"
	"github.com/wudi/pagedeck/zoom"
)

// ErrClosed is returned by a closed Surface.
var ErrClosed = errors.New("preview: surface closed")

const (
	DefaultThumbDPI   = 64
	DefaultThumbWidth = 110
)

// Deps are the shared services a Surface draws on.
type Deps struct {
	Cache     *cache.Cache
	Scheduler *render.Scheduler
	Zoom      zoom.Config
	// ThumbDPI and ThumbWidth size the thumbnail strip. Zero values use the
	// defaults.
	ThumbDPI   int
	ThumbWidth int
	Compose    compose.Options
	Logger     observability.Logger
}

// Frame is what the canvas paints.
type Frame struct {
	Page int
	// DPI is the resolution Image was rendered at.
	DPI int
	// Image is the rotated page bitmap, an error tile after a failed render,
	// or nil before the first render lands.
	Image image.Image
	// DrawScale maps Image pixels to screen pixels.
	DrawScale float64
	Loading   bool
	Err       error
}

// Surface previews one document.
type Surface struct {
	h       docsource.Handle
	view    *rotatedView
	overlay *rotation.Overlay
	zoom    *zoom.Engine
	deps    Deps
	log     observability.Logger

	page   int
	want   int // requested DPI
	frame  Frame
	token  render.Token
	closed bool
}

// NewSurface opens a preview of h on its first page.
func NewSurface(h docsource.Handle, deps Deps) (*Surface, error) {
	if h == nil || h.Closed() {
		return nil, docsource.ErrClosed
	}
	if deps.Cache == nil || deps.Scheduler == nil {
		return nil, fmt.Errorf("preview: cache and scheduler are required")
	}
	if deps.Zoom == (zoom.Config{}) {
		deps.Zoom = zoom.DefaultConfig()
	}
	if deps.ThumbDPI <= 0 {
		deps.ThumbDPI = DefaultThumbDPI
	}
	if deps.ThumbWidth <= 0 {
		deps.ThumbWidth = DefaultThumbWidth
	}
	s := &Surface{
		h:       h,
		view:    newRotatedView(h),
		overlay: rotation.NewOverlay(),
		zoom:    zoom.NewEngine(deps.Zoom),
		deps:    deps,
		log:     observability.OrNop(deps.Logger).With(observability.String("doc", h.Identity().String())),
	}
	s.overlay.OnChange = s.rotationChanged
	if h.PageCount() > 0 {
		if err := s.ShowPage(0); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Handle returns the previewed document.
func (s *Surface) Handle() docsource.Handle { return s.h }

// Overlay returns the session rotations of the previewed document.
func (s *Surface) Overlay() *rotation.Overlay { return s.overlay }

// Page returns the current zero-based page.
func (s *Surface) Page() int { return s.page }

// PageCount returns the number of pages of the document.
func (s *Surface) PageCount() int { return s.h.PageCount() }

// Frame returns the state to paint.
func (s *Surface) Frame() Frame { return s.frame }

// Zoom returns the surface's zoom engine state as mode, scale and label.
func (s *Surface) Zoom() (zoom.Mode, float64, string) {
	return s.zoom.Mode(), s.zoom.Scale(), s.zoom.Percent()
}

// ShowPage switches to page and requests its bitmap.
func (s *Surface) ShowPage(page int) error {
	if s.closed {
		return ErrClosed
	}
	if err := docsource.CheckPage(s.h, page); err != nil {
		return err
	}
	if page != s.page {
		s.token.Cancel()
		s.frame.Image = nil
	}
	s.page = page
	return s.refresh()
}

// Next moves to the following page. It reports false on the last page.
func (s *Surface) Next() bool {
	if s.closed || s.page+1 >= s.h.PageCount() {
		return false
	}
	return s.ShowPage(s.page+1) == nil
}

// Prev moves to the previous page. It reports false on the first page.
func (s *Surface) Prev() bool {
	if s.closed || s.page == 0 {
		return false
	}
	return s.ShowPage(s.page-1) == nil
}

// Resize sets the viewport in screen pixels.
func (s *Surface) Resize(width, height int) error {
	if s.closed {
		return ErrClosed
	}
	s.zoom.SetViewport(zoom.Viewport{Width: width, Height: height})
	return s.rerender()
}

// SetZoom selects a zoom mode. scale is used for zoom.Manual only.
func (s *Surface) SetZoom(mode zoom.Mode, scale float64) error {
	if s.closed {
		return ErrClosed
	}
	if mode == zoom.Manual {
		s.zoom.SetManual(scale)
	} else {
		s.zoom.SetMode(mode)
	}
	return s.rerender()
}

// ZoomBy multiplies the scale, leaving any fit mode.
func (s *Surface) ZoomBy(factor float64) error {
	if s.closed {
		return ErrClosed
	}
	s.zoom.ZoomBy(factor)
	return s.rerender()
}

// Rotate adds delta degrees to the current page.
func (s *Surface) Rotate(delta int) error {
	if s.closed {
		return ErrClosed
	}
	s.overlay.Rotate(s.page, delta)
	return nil
}

// SetRotation sets the current page's session rotation.
func (s *Surface) SetRotation(deg int) error {
	if s.closed {
		return ErrClosed
	}
	s.overlay.SetAbsolute(s.page, deg)
	return nil
}

// Rotation returns the current page's session rotation.
func (s *Surface) Rotation() int { return s.overlay.Get(s.page) }

// ApplyRotationToAll sets every page's session rotation to deg.
func (s *Surface) ApplyRotationToAll(deg int) error {
	if s.closed {
		return ErrClosed
	}
	s.overlay.ApplyToAll(s.h.PageCount(), deg)
	return nil
}

func (s *Surface) rotationChanged(pages []int) {
	current := false
	for _, p := range pages {
		s.view.setDelta(p, s.overlay.Get(p))
		s.deps.Cache.InvalidatePage(s.view.Identity(), p)
		current = current || p == s.page
	}
	s.log.Debug("rotation changed", observability.Int("pages", len(pages)))
	if current && !s.closed {
		s.frame.Image = nil
		if err := s.refresh(); err != nil {
			s.frame.Err = err
		}
	}
}

// rerender requests a new bitmap only when the DPI bucket changed.
func (s *Surface) rerender() error {
	if (s.frame.Image != nil || s.frame.Loading) && s.zoom.DPI() == s.want {
		s.frame.DrawScale = s.drawScale(s.frame.DPI)
		return nil
	}
	return s.refresh()
}

// drawScale is the paint factor for a bitmap rendered at dpi.
func (s *Surface) drawScale(dpi int) float64 {
	if dpi == s.zoom.DPI() {
		return s.zoom.DrawScale()
	}
	return s.deps.Zoom.ScreenDPI * s.zoom.Scale() / float64(dpi)
}

func (s *Surface) refresh() error {
	size, err := s.view.PageSize(s.page)
	if err != nil {
		return err
	}
	s.zoom.SetPageSize(size)
	s.want = s.zoom.DPI()
	page, dpi := s.page, s.want
	// The previous bitmap stays on screen, scaled, until the new one lands.
	shown := dpi
	if s.frame.Image != nil {
		shown = s.frame.DPI
	}
	s.frame = Frame{
		Page:      page,
		DPI:       shown,
		Image:     s.frame.Image,
		DrawScale: s.drawScale(shown),
		Loading:   true,
	}
	s.token = s.deps.Scheduler.RequestRender(s.view, page, dpi, func(res render.Result) {
		if s.closed || res.Key.Page != s.page {
			return
		}
		s.frame = Frame{
			Page:      page,
			DPI:       res.Key.DPI,
			Image:     res.Image,
			DrawScale: s.drawScale(res.Key.DPI),
			Err:       res.Err,
		}
		if res.Err != nil {
			w, h := size.Pixels(float64(res.Key.DPI))
			s.frame.Image = raster.ErrorTile(w, h, fmt.Sprintf("Page %d could not be rendered", page+1))
			s.log.Warn("page render failed", observability.Int("page", page), observability.Error("error", res.Err))
		}
	})
	return nil
}

// Thumbnail returns the cached thumbnail of page. On a miss it renders one
// in the background and passes it to onDone from the scheduler's Drain; a
// failed render yields an error tile and the cause.
func (s *Surface) Thumbnail(page int, onDone func(image.Image, error)) (image.Image, bool) {
	if s.closed || docsource.CheckPage(s.h, page) != nil {
		return nil, false
	}
	key := cache.ThumbKey{ID: s.view.Identity(), Page: page}
	if img, ok := s.deps.Cache.GetThumb(key); ok {
		return img, true
	}
	epoch := s.deps.Cache.Epoch(key.ID, page)
	dpi, width := s.deps.ThumbDPI, s.deps.ThumbWidth
	view, c := s.view, s.deps.Cache
	s.deps.Scheduler.Post(func() func() {
		thumb, err := RenderThumb(view, page, dpi, width)
		if err == nil {
			c.PutThumbAt(key, thumb, epoch)
		}
		return func() {
			if onDone != nil {
				onDone(thumb, err)
			}
		}
	})
	return nil, false
}

// RenderThumb renders page of h at dpi and scales it to width pixels. On
// failure it returns an error tile of the page's proportions with the error.
// The bitmap bypasses the full-resolution cache tier.
func RenderThumb(h docsource.Handle, page, dpi, width int) (image.Image, error) {
	img, err := h.RenderPage(page, dpi)
	if err != nil {
		size, _ := h.PageSize(page)
		w, ht := size.Pixels(float64(dpi))
		return raster.ErrorTile(width, max(1, ht*width/max(1, w)), "!"), err
	}
	return raster.FitWidth(img, width), nil
}

// Commit writes the document with the session rotations applied to out. The
// previewed file is left untouched.
func (s *Surface) Commit(ctx context.Context, out string) error {
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pdfops.RotateOverlay(s.h.Path(), out, s.overlay); err != nil {
		return err
	}
	s.log.Info("rotations saved", observability.String("out", out), observability.Int("pages", s.overlay.Len()))
	return nil
}

// ComposeRotated builds an in-memory copy of the whole document with the
// session rotations applied, for printing.
func (s *Surface) ComposeRotated(ctx context.Context) (*compose.OutputDocument, error) {
	if s.closed {
		return nil, ErrClosed
	}
	id := s.h.Identity()
	items := make([]sequence.Item, s.h.PageCount())
	for i := range items {
		items[i] = sequence.NewPageRef(id, i)
	}
	opts := s.deps.Compose
	opts.Overlays = map[docsource.Identity]*rotation.Overlay{id: s.overlay}
	out, _, err := compose.Compose(ctx, items, map[docsource.Identity]docsource.Handle{id: s.h}, opts)
	return out, err
}

// Close drops the surface's bitmaps and pending callbacks. The handle stays
// open.
func (s *Surface) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.token.Cancel()
	s.deps.Scheduler.Forget(s.view.Identity())
	s.deps.Cache.Invalidate(s.view.Identity())
	return nil
}
