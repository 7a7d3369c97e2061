// Package mupdf implements docsource.Handle with MuPDF through go-fitz.
package mupdf

import (
	"fmt"
	"image"
	"sync"

	"github.com/gen2brain/go-fitz"

	"github.com/wudi/pagedeck/docsource"
)

// Opener opens documents with MuPDF.
type Opener struct{}

func (Opener) Open(path string) (docsource.Handle, error) { return Open(path) }

type handle struct {
	mu     sync.Mutex
	doc    *fitz.Document
	id     docsource.Identity
	pages  int
	sizes  []docsource.Size
	closed bool
}

// Open opens the document at path. Render calls on the returned handle
// are serialized: a MuPDF document must not be used from two goroutines at once.
func Open(path string) (docsource.Handle, error) {
	id, err := docsource.IdentityOf(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", docsource.ErrOpen, path, err)
	}
	doc, err := fitz.New(id.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", docsource.ErrOpen, path, err)
	}
	n := doc.NumPage()
	if n <= 0 {
		doc.Close()
		return nil, fmt.Errorf("%w: %s: document has no pages", docsource.ErrOpen, path)
	}
	return &handle{
		doc:   doc,
		id:    id,
		pages: n,
		sizes: make([]docsource.Size, n),
	}, nil
}

func (h *handle) Identity() docsource.Identity { return h.id }
func (h *handle) Path() string                 { return h.id.Path }
func (h *handle) PageCount() int               { return h.pages }

func (h *handle) PageSize(page int) (docsource.Size, error) {
	if err := docsource.CheckPage(h, page); err != nil {
		return docsource.Size{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return docsource.Size{}, docsource.ErrClosed
	}
	if s := h.sizes[page]; s != (docsource.Size{}) {
		return s, nil
	}
	r, err := h.doc.Bound(page)
	if err != nil {
		return docsource.Size{}, fmt.Errorf("%w: page %d bounds: %w", docsource.ErrRender, page, err)
	}
	s := docsource.Size{Width: float64(r.Dx()), Height: float64(r.Dy())}
	h.sizes[page] = s
	return s, nil
}

func (h *handle) RenderPage(page, dpi int) (image.Image, error) {
	if err := docsource.CheckPage(h, page); err != nil {
		return nil, err
	}
	if dpi <= 0 {
		return nil, fmt.Errorf("%w: page %d: invalid dpi %d", docsource.ErrRender, page, dpi)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, docsource.ErrClosed
	}
	img, err := h.doc.ImageDPI(page, float64(dpi))
	if err != nil {
		return nil, fmt.Errorf("%w: page %d at %d dpi: %w", docsource.ErrRender, page, dpi, err)
	}
	return img, nil
}

func (h *handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return docsource.ErrClosed
	}
	h.closed = true
	return h.doc.Close()
}
