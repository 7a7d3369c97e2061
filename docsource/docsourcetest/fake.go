// Package docsourcetest provides an in-memory docsource.Handle for tests.
package docsourcetest

import (
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/wudi/pagedeck/docsource"
)

// Letter is the US Letter page size in points.
var Letter = docsource.Size{Width: 612, Height: 792}

// Call is a render call held by Fake.Hold until released.
type Call struct {
	Page, DPI int
	release   chan struct{}
}

// Release lets the held render return.
func (c *Call) Release() { close(c.release) }

// Fake renders every page as a solid image whose colour is PageColor(page).
type Fake struct {
	id    docsource.Identity
	path  string
	sizes []docsource.Size

	mu      sync.Mutex
	closed  bool
	fail    map[int]error
	renders map[[2]int]int
	held    chan *Call
}

// New returns a Fake named name with pages Letter-sized pages.
func New(name string, pages int) *Fake {
	sizes := make([]docsource.Size, pages)
	for i := range sizes {
		sizes[i] = Letter
	}
	return NewWithSizes(name, sizes...)
}

// NewWithSizes returns a Fake with one page per size.
func NewWithSizes(name string, sizes ...docsource.Size) *Fake {
	sum := sha256.Sum256([]byte(name))
	id := docsource.Identity{Path: "/fake/" + name}
	copy(id.Digest[:], sum[:])
	return &Fake{
		id:      id,
		path:    id.Path,
		sizes:   sizes,
		fail:    make(map[int]error),
		renders: make(map[[2]int]int),
	}
}

// NewFile returns a Fake backed by the real file at path: Path and Identity
// describe that file while pages still render as solid colours.
func NewFile(path string, sizes ...docsource.Size) (*Fake, error) {
	id, err := docsource.IdentityOf(path)
	if err != nil {
		return nil, err
	}
	f := NewWithSizes(path, sizes...)
	f.id, f.path = id, path
	return f, nil
}

// PageColor is the fill colour of rendered page.
func PageColor(page int) color.RGBA {
	return color.RGBA{R: uint8(page * 37), G: uint8(page * 91), B: 200, A: 255}
}

// FailPage makes every render of page fail with err.
func (f *Fake) FailPage(page int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[page] = err
}

// Hold makes subsequent renders block until released. Each blocked render is
// delivered on the returned channel.
func (f *Fake) Hold() <-chan *Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = make(chan *Call, 64)
	return f.held
}

// Renders returns how many times page was rendered at dpi.
func (f *Fake) Renders(page, dpi int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renders[[2]int{page, dpi}]
}

// TotalRenders returns the number of completed render calls.
func (f *Fake) TotalRenders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.renders {
		n += c
	}
	return n
}

func (f *Fake) Identity() docsource.Identity { return f.id }
func (f *Fake) Path() string                 { return f.path }
func (f *Fake) PageCount() int               { return len(f.sizes) }

func (f *Fake) PageSize(page int) (docsource.Size, error) {
	if err := docsource.CheckPage(f, page); err != nil {
		return docsource.Size{}, err
	}
	return f.sizes[page], nil
}

func (f *Fake) RenderPage(page, dpi int) (image.Image, error) {
	if err := docsource.CheckPage(f, page); err != nil {
		return nil, err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, docsource.ErrClosed
	}
	held := f.held
	failure := f.fail[page]
	f.mu.Unlock()

	if held != nil {
		c := &Call{Page: page, DPI: dpi, release: make(chan struct{})}
		held <- c
		<-c.release
	}

	f.mu.Lock()
	f.renders[[2]int{page, dpi}]++
	f.mu.Unlock()
	if failure != nil {
		return nil, fmt.Errorf("%w: page %d: %w", docsource.ErrRender, page, failure)
	}
	w, h := f.sizes[page].Pixels(float64(dpi))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(PageColor(page)), image.Point{}, draw.Src)
	return img, nil
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return docsource.ErrClosed
	}
	f.closed = true
	return nil
}
