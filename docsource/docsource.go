// Package docsource exposes opened paginated documents as render handles.
//
// A Handle is the leaf of the preview stack: it knows the page count and page
// geometry of one opened document and rasterizes single pages at a requested
// resolution. Package mupdf provides the MuPDF-backed implementation;
// docsourcetest provides an in-memory one for tests.
package docsource

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrOpen reports an unreadable or corrupt source document.
	ErrOpen = errors.New("docsource: cannot open document")
	// ErrRender reports that a single page failed to rasterize.
	ErrRender = errors.New("docsource: page render failed")
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("docsource: document closed")
	// ErrPageRange is returned for page indices outside [0, PageCount).
	ErrPageRange = errors.New("docsource: page out of range")
)

// PointsPerInch is the user-space unit of page geometry.
const PointsPerInch = 72.0

// Size is a page size in points.
type Size struct {
	Width, Height float64
}

// Pixels returns the size in pixels at dpi.
func (s Size) Pixels(dpi float64) (w, h int) {
	w = int(s.Width*dpi/PointsPerInch + 0.5)
	h = int(s.Height*dpi/PointsPerInch + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// Swapped returns the size with width and height exchanged.
func (s Size) Swapped() Size { return Size{Width: s.Height, Height: s.Width} }

// Identity identifies document content for cache keys. Two handles opened on
// the same file content share an Identity; rewriting the file changes it.
type Identity struct {
	Path   string
	Digest [16]byte
}

// IsZero reports whether id is the zero Identity.
func (id Identity) IsZero() bool { return id == Identity{} }

func (id Identity) String() string {
	return filepath.Base(id.Path) + "@" + hex.EncodeToString(id.Digest[:4])
}

// IdentityOf computes the Identity of the file at path: its cleaned absolute
// path plus a BLAKE2b-128 digest of its contents.
func IdentityOf(path string) (Identity, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Identity{}, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return Identity{}, err
	}
	defer f.Close()
	return identityFrom(abs, f)
}

// Matches reports whether data is the content id was computed from.
func (id Identity) Matches(data []byte) bool {
	got, err := identityFrom(id.Path, bytes.NewReader(data))
	return err == nil && got.Digest == id.Digest
}

func identityFrom(abs string, r io.Reader) (Identity, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return Identity{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Identity{}, err
	}
	id := Identity{Path: filepath.Clean(abs)}
	copy(id.Digest[:], h.Sum(nil))
	return id, nil
}

// Handle is an opened source document.
//
// Implementations must allow RenderPage to be called from several goroutines;
// if the underlying library needs exclusive access, the handle serializes calls
// itself.
type Handle interface {
	Identity() Identity
	// Path is the file the document was opened from.
	Path() string
	PageCount() int
	// PageSize returns the page size in points, as displayed (stored page
	// rotation already applied).
	PageSize(page int) (Size, error)
	// RenderPage rasterizes page at dpi. Errors wrap ErrRender, ErrPageRange or
	// ErrClosed.
	RenderPage(page, dpi int) (image.Image, error)
	Closed() bool
	Close() error
}

// Opener opens documents by path. Errors wrap ErrOpen.
type Opener interface {
	Open(path string) (Handle, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (Handle, error)

func (f OpenerFunc) Open(path string) (Handle, error) { return f(path) }

// CheckPage validates page against h's page count.
func CheckPage(h Handle, page int) error {
	if n := h.PageCount(); page < 0 || page >= n {
		return fmt.Errorf("%w: page %d of %d", ErrPageRange, page, n)
	}
	return nil
}
