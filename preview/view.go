package preview

import (
	"image"
	"sync"

	"github.com/google/uuid"

	"github.com/wudi/pagedeck/docsource"
	"github.com/wudi/pagedeck/raster"
)

// rotatedView presents a handle with session rotations baked into its
// geometry and bitmaps. It has its own Identity so its bitmaps never mix with
// unrotated renders of the same document.
type rotatedView struct {
	docsource.Handle
	id docsource.Identity

	mu     sync.RWMutex
	deltas map[int]int
}

func newRotatedView(h docsource.Handle) *rotatedView {
	id := h.Identity()
	id.Path += "#view-" + uuid.NewString()
	return &rotatedView{Handle: h, id: id, deltas: make(map[int]int)}
}

func (v *rotatedView) Identity() docsource.Identity { return v.id }

func (v *rotatedView) delta(page int) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.deltas[page]
}

func (v *rotatedView) setDelta(page, deg int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if deg == 0 {
		delete(v.deltas, page)
		return
	}
	v.deltas[page] = deg
}

func (v *rotatedView) PageSize(page int) (docsource.Size, error) {
	s, err := v.Handle.PageSize(page)
	if err != nil {
		return s, err
	}
	if v.delta(page)%180 != 0 {
		s = s.Swapped()
	}
	return s, nil
}

func (v *rotatedView) RenderPage(page, dpi int) (image.Image, error) {
	deg := v.delta(page)
	img, err := v.Handle.RenderPage(page, dpi)
	if err != nil {
		return nil, err
	}
	return raster.Rotate90s(img, deg), nil
}
