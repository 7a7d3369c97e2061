// Package rotation tracks per-page rotation deltas layered on top of a
// document's stored page rotation.
//
// An Overlay never touches the document. Its deltas are combined with the
// stored rotation only when output is produced, via Apply.
package rotation

import (
	"math"
	"sort"
)

// Normalize maps any angle to one of 0, 90, 180 or 270. Angles that are not a
// multiple of 90 are rounded to the nearest quarter turn, with 45 degree ties
// rounding up.
func Normalize(deg int) int {
	r := ((deg % 360) + 360) % 360
	if r%90 != 0 {
		r = int(math.Floor(float64(r)/90+0.5)) * 90
		r %= 360
	}
	return r
}

// Apply combines a stored base rotation with a session delta.
func Apply(base, delta int) int {
	return Normalize(base + delta)
}

// Overlay maps page indices to rotation deltas. The zero delta is implicit.
// An Overlay is owned by the interactive thread and is not safe for
// concurrent use.
type Overlay struct {
	deltas map[int]int

	// OnChange, when set, is called with the pages whose delta changed.
	OnChange func(pages []int)
}

// NewOverlay returns an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{deltas: make(map[int]int)}
}

// Get returns the delta of page.
func (o *Overlay) Get(page int) int {
	return o.deltas[page]
}

// Rotate adds delta to page's rotation and returns the new value.
func (o *Overlay) Rotate(page, delta int) int {
	deg := Normalize(o.deltas[page] + delta)
	o.set(page, deg)
	return deg
}

// SetAbsolute sets page's delta to deg, normalized.
func (o *Overlay) SetAbsolute(page, deg int) {
	o.set(page, Normalize(deg))
}

// ApplyToAll sets every page in [0, pageCount) to deg.
func (o *Overlay) ApplyToAll(pageCount, deg int) {
	deg = Normalize(deg)
	var changed []int
	for p := 0; p < pageCount; p++ {
		if o.put(p, deg) {
			changed = append(changed, p)
		}
	}
	o.notify(changed)
}

// Reset clears every delta.
func (o *Overlay) Reset() {
	changed := o.Pages()
	clear(o.deltas)
	o.notify(changed)
}

// Pages returns the pages with a non-zero delta in ascending order.
func (o *Overlay) Pages() []int {
	pages := make([]int, 0, len(o.deltas))
	for p := range o.deltas {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}

// Len returns the number of pages with a non-zero delta.
func (o *Overlay) Len() int { return len(o.deltas) }

// Groups returns the pages with a non-zero delta keyed by delta, each list in
// ascending order.
func (o *Overlay) Groups() map[int][]int {
	groups := make(map[int][]int)
	for _, p := range o.Pages() {
		d := o.deltas[p]
		groups[d] = append(groups[d], p)
	}
	return groups
}

func (o *Overlay) set(page, deg int) {
	if o.put(page, deg) {
		o.notify([]int{page})
	}
}

func (o *Overlay) put(page, deg int) bool {
	if o.deltas == nil {
		o.deltas = make(map[int]int)
	}
	if o.deltas[page] == deg {
		return false
	}
	if deg == 0 {
		delete(o.deltas, page)
	} else {
		o.deltas[page] = deg
	}
	return true
}

func (o *Overlay) notify(pages []int) {
	if len(pages) > 0 && o.OnChange != nil {
		o.OnChange(pages)
	}
}
