// Package sequence models the user's working arrangement of output pages: an
// ordered list mixing pages of source documents and standalone images.
//
// Index order is output order. Every item gets a stable id when it is created,
// so structural changes never alter the identity of unrelated items. A Model
// belongs to the interactive thread and is not safe for concurrent use.
package sequence

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/wudi/pagedeck/docsource"
	"github.com/wudi/pagedeck/rotation"
)

var (
	// ErrIndex reports an index or page range outside the valid bounds.
	ErrIndex = errors.New("sequence: index out of range")
	// ErrNothingToRotate is returned by RotateImageItems when no selected item
	// is an image.
	ErrNothingToRotate = errors.New("sequence: no image selected")
)

// Item is a PageRef or an ImageRef.
type Item interface {
	ID() uuid.UUID
	isItem()
}

// PageRef refers to one page of a source document. It has no rotation of its
// own.
type PageRef struct {
	id       uuid.UUID
	Document docsource.Identity
	Page     int
}

// NewPageRef returns a PageRef with a fresh id.
func NewPageRef(doc docsource.Identity, page int) PageRef {
	return PageRef{id: uuid.New(), Document: doc, Page: page}
}

func (p PageRef) ID() uuid.UUID { return p.id }
func (PageRef) isItem()         {}

func (p PageRef) String() string { return fmt.Sprintf("page %d of %s", p.Page+1, p.Document) }

// ImageRef refers to a standalone image file drawn on its own page. Rotation
// is always 0, 90, 180 or 270.
type ImageRef struct {
	id       uuid.UUID
	Path     string
	Rotation int
}

// NewImageRef returns an ImageRef with a fresh id and a normalized rotation.
func NewImageRef(path string, deg int) ImageRef {
	return ImageRef{id: uuid.New(), Path: path, Rotation: rotation.Normalize(deg)}
}

func (r ImageRef) ID() uuid.UUID { return r.id }
func (ImageRef) isItem()         {}

func (r ImageRef) String() string {
	if r.Rotation == 0 {
		return r.Path
	}
	return fmt.Sprintf("%s (%d°)", r.Path, r.Rotation)
}

// Direction is a one-slot move.
type Direction int

const (
	Up   Direction = -1
	Down Direction = 1
)

// Model is an ordered list of items.
type Model struct {
	items []Item
}

// New returns an empty model.
func New() *Model { return &Model{} }

// Len returns the number of items.
func (m *Model) Len() int { return len(m.items) }

// At returns the item at index i.
func (m *Model) At(i int) (Item, bool) {
	if i < 0 || i >= len(m.items) {
		return nil, false
	}
	return m.items[i], true
}

// IndexOf returns the index of the item with id, or -1.
func (m *Model) IndexOf(id uuid.UUID) int {
	return slices.IndexFunc(m.items, func(it Item) bool { return it.ID() == id })
}

// Snapshot returns a copy of the current order. Items are values, so later
// mutations of the model do not show through.
func (m *Model) Snapshot() []Item {
	return slices.Clone(m.items)
}

// Append adds items at the end.
func (m *Model) Append(items ...Item) {
	m.items = append(m.items, items...)
}

// InsertAt inserts items before index at; at may equal Len.
func (m *Model) InsertAt(at int, items ...Item) error {
	if at < 0 || at > len(m.items) {
		return fmt.Errorf("%w: insert at %d of %d", ErrIndex, at, len(m.items))
	}
	m.items = slices.Insert(m.items, at, items...)
	return nil
}

// InsertPages appends pages first through last, inclusive, of doc.
func (m *Model) InsertPages(doc docsource.Identity, first, last int) ([]PageRef, error) {
	if first < 0 || last < first {
		return nil, fmt.Errorf("%w: pages %d-%d", ErrIndex, first, last)
	}
	refs := make([]PageRef, 0, last-first+1)
	for p := first; p <= last; p++ {
		ref := NewPageRef(doc, p)
		refs = append(refs, ref)
		m.items = append(m.items, ref)
	}
	return refs, nil
}

// InsertImages appends one unrotated image item per path.
func (m *Model) InsertImages(paths ...string) []ImageRef {
	refs := make([]ImageRef, 0, len(paths))
	for _, p := range paths {
		ref := NewImageRef(p, 0)
		refs = append(refs, ref)
		m.items = append(m.items, ref)
	}
	return refs
}

// selection sorts and deduplicates indices and checks them against n.
func selection(indices []int, n int) ([]int, error) {
	sel := slices.Clone(indices)
	slices.Sort(sel)
	sel = slices.Compact(sel)
	for _, i := range sel {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("%w: %d of %d", ErrIndex, i, n)
		}
	}
	return sel, nil
}

// Remove deletes the items at indices. Removing never releases document
// handles.
func (m *Model) Remove(indices ...int) error {
	sel, err := selection(indices, len(m.items))
	if err != nil {
		return err
	}
	for i := len(sel) - 1; i >= 0; i-- {
		m.items = slices.Delete(m.items, sel[i], sel[i]+1)
	}
	return nil
}

// Move shifts every selected item one slot in dir, keeping the selection's
// relative order. It returns the new selection, or false and leaves the
// model untouched when an item would leave the list.
func (m *Model) Move(indices []int, dir Direction) ([]int, bool) {
	sel, err := selection(indices, len(m.items))
	if err != nil || len(sel) == 0 || (dir != Up && dir != Down) {
		return nil, false
	}
	if dir == Up && sel[0] == 0 {
		return nil, false
	}
	if dir == Down && sel[len(sel)-1] == len(m.items)-1 {
		return nil, false
	}
	swap := func(k int) {
		i, j := sel[k], sel[k]+int(dir)
		m.items[i], m.items[j] = m.items[j], m.items[i]
		sel[k] = j
	}
	if dir == Down {
		for k := len(sel) - 1; k >= 0; k-- {
			swap(k)
		}
	} else {
		for k := range sel {
			swap(k)
		}
	}
	return sel, true
}

// MoveTo removes the selected items and reinserts them, in their relative
// order, at drop position target. target is an insertion point in the list as
// it was before the move, in [0, Len]. It returns the new selection.
func (m *Model) MoveTo(indices []int, target int) ([]int, error) {
	sel, err := selection(indices, len(m.items))
	if err != nil {
		return nil, err
	}
	if target < 0 || target > len(m.items) {
		return nil, fmt.Errorf("%w: drop at %d of %d", ErrIndex, target, len(m.items))
	}
	moved := make([]Item, len(sel))
	at := target
	for k, i := range sel {
		moved[k] = m.items[i]
		if i < target {
			at--
		}
	}
	for k := len(sel) - 1; k >= 0; k-- {
		m.items = slices.Delete(m.items, sel[k], sel[k]+1)
	}
	m.items = slices.Insert(m.items, at, moved...)
	out := make([]int, len(moved))
	for k := range out {
		out[k] = at + k
	}
	return out, nil
}

// RotateImageItems adds delta to the rotation of every selected image. Page
// items are left alone and counted as skipped. ErrNothingToRotate is returned
// when the selection holds no image.
func (m *Model) RotateImageItems(indices []int, delta int) (rotated, skipped int, err error) {
	sel, err := selection(indices, len(m.items))
	if err != nil {
		return 0, 0, err
	}
	for _, i := range sel {
		img, ok := m.items[i].(ImageRef)
		if !ok {
			skipped++
			continue
		}
		img.Rotation = rotation.Apply(img.Rotation, delta)
		m.items[i] = img
		rotated++
	}
	if rotated == 0 {
		return 0, skipped, ErrNothingToRotate
	}
	return rotated, skipped, nil
}

// Documents returns the distinct documents referenced by page items, in order
// of first appearance.
func (m *Model) Documents() []docsource.Identity {
	var ids []docsource.Identity
	for _, it := range m.items {
		if p, ok := it.(PageRef); ok && !slices.Contains(ids, p.Document) {
			ids = append(ids, p.Document)
		}
	}
	return ids
}
