// Package pdfops wraps the paginated-document operations used by the editor
// on top of pdfcpu: page collection, rotation, merging, image pages,
// watermarks and page export.
//
// Byte-level helpers (CollectPages, RotatePages, Merge and ImagePage) work on
// in-memory documents and are what the composer builds on; the file-level
// operations write their result next to the destination and rename it into
// place.
package pdfops

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

var (
	// ErrNoParentDir is returned when the destination directory does not
	// exist. Directories are never created implicitly.
	ErrNoParentDir = errors.New("pdfops: destination directory does not exist")
	// ErrInvalidRange reports a page range that selects nothing.
	ErrInvalidRange = errors.New("pdfops: invalid page range")
	// ErrNoInput is returned when an operation receives no input files.
	ErrNoInput = errors.New("pdfops: no input")
)

var configOnce sync.Once

// Configuration returns a fresh pdfcpu configuration with relaxed validation.
// The user configuration directory is never consulted.
func Configuration() *model.Configuration {
	configOnce.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// CheckParentDir verifies that the directory of path exists.
func CheckParentDir(path string) error {
	dir := filepath.Dir(path)
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return fmt.Errorf("%w: %s", ErrNoParentDir, dir)
	}
	return nil
}

// WriteFile writes the output produced by fn to path via a temporary file in
// the same directory.
func WriteFile(path string, fn func(w io.Writer) error) error {
	if err := CheckParentDir(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pagedeck-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := fn(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// pageSpec turns zero-based page indices into pdfcpu's one-based selectors.
func pageSpec(pages []int) []string {
	sel := make([]string, len(pages))
	for i, p := range pages {
		sel[i] = strconv.Itoa(p + 1)
	}
	return sel
}

// PageCount returns the number of pages of an in-memory document.
func PageCount(doc []byte) (int, error) {
	return api.PageCount(bytes.NewReader(doc), Configuration())
}

// PageSizes returns the media box size of every page in points.
func PageSizes(doc []byte) ([]types.Dim, error) {
	return api.PageDims(bytes.NewReader(doc), Configuration())
}

// CollectPages returns a document made of the given zero-based pages of src,
// in the given order. Pages may repeat.
func CollectPages(src []byte, pages []int) ([]byte, error) {
	if len(pages) == 0 {
		return nil, ErrInvalidRange
	}
	var out bytes.Buffer
	if err := api.Collect(bytes.NewReader(src), &out, pageSpec(pages), Configuration()); err != nil {
		return nil, fmt.Errorf("pdfops: collect pages: %w", err)
	}
	return out.Bytes(), nil
}

// RotatePages adds deg, a multiple of 90, to the stored rotation of the given
// zero-based pages of src. A zero rotation returns src unchanged.
func RotatePages(src []byte, deg int, pages []int) ([]byte, error) {
	deg = ((deg % 360) + 360) % 360
	if deg == 0 || len(pages) == 0 {
		return src, nil
	}
	if deg%90 != 0 {
		return nil, fmt.Errorf("pdfops: rotation %d is not a multiple of 90", deg)
	}
	var out bytes.Buffer
	if err := api.Rotate(bytes.NewReader(src), &out, deg, pageSpec(pages), Configuration()); err != nil {
		return nil, fmt.Errorf("pdfops: rotate: %w", err)
	}
	return out.Bytes(), nil
}

// Merge concatenates in-memory documents in order.
func Merge(docs [][]byte) ([]byte, error) {
	switch len(docs) {
	case 0:
		return nil, ErrNoInput
	case 1:
		return docs[0], nil
	}
	rs := make([]io.ReadSeeker, len(docs))
	for i, d := range docs {
		rs[i] = bytes.NewReader(d)
	}
	var out bytes.Buffer
	if err := api.MergeRaw(rs, &out, false, Configuration()); err != nil {
		return nil, fmt.Errorf("pdfops: merge: %w", err)
	}
	return out.Bytes(), nil
}

// ImagePage returns a one-page document whose page is exactly the pixel size
// of img, in points, with img drawn centred and inset by marginRatio of the
// page size on every side. The image is embedded losslessly.
func ImagePage(img image.Image, marginRatio float64) ([]byte, error) {
	var enc bytes.Buffer
	if err := png.Encode(&enc, img); err != nil {
		return nil, fmt.Errorf("pdfops: encode image: %w", err)
	}
	b := img.Bounds()
	imp := pdfcpu.DefaultImportConfig()
	imp.PageDim = &types.Dim{Width: float64(b.Dx()), Height: float64(b.Dy())}
	imp.UserDim = true
	imp.InpUnit = types.POINTS
	if marginRatio <= 0 {
		imp.Pos = types.Full
	} else {
		imp.Pos = types.Center
		imp.Scale = 1 - 2*marginRatio
		imp.ScaleAbs = false
	}
	var out bytes.Buffer
	if err := api.ImportImages(nil, &out, []io.Reader{&enc}, imp, Configuration()); err != nil {
		return nil, fmt.Errorf("pdfops: image page: %w", err)
	}
	return out.Bytes(), nil
}
