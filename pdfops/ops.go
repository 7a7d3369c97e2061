package pdfops

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/wudi/pagedeck/raster"
	"github.com/wudi/pagedeck/rotation"
)

// MergeFiles concatenates the documents at inputs into out.
func MergeFiles(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return ErrNoInput
	}
	if err := CheckParentDir(out); err != nil {
		return err
	}
	docs := make([][]byte, 0, len(inputs))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := os.ReadFile(in)
		if err != nil {
			return fmt.Errorf("pdfops: read %s: %w", in, err)
		}
		docs = append(docs, b)
	}
	merged, err := Merge(docs)
	if err != nil {
		return err
	}
	return WriteFile(out, func(w io.Writer) error {
		_, err := w.Write(merged)
		return err
	})
}

// SplitRange writes pages from through to (one-based, inclusive) of in to
// out. to is clamped to the page count. It returns the number of pages
// written.
func SplitRange(in, out string, from, to int) (int, error) {
	if from < 1 || to < from {
		return 0, fmt.Errorf("%w: %d-%d", ErrInvalidRange, from, to)
	}
	if err := CheckParentDir(out); err != nil {
		return 0, err
	}
	src, err := os.ReadFile(in)
	if err != nil {
		return 0, fmt.Errorf("pdfops: read %s: %w", in, err)
	}
	total, err := PageCount(src)
	if err != nil {
		return 0, fmt.Errorf("pdfops: %s: %w", in, err)
	}
	to = min(to, total)
	if from > to {
		return 0, fmt.Errorf("%w: %d-%d of %d pages", ErrInvalidRange, from, to, total)
	}
	pages := make([]int, 0, to-from+1)
	for p := from - 1; p < to; p++ {
		pages = append(pages, p)
	}
	doc, err := CollectPages(src, pages)
	if err != nil {
		return 0, err
	}
	return len(pages), WriteFile(out, func(w io.Writer) error {
		_, err := w.Write(doc)
		return err
	})
}

// ApplyOverlay adds every delta of o to the matching page of src.
func ApplyOverlay(src []byte, o *rotation.Overlay) ([]byte, error) {
	doc := src
	for deg, pages := range o.Groups() {
		var err error
		if doc, err = RotatePages(doc, deg, pages); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// RotateOverlay writes in to out with the rotation deltas of o applied on top
// of each page's stored rotation.
func RotateOverlay(in, out string, o *rotation.Overlay) error {
	if err := CheckParentDir(out); err != nil {
		return err
	}
	src, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("pdfops: read %s: %w", in, err)
	}
	doc, err := ApplyOverlay(src, o)
	if err != nil {
		return err
	}
	return WriteFile(out, func(w io.Writer) error {
		_, err := w.Write(doc)
		return err
	})
}

// RotateRange adds deg to pages from through to (one-based, inclusive) of in.
// The range is clamped to the document.
func RotateRange(in, out string, deg, from, to int) error {
	if err := CheckParentDir(out); err != nil {
		return err
	}
	src, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("pdfops: read %s: %w", in, err)
	}
	total, err := PageCount(src)
	if err != nil {
		return fmt.Errorf("pdfops: %s: %w", in, err)
	}
	from, to = max(from, 1), min(to, total)
	if from > to {
		return fmt.Errorf("%w: %d-%d of %d pages", ErrInvalidRange, from, to, total)
	}
	pages := make([]int, 0, to-from+1)
	for p := from - 1; p < to; p++ {
		pages = append(pages, p)
	}
	doc, err := RotatePages(src, rotation.Normalize(deg), pages)
	if err != nil {
		return err
	}
	return WriteFile(out, func(w io.Writer) error {
		_, err := w.Write(doc)
		return err
	})
}

// WatermarkOptions describes a text watermark.
type WatermarkOptions struct {
	Text     string
	FontName string
	FontSize float64
	// Angle is the counter-clockwise text rotation in degrees.
	Angle   float64
	Opacity float64
	Color   color.RGBA
	// Position is a pdfcpu anchor: c, tl, tc, tr, l, r, bl, bc or br.
	Position string
	// OffsetX and OffsetY move the text from its anchor, in points.
	OffsetX, OffsetY float64
	// From and To select a one-based inclusive page range; zero values mean
	// every page.
	From, To int
}

// DefaultWatermark returns a centred, 45 degree, 20% opaque light grey
// Helvetica-Bold watermark.
func DefaultWatermark(text string) WatermarkOptions {
	return WatermarkOptions{
		Text:     text,
		FontName: "Helvetica-Bold",
		FontSize: 48,
		Angle:    45,
		Opacity:  0.2,
		Color:    color.RGBA{R: 200, G: 200, B: 200, A: 255},
		Position: "c",
	}
}

func (o WatermarkOptions) description() string {
	opacity := min(max(o.Opacity, 0), 1)
	parts := []string{
		"fontname:" + o.FontName,
		fmt.Sprintf("points:%d", int(math.Round(o.FontSize))),
		fmt.Sprintf("rotation:%g", o.Angle),
		fmt.Sprintf("opacity:%g", opacity),
		fmt.Sprintf("fillcolor:#%02X%02X%02X", o.Color.R, o.Color.G, o.Color.B),
		"scalefactor:1 abs",
		"position:" + o.Position,
	}
	if o.OffsetX != 0 || o.OffsetY != 0 {
		parts = append(parts, fmt.Sprintf("offset:%g %g", o.OffsetX, o.OffsetY))
	}
	return strings.Join(parts, ", ")
}

// WatermarkText stamps opts.Text onto in and writes the result to out.
func WatermarkText(in, out string, opts WatermarkOptions) error {
	if strings.TrimSpace(opts.Text) == "" {
		return fmt.Errorf("pdfops: empty watermark text")
	}
	def := DefaultWatermark(opts.Text)
	if opts.FontName == "" {
		opts.FontName = def.FontName
	}
	if opts.FontSize <= 0 {
		opts.FontSize = def.FontSize
	}
	if opts.Position == "" {
		opts.Position = def.Position
	}
	if err := CheckParentDir(out); err != nil {
		return err
	}
	src, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("pdfops: read %s: %w", in, err)
	}
	var sel []string
	if opts.From > 0 || opts.To > 0 {
		total, err := PageCount(src)
		if err != nil {
			return fmt.Errorf("pdfops: %s: %w", in, err)
		}
		from, to := max(opts.From, 1), total
		if opts.To > 0 {
			to = min(opts.To, total)
		}
		if from > to {
			return fmt.Errorf("%w: %d-%d of %d pages", ErrInvalidRange, from, to, total)
		}
		sel = []string{fmt.Sprintf("%d-%d", from, to)}
	}
	wm, err := api.TextWatermark(opts.Text, opts.description(), true, false, types.POINTS)
	if err != nil {
		return fmt.Errorf("pdfops: watermark: %w", err)
	}
	var buf bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(src), &buf, sel, wm, Configuration()); err != nil {
		return fmt.Errorf("pdfops: watermark: %w", err)
	}
	return WriteFile(out, func(w io.Writer) error {
		_, err := buf.WriteTo(w)
		return err
	})
}

// ImagesToPDF writes one page per image, each exactly the image's pixel size
// with no margin. Unlike composing, the first unreadable image fails the
// whole operation.
func ImagesToPDF(ctx context.Context, images []string, out string) error {
	if len(images) == 0 {
		return ErrNoInput
	}
	if err := CheckParentDir(out); err != nil {
		return err
	}
	pages := make([][]byte, 0, len(images))
	for _, path := range images {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := raster.Decode(path)
		if err != nil {
			return err
		}
		page, err := ImagePage(img, 0)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		pages = append(pages, page)
	}
	doc, err := Merge(pages)
	if err != nil {
		return err
	}
	return WriteFile(out, func(w io.Writer) error {
		_, err := w.Write(doc)
		return err
	})
}
