// Package raster holds the bitmap helpers shared by the preview and compose
// paths: image file decoding, quarter-turn rotation, thumbnail scaling and the
// placeholder tile drawn for pages that failed to render.
package raster

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif" // Register decoders
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode reports a standalone image that cannot be read.
var ErrDecode = errors.New("raster: cannot decode image")

// Decode reads and decodes the image file at path.
func Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, path, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, path, err)
	}
	return img, nil
}

// ByteSize approximates the memory held by img, assuming 4 bytes per pixel.
func ByteSize(img image.Image) int64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

// ToNRGBA converts img to a zero-origin *image.NRGBA, reusing img when it
// already is one.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Rotate90s rotates img clockwise by deg, which is reduced to a number of
// quarter turns. A zero rotation returns img unchanged.
func Rotate90s(img image.Image, deg int) image.Image {
	steps := ((deg%360)+360)%360/90
	if steps == 0 {
		return img
	}
	src := ToNRGBA(img)
	for i := 0; i < steps; i++ {
		src = rotateCW(src)
	}
	return src
}

func rotateCW(src *image.NRGBA) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			si := y*src.Stride + x*4
			di := x*dst.Stride + (h-1-y)*4
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}

// Fit scales img to fit inside maxW x maxH, keeping the aspect ratio. The
// result is at least 1x1.
func Fit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	sx := float64(maxW) / float64(b.Dx())
	sy := float64(maxH) / float64(b.Dy())
	s := sx
	if sy < s {
		s = sy
	}
	return Scale(img, s)
}

// FitWidth scales img to width w, keeping the aspect ratio.
func FitWidth(img image.Image, w int) image.Image {
	return Scale(img, float64(w)/float64(img.Bounds().Dx()))
}

// Scale resamples img by factor s with bilinear interpolation.
func Scale(img image.Image, s float64) image.Image {
	b := img.Bounds()
	w := max(1, int(float64(b.Dx())*s+0.5))
	h := max(1, int(float64(b.Dy())*s+0.5))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

var (
	tileBackground = color.RGBA{R: 72, G: 24, B: 24, A: 255}
	tileBorder     = color.RGBA{R: 220, G: 60, B: 60, A: 255}
)

// ErrorTile draws the placeholder shown in place of a page or image that
// failed to render: a dark red tile with a bright border and a centred label.
func ErrorTile(w, h int, label string) *image.RGBA {
	w, h = max(w, 1), max(h, 1)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(tileBorder), image.Point{}, draw.Src)
	if w > 4 && h > 4 {
		inner := image.Rect(2, 2, w-2, h-2)
		draw.Draw(img, inner, image.NewUniform(tileBackground), image.Point{}, draw.Src)
	}
	if label == "" {
		return img
	}
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.White, Face: face}
	tw := d.MeasureString(label).Ceil()
	x := (w - tw) / 2
	y := (h + face.Ascent - face.Descent) / 2
	d.Dot = fixed.P(max(x, 2), y)
	d.DrawString(label)
	return img
}

// Format is an encoded image format for exported pages.
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpg"
)

// ParseFormat accepts png, jpg and jpeg in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	}
	return "", fmt.Errorf("raster: unsupported format %q (use png or jpg)", s)
}

// Encode writes img to w in format f.
func Encode(w io.Writer, img image.Image, f Format) error {
	switch f {
	case PNG:
		return png.Encode(w, img)
	case JPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 92})
	}
	return fmt.Errorf("raster: unsupported format %q", f)
}
