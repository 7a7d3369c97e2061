package raster

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
)

// twoByOne returns a 2x1 image: red on the left, blue on the right.
func twoByOne() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, red)
	img.SetNRGBA(1, 0, blue)
	return img
}

func TestRotate90sClockwise(t *testing.T) {
	got := Rotate90s(twoByOne(), 90)
	if b := got.Bounds(); b.Dx() != 1 || b.Dy() != 2 {
		t.Fatalf("rotated bounds = %v, want 1x2", b)
	}
	// Clockwise: the left pixel ends up on top.
	if c := color.NRGBAModel.Convert(got.At(0, 0)); c != red {
		t.Fatalf("top pixel = %v, want red", c)
	}
	if c := color.NRGBAModel.Convert(got.At(0, 1)); c != blue {
		t.Fatalf("bottom pixel = %v, want blue", c)
	}
}

func TestRotate90sNegativeAndFullTurns(t *testing.T) {
	src := twoByOne()
	if got := Rotate90s(src, 0); got != image.Image(src) {
		t.Fatalf("zero rotation should return the source image")
	}
	if got := Rotate90s(src, 360).(*image.NRGBA); got != src {
		t.Fatalf("full turn should return the source image")
	}
	left := Rotate90s(src, -90)
	right := Rotate90s(src, 270)
	if diff := cmp.Diff(left.(*image.NRGBA).Pix, right.(*image.NRGBA).Pix); diff != "" {
		t.Fatalf("-90 and 270 differ (-want +got):\n%s", diff)
	}
	back := Rotate90s(Rotate90s(src, 90), 270).(*image.NRGBA)
	if diff := cmp.Diff(src.Pix, back.Pix); diff != "" {
		t.Fatalf("90 then 270 is not identity (-want +got):\n%s", diff)
	}
}

func TestFitKeepsAspect(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 200))
	got := Fit(img, 110, 230).Bounds()
	if got.Dx() != 110 || got.Dy() != 55 {
		t.Fatalf("fit = %v, want 110x55", got)
	}
	got = FitWidth(image.NewRGBA(image.Rect(0, 0, 1000, 3)), 110).Bounds()
	if got.Dx() != 110 || got.Dy() != 1 {
		t.Fatalf("fit width = %v, want 110x1", got)
	}
}

func TestErrorTileIsVisible(t *testing.T) {
	tile := ErrorTile(120, 80, "Error")
	if tile.Bounds().Dx() != 120 || tile.Bounds().Dy() != 80 {
		t.Fatalf("tile bounds = %v", tile.Bounds())
	}
	if got := tile.RGBAAt(0, 0); got != tileBorder {
		t.Fatalf("border = %v, want %v", got, tileBorder)
	}
	white := 0
	for y := 0; y < 80; y++ {
		for x := 0; x < 120; x++ {
			if tile.RGBAAt(x, y) == (color.RGBA{R: 255, G: 255, B: 255, A: 255}) {
				white++
			}
		}
	}
	if white == 0 {
		t.Fatalf("label was not drawn")
	}
	if tiny := ErrorTile(0, 0, "x"); tiny.Bounds().Dx() != 1 {
		t.Fatalf("degenerate tile should be 1x1")
	}
}

func TestDecode(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "ok.png")
	var buf bytes.Buffer
	if err := png.Encode(&buf, twoByOne()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(good, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	img, err := Decode(good)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 2 {
		t.Fatalf("decoded width = %d", img.Bounds().Dx())
	}

	bad := filepath.Join(dir, "bad.png")
	if err := os.WriteFile(bad, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{bad, filepath.Join(dir, "missing.png")} {
		if _, err := Decode(p); !errors.Is(err, ErrDecode) {
			t.Fatalf("%s: got %v, want ErrDecode", p, err)
		}
	}
}

func TestParseFormatAndEncode(t *testing.T) {
	for in, want := range map[string]Format{"": PNG, "PNG": PNG, "jpeg": JPEG, " jpg ": JPEG} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("gif"); err == nil {
		t.Fatalf("gif should be rejected")
	}
	var buf bytes.Buffer
	if err := Encode(&buf, twoByOne(), JPEG); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	if _, format, err := image.Decode(&buf); err != nil || format != "jpeg" {
		t.Fatalf("round trip: format %q err %v", format, err)
	}
}
