package pdfops

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/wudi/pagedeck/docsource"
	"github.com/wudi/pagedeck/docsource/docsourcetest"
	"github.com/wudi/pagedeck/raster"
	"github.com/wudi/pagedeck/rotation"
)

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 40, G: 90, B: 200, A: 255}), image.Point{}, draw.Src)
	return img
}

// makeDoc builds a document with one page per width; page i is widths[i]
// points wide and 100 points tall.
func makeDoc(t *testing.T, widths ...int) []byte {
	t.Helper()
	var pages [][]byte
	for _, w := range widths {
		p, err := ImagePage(solid(w, 100), 0)
		if err != nil {
			t.Fatalf("image page: %v", err)
		}
		pages = append(pages, p)
	}
	doc, err := Merge(pages)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	return doc
}

func writeDoc(t *testing.T, dir, name string, widths ...int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, makeDoc(t, widths...), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func widthsOf(t *testing.T, doc []byte) []int {
	t.Helper()
	dims, err := PageSizes(doc)
	if err != nil {
		t.Fatalf("page sizes: %v", err)
	}
	var out []int
	for _, d := range dims {
		out = append(out, int(d.Width+0.5))
	}
	return out
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// rotations reads the /Rotate entry of every page.
func rotations(t *testing.T, doc []byte) []int {
	t.Helper()
	n, err := PageCount(doc)
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := api.ReadContext(bytes.NewReader(doc), Configuration())
	if err != nil {
		t.Fatalf("read context: %v", err)
	}
	out := make([]int, n)
	for i := range out {
		d, _, _, err := ctx.PageDict(i+1, false)
		if err != nil {
			t.Fatalf("page dict %d: %v", i+1, err)
		}
		if o, found := d.Find("Rotate"); found {
			if v, ok := o.(types.Integer); ok {
				out[i] = int(v)
			}
		}
	}
	return out
}

func TestImagePageMatchesPixelSize(t *testing.T) {
	for _, margin := range []float64{0, 0.05} {
		doc, err := ImagePage(solid(40, 80), margin)
		if err != nil {
			t.Fatalf("margin %v: %v", margin, err)
		}
		dims, err := PageSizes(doc)
		if err != nil {
			t.Fatal(err)
		}
		want := []types.Dim{{Width: 40, Height: 80}}
		if diff := cmp.Diff(want, dims); diff != "" {
			t.Fatalf("margin %v: dims (-want +got):\n%s", margin, diff)
		}
	}
}

func TestCollectPagesKeepsGivenOrder(t *testing.T) {
	src := makeDoc(t, 100, 200, 300)
	doc, err := CollectPages(src, []int{2, 0, 2})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if diff := cmp.Diff([]int{300, 100, 300}, widthsOf(t, doc)); diff != "" {
		t.Fatalf("widths (-want +got):\n%s", diff)
	}
	if _, err := CollectPages(src, nil); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("empty selection: got %v", err)
	}
}

func TestRotatePagesIsRelative(t *testing.T) {
	src := makeDoc(t, 100, 200, 300)
	doc, err := RotatePages(src, 90, []int{0, 2})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	doc, err = RotatePages(doc, 180, []int{2})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if diff := cmp.Diff([]int{90, 0, 270}, rotations(t, doc)); diff != "" {
		t.Fatalf("rotations (-want +got):\n%s", diff)
	}
	same, err := RotatePages(src, 360, []int{0})
	if err != nil || !bytes.Equal(same, src) {
		t.Fatalf("full turn should return the input unchanged")
	}
}

func TestMergeFilesAndSplit(t *testing.T) {
	dir := t.TempDir()
	a := writeDoc(t, dir, "a.pdf", 100, 200)
	b := writeDoc(t, dir, "b.pdf", 300)
	merged := filepath.Join(dir, "merged.pdf")
	if err := MergeFiles(context.Background(), []string{a, b}, merged); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if diff := cmp.Diff([]int{100, 200, 300}, widthsOf(t, readFile(t, merged))); diff != "" {
		t.Fatalf("merged widths (-want +got):\n%s", diff)
	}

	part := filepath.Join(dir, "part.pdf")
	n, err := SplitRange(merged, part, 2, 99)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if n != 2 {
		t.Fatalf("split wrote %d pages, want 2", n)
	}
	if diff := cmp.Diff([]int{200, 300}, widthsOf(t, readFile(t, part))); diff != "" {
		t.Fatalf("split widths (-want +got):\n%s", diff)
	}

	for _, r := range [][2]int{{0, 2}, {3, 2}, {4, 9}} {
		if _, err := SplitRange(merged, part, r[0], r[1]); !errors.Is(err, ErrInvalidRange) {
			t.Fatalf("range %v: got %v, want ErrInvalidRange", r, err)
		}
	}
	if err := MergeFiles(context.Background(), nil, merged); !errors.Is(err, ErrNoInput) {
		t.Fatalf("no inputs: got %v", err)
	}
}

func TestMissingParentDir(t *testing.T) {
	dir := t.TempDir()
	a := writeDoc(t, dir, "a.pdf", 100)
	out := filepath.Join(dir, "missing", "out.pdf")
	checks := map[string]error{
		"merge":     MergeFiles(context.Background(), []string{a}, out),
		"rotate":    RotateRange(a, out, 90, 1, 1),
		"watermark": WatermarkText(a, out, DefaultWatermark("DRAFT")),
	}
	if _, err := SplitRange(a, out, 1, 1); !errors.Is(err, ErrNoParentDir) {
		t.Fatalf("split: got %v", err)
	}
	for name, err := range checks {
		if !errors.Is(err, ErrNoParentDir) {
			t.Fatalf("%s: got %v, want ErrNoParentDir", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "missing")); !os.IsNotExist(err) {
		t.Fatalf("destination directory was created")
	}
}

func TestRotateOverlayAndRange(t *testing.T) {
	dir := t.TempDir()
	in := writeDoc(t, dir, "in.pdf", 100, 200, 300, 400)

	o := rotation.NewOverlay()
	o.SetAbsolute(0, 90)
	o.SetAbsolute(3, 270)
	out := filepath.Join(dir, "overlay.pdf")
	if err := RotateOverlay(in, out, o); err != nil {
		t.Fatalf("rotate overlay: %v", err)
	}
	if diff := cmp.Diff([]int{90, 0, 0, 270}, rotations(t, readFile(t, out))); diff != "" {
		t.Fatalf("overlay rotations (-want +got):\n%s", diff)
	}

	ranged := filepath.Join(dir, "range.pdf")
	if err := RotateRange(out, ranged, -90, 0, 2); err != nil {
		t.Fatalf("rotate range: %v", err)
	}
	if diff := cmp.Diff([]int{0, 270, 0, 270}, rotations(t, readFile(t, ranged))); diff != "" {
		t.Fatalf("range rotations (-want +got):\n%s", diff)
	}
}

func TestWatermarkText(t *testing.T) {
	dir := t.TempDir()
	in := writeDoc(t, dir, "in.pdf", 300, 300)
	out := filepath.Join(dir, "wm.pdf")
	opts := DefaultWatermark("CONFIDENTIAL")
	opts.From, opts.To = 2, 10
	if err := WatermarkText(in, out, opts); err != nil {
		t.Fatalf("watermark: %v", err)
	}
	doc := readFile(t, out)
	if bytes.Equal(doc, readFile(t, in)) {
		t.Fatalf("watermark did not change the document")
	}
	if n, err := PageCount(doc); err != nil || n != 2 {
		t.Fatalf("page count = %d, %v", n, err)
	}
	if err := WatermarkText(in, out, DefaultWatermark("  ")); err == nil {
		t.Fatalf("blank text accepted")
	}
}

func TestWatermarkDescription(t *testing.T) {
	got := DefaultWatermark("X").description()
	want := "fontname:Helvetica-Bold, points:48, rotation:45, opacity:0.2, fillcolor:#C8C8C8, scalefactor:1 abs, position:c"
	if got != want {
		t.Fatalf("description:\n got %s\nwant %s", got, want)
	}
}

func TestImagesToPDF(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, w := range []int{30, 60} {
		p := filepath.Join(dir, string(rune('a'+i))+".png")
		var buf bytes.Buffer
		if err := png.Encode(&buf, solid(w, 20)); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	out := filepath.Join(dir, "images.pdf")
	if err := ImagesToPDF(context.Background(), paths, out); err != nil {
		t.Fatalf("images to pdf: %v", err)
	}
	if diff := cmp.Diff([]int{30, 60}, widthsOf(t, readFile(t, out))); diff != "" {
		t.Fatalf("widths (-want +got):\n%s", diff)
	}

	bad := filepath.Join(dir, "bad.png")
	if err := os.WriteFile(bad, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := ImagesToPDF(context.Background(), append(paths, bad), out)
	if !errors.Is(err, raster.ErrDecode) {
		t.Fatalf("bad image: got %v, want ErrDecode", err)
	}
}

func TestExportImages(t *testing.T) {
	dir := t.TempDir()
	h := docsourcetest.NewWithSizes("report.pdf",
		docsource.Size{Width: 72, Height: 72},
		docsource.Size{Width: 144, Height: 72},
	)
	out := filepath.Join(dir, "pages.zip")
	n, err := ExportImages(context.Background(), h, out, raster.JPEG, 72)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 2 {
		t.Fatalf("exported %d pages", n)
	}
	zr, err := zip.OpenReader(out)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	var names []string
	var widths []int
	for _, f := range zr.File {
		names = append(names, f.Name)
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		cfg, format, err := image.DecodeConfig(rc)
		rc.Close()
		if err != nil || format != "jpeg" {
			t.Fatalf("%s: format %q err %v", f.Name, format, err)
		}
		widths = append(widths, cfg.Width)
	}
	if diff := cmp.Diff([]string{"report_page_001.jpg", "report_page_002.jpg"}, names); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{72, 144}, widths); diff != "" {
		t.Fatalf("widths (-want +got):\n%s", diff)
	}

	h.FailPage(1, errors.New("broken page"))
	if _, err := ExportImages(context.Background(), h, filepath.Join(dir, "again.zip"), raster.PNG, 72); !errors.Is(err, docsource.ErrRender) {
		t.Fatalf("failed page: got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "again.zip")); !os.IsNotExist(err) {
		t.Fatalf("partial archive left behind")
	}
}
