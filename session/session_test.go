package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pagedeck/docsource"
	"github.com/wudi/pagedeck/docsource/docsourcetest"
	"github.com/wudi/pagedeck/pdfops"
	"github.com/wudi/pagedeck/raster"
	"github.com/wudi/pagedeck/sequence"
)

// fakeOpener opens real PDF files as fakes sized like the file's pages.
type fakeOpener struct {
	opened []*docsourcetest.Fake
}

func (o *fakeOpener) Open(path string) (docsource.Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(docsource.ErrOpen, err)
	}
	dims, err := pdfops.PageSizes(data)
	if err != nil {
		return nil, errors.Join(docsource.ErrOpen, err)
	}
	sizes := make([]docsource.Size, len(dims))
	for i, d := range dims {
		sizes[i] = docsource.Size{Width: d.Width, Height: d.Height}
	}
	f, err := docsourcetest.NewFile(path, sizes...)
	if err != nil {
		return nil, errors.Join(docsource.ErrOpen, err)
	}
	o.opened = append(o.opened, f)
	return f, nil
}

func newSession(t *testing.T) (*Session, *fakeOpener) {
	t.Helper()
	op := &fakeOpener{}
	s, err := New(DefaultOptions(op))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, op
}

func settle(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Scheduler().Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler still busy")
		}
		time.Sleep(time.Millisecond)
	}
	s.Scheduler().Drain()
}

func writePDF(t *testing.T, dir, name string, widths ...int) string {
	t.Helper()
	var pages [][]byte
	for _, w := range widths {
		p, err := pdfops.ImagePage(image.NewRGBA(image.Rect(0, 0, w, 100)), 0)
		if err != nil {
			t.Fatal(err)
		}
		pages = append(pages, p)
	}
	doc, err := pdfops.Merge(pages)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func sizesOf(t *testing.T, path string) [][2]int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	dims, err := pdfops.PageSizes(data)
	if err != nil {
		t.Fatal(err)
	}
	var out [][2]int
	for _, d := range dims {
		out = append(out, [2]int{int(d.Width + 0.5), int(d.Height + 0.5)})
	}
	return out
}

func TestOpenReusesHandle(t *testing.T) {
	dir := t.TempDir()
	s, op := newSession(t)
	a := writePDF(t, dir, "a.pdf", 100, 200)

	h1, err := s.Open(a)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s.Open(a)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 || len(op.opened) != 1 {
		t.Fatalf("document opened %d times", len(op.opened))
	}
	if _, err := s.Open(filepath.Join(dir, "missing.pdf")); !errors.Is(err, docsource.ErrOpen) {
		t.Fatalf("missing file: got %v", err)
	}
}

func TestSaveMixedSequence(t *testing.T) {
	dir := t.TempDir()
	s, _ := newSession(t)
	a := writePDF(t, dir, "a.pdf", 100, 200)
	img := writePNG(t, dir, "x.png", 40, 80)

	refs, err := s.AddDocument(a)
	if err != nil || len(refs) != 2 {
		t.Fatalf("add document: %v, %d refs", err, len(refs))
	}
	if err := s.Sequence().InsertAt(1, sequence.NewImageRef(img, 90)); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "out.pdf")
	rep, err := s.Save(context.Background(), out)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rep.Pages != 3 || len(rep.Skipped) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if diff := cmp.Diff([][2]int{{100, 100}, {80, 40}, {200, 100}}, sizesOf(t, out)); diff != "" {
		t.Fatalf("page sizes (-want +got):\n%s", diff)
	}

	if _, err := s.Save(context.Background(), filepath.Join(dir, "no", "out.pdf")); !errors.Is(err, pdfops.ErrNoParentDir) {
		t.Fatalf("save into missing dir: got %v", err)
	}
}

func TestAddFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := newSession(t)
	inbox := filepath.Join(dir, "inbox")
	if err := os.Mkdir(inbox, 0o755); err != nil {
		t.Fatal(err)
	}
	writePDF(t, inbox, "a.pdf", 100, 100, 100)
	writePNG(t, inbox, "b.png", 10, 10)
	if err := os.WriteFile(filepath.Join(inbox, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sheet := filepath.Join(dir, "sheet.xlsx")
	if err := os.WriteFile(sheet, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := s.AddFiles(inbox, sheet)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("office file: got %v", err)
	}
	if n != 4 || s.Sequence().Len() != 4 {
		t.Fatalf("added %d items, sequence has %d", n, s.Sequence().Len())
	}
	if _, ok := mustAt(t, s, 3).(sequence.ImageRef); !ok {
		t.Fatalf("last item is not the image")
	}
}

func mustAt(t *testing.T, s *Session, i int) sequence.Item {
	t.Helper()
	it, ok := s.Sequence().At(i)
	if !ok {
		t.Fatalf("no item %d", i)
	}
	return it
}

func TestPrint(t *testing.T) {
	dir := t.TempDir()
	s, _ := newSession(t)
	if _, err := s.AddDocument(writePDF(t, dir, "a.pdf", 100, 100)); err != nil {
		t.Fatal(err)
	}
	var got []byte
	var pages int
	_, err := s.Print(context.Background(), PrintFunc(func(doc io.ReadSeeker, n int) error {
		pages = n
		var err error
		got, err = io.ReadAll(doc)
		return err
	}))
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	if pages != 2 || !bytes.HasPrefix(got, []byte("%PDF-")) {
		t.Fatalf("sink got %d pages, %d bytes", pages, len(got))
	}
}

func TestItemThumbnails(t *testing.T) {
	dir := t.TempDir()
	s, op := newSession(t)
	if _, err := s.AddDocument(writePDF(t, dir, "a.pdf", 144, 72)); err != nil {
		t.Fatal(err)
	}
	s.Sequence().Append(
		sequence.NewImageRef(writePNG(t, dir, "tall.png", 40, 80), 90),
		sequence.NewImageRef(filepath.Join(dir, "gone.png"), 0),
	)

	type result struct {
		size [2]int
		err  error
	}
	got := make(map[int]result)
	for i := 0; i < s.Sequence().Len(); i++ {
		if _, ok := s.ItemThumbnail(i, func(img image.Image, err error) {
			got[i] = result{[2]int{img.Bounds().Dx(), img.Bounds().Dy()}, err}
		}); ok {
			t.Fatalf("item %d: cold thumbnail reported a hit", i)
		}
	}
	settle(t, s)

	want := map[int][2]int{0: {110, 55}, 1: {110, 55}, 2: {110, 110}}
	for i, size := range want {
		if got[i].size != size {
			t.Errorf("item %d: size %v, want %v", i, got[i].size, size)
		}
	}
	if got[0].err != nil || got[1].err != nil || !errors.Is(got[2].err, raster.ErrDecode) {
		t.Fatalf("errors = %v %v %v", got[0].err, got[1].err, got[2].err)
	}
	if op.opened[0].Renders(0, 64) != 1 {
		t.Fatalf("page thumbnail not rendered at 64 dpi")
	}
	// Thumbnail renders are off the DPI buckets and stay out of the full tier.
	if n := s.Cache().Stats().Entries; n != 0 {
		t.Fatalf("thumbnails left %d full-resolution entries", n)
	}
	for _, i := range []int{0, 1} {
		if _, ok := s.ItemThumbnail(i, nil); !ok {
			t.Fatalf("item %d: warm thumbnail missed", i)
		}
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	dir := t.TempDir()
	s, op := newSession(t)
	if _, err := s.AddDocument(writePDF(t, dir, "a.pdf", 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddDocument(writePDF(t, dir, "b.pdf", 100)); err != nil {
		t.Fatal(err)
	}
	// Removing items leaves their document open.
	if err := s.Sequence().Remove(0); err != nil {
		t.Fatal(err)
	}
	if op.opened[0].Closed() {
		t.Fatalf("removing an item closed its document")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for i, f := range op.opened {
		if !f.Closed() {
			t.Fatalf("document %d left open", i)
		}
	}
	if err := s.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second close: got %v", err)
	}
	if _, _, err := s.Compose(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("compose after close: got %v", err)
	}
	if _, err := s.Open(filepath.Join(dir, "a.pdf")); !errors.Is(err, ErrClosed) {
		t.Fatalf("open after close: got %v", err)
	}
}
