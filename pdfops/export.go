package pdfops

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/wudi/pagedeck/docsource"
	"github.com/wudi/pagedeck/raster"
)

// EntryName is the archive entry name of page (zero-based) of the document
// at docPath.
func EntryName(docPath string, page int, f raster.Format) string {
	base := filepath.Base(docPath)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return fmt.Sprintf("%s_page_%03d.%s", base, page+1, f)
}

// ExportImages renders every page of h at dpi and writes them, encoded as f,
// into a ZIP archive at zipOut. It returns the number of pages written.
func ExportImages(ctx context.Context, h docsource.Handle, zipOut string, f raster.Format, dpi int) (int, error) {
	if _, err := raster.ParseFormat(string(f)); err != nil {
		return 0, err
	}
	if err := CheckParentDir(zipOut); err != nil {
		return 0, err
	}
	n := h.PageCount()
	encoded := make([][]byte, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for p := 0; p < n; p++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := h.RenderPage(p, dpi)
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := raster.Encode(&buf, img, f); err != nil {
				return fmt.Errorf("pdfops: encode page %d: %w", p+1, err)
			}
			encoded[p] = buf.Bytes()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	err := WriteFile(zipOut, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		for p, data := range encoded {
			ew, err := zw.Create(EntryName(h.Path(), p, f))
			if err != nil {
				return err
			}
			if _, err := ew.Write(data); err != nil {
				return err
			}
		}
		return zw.Close()
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
