package compose

import (
	"bytes"
	"io"
	"sync"

	"github.com/wudi/pagedeck/pdfops"
)

// OutputDocument is a composed document held in memory until it is saved,
// printed or closed.
type OutputDocument struct {
	mu     sync.Mutex
	data   []byte
	pages  int
	closed bool
}

func newOutput(data []byte, pages int) *OutputDocument {
	return &OutputDocument{data: data, pages: pages}
}

// PageCount returns the number of output pages.
func (d *OutputDocument) PageCount() int { return d.pages }

// Bytes returns the encoded document.
func (d *OutputDocument) Bytes() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	return d.data, nil
}

// Save writes the document to path. The destination directory must exist.
func (d *OutputDocument) Save(path string) error {
	data, err := d.Bytes()
	if err != nil {
		return err
	}
	return pdfops.WriteFile(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// WriteTo implements io.WriterTo.
func (d *OutputDocument) WriteTo(w io.Writer) (int64, error) {
	data, err := d.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// AsPrintable returns a reader over the document for a print sink.
func (d *OutputDocument) AsPrintable() (io.ReadSeeker, error) {
	data, err := d.Bytes()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// Close releases the document. Closing twice returns ErrClosed.
func (d *OutputDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	d.data = nil
	return nil
}
