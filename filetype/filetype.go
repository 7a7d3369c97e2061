// Package filetype classifies input files for the editor: standalone images,
// paginated documents and office documents awaiting conversion.
package filetype

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Kind is the class of an input file.
type Kind int

const (
	Unknown Kind = iota
	Image
	PDF
	Office
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case PDF:
		return "pdf"
	case Office:
		return "office"
	default:
		return "unknown"
	}
}

var byExt = map[string]Kind{
	"png": Image, "jpg": Image, "jpeg": Image, "webp": Image, "bmp": Image,
	"gif": Image, "tif": Image, "tiff": Image,
	"pdf": PDF,
	"doc": Office, "docx": Office, "xls": Office, "xlsx": Office,
	"ppt": Office, "pptx": Office, "odt": Office, "ods": Office, "odp": Office,
}

// Extension returns the lower-cased extension of path without the dot.
func Extension(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// ByExtension classifies path by its name alone.
func ByExtension(path string) Kind { return byExt[Extension(path)] }

// Detect classifies the regular file at path. Images and PDFs must also
// sniff as what their extension claims; office files are trusted by name.
// Missing files and directories are Unknown.
func Detect(path string) Kind {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return Unknown
	}
	k := ByExtension(path)
	if k != Image && k != PDF {
		return k
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return Unknown
	}
	switch {
	case k == PDF && mt.Is("application/pdf"):
		return PDF
	case k == Image && strings.HasPrefix(mt.String(), "image/"):
		return Image
	}
	return Unknown
}

func IsImage(path string) bool  { return Detect(path) == Image }
func IsPDF(path string) bool    { return Detect(path) == PDF }
func IsOffice(path string) bool { return Detect(path) == Office }

// IsSupported reports whether path is an image, PDF or office file.
func IsSupported(path string) bool { return Detect(path) != Unknown }

// ParseURIList extracts local paths from a text/uri-list payload. Blank
// lines, comments and non-file URIs are ignored.
func ParseURIList(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		s := strings.TrimSpace(line)
		if s == "" || strings.HasPrefix(s, "#") || !strings.HasPrefix(s, "file:/") {
			continue
		}
		u, err := url.Parse(s)
		if err != nil || u.Path == "" {
			continue
		}
		if u.Host != "" && u.Host != "localhost" {
			continue
		}
		out = append(out, filepath.FromSlash(u.Path))
	}
	return out
}

// Flatten expands directories one level and keeps only supported files, in
// input order. Missing paths are dropped.
func Flatten(paths []string) []string {
	var out []string
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !st.IsDir() {
			if IsSupported(p) {
				out = append(out, p)
			}
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			continue
		}
		for _, e := range entries {
			child := filepath.Join(p, e.Name())
			if IsSupported(child) {
				out = append(out, child)
			}
		}
	}
	return out
}
