package extract

import (
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// PDF spec default when a page carries no usable MediaBox (US Letter, points).
const (
	defaultPageWidth  = 612.0
	defaultPageHeight = 792.0
)

// PageSource is page-at-a-time access to a parsed PDF. It exists so the
// extraction passes can be tested without crafting real PDF bytes.
type PageSource interface {
	NumPages() int
	PageText(n int) (string, error)
	PageSize(n int) (width, height float64, err error)
}

// OpenFunc parses raw PDF bytes into a PageSource.
type OpenFunc func(r io.ReaderAt, size int64) (PageSource, error)

// OpenPDF is the production OpenFunc.
func OpenPDF(r io.ReaderAt, size int64) (PageSource, error) {
	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("unreadable PDF: %w", err)
	}
	return &pdfSource{reader: reader}, nil
}

// pdfSource wraps the parser. The parser signals malformed content by
// panicking, so every page access runs under a recover.
type pdfSource struct {
	reader *pdf.Reader
}

func (s *pdfSource) NumPages() int {
	return s.reader.NumPage()
}

func (s *pdfSource) PageText(n int) (text string, err error) {
	defer recoverParse(n, &err)

	page := s.reader.Page(n)
	if page.V.IsNull() {
		return "", fmt.Errorf("page %d is missing from the page tree", n)
	}
	return page.GetPlainText(nil)
}

func (s *pdfSource) PageSize(n int) (width, height float64, err error) {
	defer recoverParse(n, &err)

	page := s.reader.Page(n)
	if page.V.IsNull() {
		return defaultPageWidth, defaultPageHeight, nil
	}
	// MediaBox is inheritable; walk up the page tree to find it.
	var box pdf.Value
	for v := page.V; !v.IsNull(); v = v.Key("Parent") {
		if r := v.Key("MediaBox"); !r.IsNull() {
			box = r
			break
		}
	}
	if box.Len() != 4 {
		return defaultPageWidth, defaultPageHeight, nil
	}
	width = box.Index(2).Float64() - box.Index(0).Float64()
	height = box.Index(3).Float64() - box.Index(1).Float64()
	if width <= 0 || height <= 0 {
		return defaultPageWidth, defaultPageHeight, nil
	}
	return width, height, nil
}

func recoverParse(page int, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("malformed content on page %d: %v", page, r)
	}
}
