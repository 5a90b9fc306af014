package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"medrag/types"
)

// PDFParser turns every page of a PDF into one unit. When CropTop or
// CropBottom are set, headers and footers are cut off a temporary copy first.
type PDFParser struct {
	CropTop    float64
	CropBottom float64
}

func (p *PDFParser) Format() string { return "pdf" }

func (p *PDFParser) Parse(ctx context.Context, path string) ([]types.Unit, error) {
	if p.CropTop > 0 || p.CropBottom > 0 {
		cropped, cleanup, err := cropToTemp(path, p.CropTop, p.CropBottom)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		path = cropped
	}
	return readPDFPages(ctx, path)
}

func cropToTemp(path string, top, bottom float64) (string, func(), error) {
	tmp, err := os.CreateTemp("", "medrag-*"+filepath.Ext(path))
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	tmp.Close()
	cleanup := func() { os.Remove(tmp.Name()) }

	if err := RemoveHeaderFooterCrop(path, tmp.Name(), top, bottom); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("%w: %w", types.ErrUnsupportedFormat, err)
	}
	return tmp.Name(), cleanup, nil
}

// readPDFPages keeps empty pages so unit indexes match page numbers (0-based).
func readPDFPages(ctx context.Context, path string) (units []types.Unit, err error) {
	// the pdf package panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			units, err = nil, fmt.Errorf("%w: parse %s: %v", types.ErrUnsupportedFormat, path, r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", types.ErrUnsupportedFormat, path, err)
	}
	defer f.Close()

	pageCount := reader.NumPage()
	units = make([]types.Unit, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		unit := types.Unit{Index: i - 1}
		if !page.V.IsNull() {
			text, err := page.GetPlainText(nil)
			if err != nil {
				return nil, fmt.Errorf("%w: page %d of %s: %w", types.ErrUnsupportedFormat, i, path, err)
			}
			unit.Text = strings.TrimSpace(text)
		}
		units = append(units, unit)
	}
	return units, nil
}

// TextParser reads a UTF-8 file as a single unit.
type TextParser struct {
	format string
}

func (p TextParser) Format() string { return p.format }

func (p TextParser) Parse(ctx context.Context, path string) ([]types.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", types.ErrUnsupportedFormat, path)
	}
	return []types.Unit{{Index: 0, Text: string(data)}}, nil
}
