package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"basepack/internal"
)

const defaultPageHeight = 842 // A4 in points

// WordsFromPDF extracts word tokens with per-page coordinates. Glyph
// runs from the content stream are merged into words when they sit on
// the same baseline with only a small horizontal gap. Y is flipped to
// top-down orientation so ascending (page, y) equals reading order.
func WordsFromPDF(data []byte) ([]internal.Word, int, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, 0, fmt.Errorf("open pdf: %w", err)
	}

	pages := reader.NumPage()
	var words []internal.Word
	for pageNum := 1; pageNum <= pages; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		height := mediaBoxHeight(page)
		words = append(words, pageWords(page.Content().Text, height, pageNum)...)
	}
	return words, pages, nil
}

func mediaBoxHeight(page pdf.Page) float64 {
	defer func() { _ = recover() }()
	box := page.V.Key("MediaBox")
	if box.Kind() != pdf.Array || box.Len() != 4 {
		return defaultPageHeight
	}
	lly := box.Index(1).Float64()
	ury := box.Index(3).Float64()
	if ury > lly {
		return ury - lly
	}
	return defaultPageHeight
}

// pageWords merges glyph runs into words. A run continues the current
// word when it shares the baseline and starts within a third of the
// font size of the previous run's right edge.
func pageWords(texts []pdf.Text, pageHeight float64, pageNum int) []internal.Word {
	var out []internal.Word
	var cur *internal.Word
	var curEnd float64

	flush := func() {
		if cur != nil && strings.TrimSpace(cur.Text) != "" {
			cur.Text = strings.TrimSpace(cur.Text)
			out = append(out, *cur)
		}
		cur = nil
	}

	for _, t := range texts {
		if strings.TrimSpace(t.S) == "" {
			flush()
			continue
		}

		gap := t.FontSize * 0.3
		if gap < 1 {
			gap = 1
		}

		yTop := pageHeight - t.Y - t.FontSize
		if cur != nil && sameBaseline(cur.Y0, yTop) && t.X-curEnd <= gap && t.X >= cur.X0 {
			cur.Text += t.S
			cur.X1 = t.X + t.W
			curEnd = cur.X1
			continue
		}

		flush()
		cur = &internal.Word{
			Text: t.S,
			X0:   t.X,
			Y0:   yTop,
			X1:   t.X + t.W,
			Y1:   yTop + t.FontSize,
			Page: pageNum,
		}
		curEnd = cur.X1
	}
	flush()

	return out
}

func sameBaseline(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 0.5
}
