package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"basepack/internal"
)

// ExtractHTML parses an HTML-table picklist, as sent inline by some
// storefront order emails. Header cells pick the sku/qty/size columns;
// tables without a recognizable header row fall back to the strategy
// ladder per row.
func (e *Extractor) ExtractHTML(html string) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Result{}, err
	}

	var matches []internal.SkuMatch
	lineNo := 0
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		rows := table.Find("tr")
		if rows.Length() < 2 {
			return
		}

		var headers []string
		rows.First().Find("th,td").Each(func(_ int, cell *goquery.Selection) {
			headers = append(headers, strings.ToLower(strings.TrimSpace(cell.Text())))
		})
		skuIdx, qtyIdx, sizeIdx := inferColumns(headers)

		start := 0
		if skuIdx >= 0 {
			start = 1
		}
		rows.Slice(start, rows.Length()).Each(func(_ int, row *goquery.Selection) {
			var cells []string
			row.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, strings.TrimSpace(spacesRe.ReplaceAllString(cell.Text(), " ")))
			})
			cells = normalizeCells(cells)
			if len(cells) == 0 {
				return
			}

			lineNo++
			if skuIdx >= 0 {
				if m, ok := rowMatch(cells, skuIdx, qtyIdx, sizeIdx, lineNo); ok {
					matches = append(matches, m)
				}
				return
			}

			line := internal.Line{Text: strings.Join(cells, " "), Page: 1, Y: float64(lineNo)}
			for _, m := range e.ExtractLines([]internal.Line{line}) {
				m.LineNumber = lineNo
				matches = append(matches, m)
			}
		})
	})

	result := Result{Matches: matches, Pages: 1}
	if len(matches) == 0 {
		result.Comment = "no sku rows found in html tables"
	}
	return result, nil
}
