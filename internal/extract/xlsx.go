package extract

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"basepack/internal"
)

var spacesRe = regexp.MustCompile(`\s+`)

// ExtractXLSX parses a spreadsheet picklist. When a header row names
// the sku/qty/size columns those are used directly; otherwise each row
// is joined into a synthetic line and run through the same strategy
// ladder as PDF lines.
func (e *Extractor) ExtractXLSX(content []byte) (Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	var matches []internal.SkuMatch
	lineNo := 0
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		skuIdx, qtyIdx, sizeIdx := -1, -1, -1
		for i, row := range rows {
			cells := normalizeCells(row)
			if len(cells) == 0 {
				continue
			}
			if i < 3 && skuIdx < 0 {
				skuIdx, qtyIdx, sizeIdx = inferColumns(cells)
				if skuIdx >= 0 {
					continue
				}
			}

			lineNo++
			if skuIdx >= 0 {
				if m, ok := rowMatch(cells, skuIdx, qtyIdx, sizeIdx, lineNo); ok {
					matches = append(matches, m)
				}
				continue
			}

			line := internal.Line{Text: strings.Join(cells, " "), Page: 1, Y: float64(lineNo)}
			for _, m := range e.ExtractLines([]internal.Line{line}) {
				m.LineNumber = lineNo
				matches = append(matches, m)
			}
		}
	}

	result := Result{Matches: matches, Pages: 1}
	if len(matches) == 0 {
		result.Comment = "no sku rows found in spreadsheet"
	}
	return result, nil
}

func rowMatch(cells []string, skuIdx, qtyIdx, sizeIdx, lineNo int) (internal.SkuMatch, bool) {
	sku := strings.ToLower(pickCell(cells, skuIdx))
	if sku == "" || pureNumericRe.MatchString(sku) {
		return internal.SkuMatch{}, false
	}

	qty := 1
	if q := pickCell(cells, qtyIdx); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n >= 1 && n <= 999 {
			qty = n
		}
	}

	m := internal.SkuMatch{
		Sku:        sku,
		Quantity:   qty,
		Method:     internal.MethodHeuristic,
		Confidence: 0.8,
		LineNumber: lineNo,
	}
	if size := pickCell(cells, sizeIdx); size != "" && IsSizeLabel(size) {
		label := strings.ToLower(size)
		m.SizeLabel = &label
	} else {
		m.SizeLabel = deriveSizeLabel(sku)
	}
	return m, true
}

func inferColumns(headers []string) (skuIdx, qtyIdx, sizeIdx int) {
	norm := make([]string, 0, len(headers))
	for _, h := range headers {
		norm = append(norm, strings.ToLower(h))
	}
	skuIdx = findHeaderIndex(norm, []string{"sku", "codigo", "código", "design", "ref"})
	qtyIdx = findHeaderIndex(norm, []string{"qty", "qtd", "quant", "unidades"})
	sizeIdx = findHeaderIndex(norm, []string{"size", "tam", "talla"})
	return
}

func findHeaderIndex(headers []string, probes []string) int {
	for i, h := range headers {
		for _, probe := range probes {
			if strings.Contains(h, probe) {
				return i
			}
		}
	}
	return -1
}

func pickCell(cells []string, idx int) string {
	if idx >= 0 && idx < len(cells) {
		return strings.TrimSpace(cells[idx])
	}
	return ""
}

func normalizeCells(row []string) []string {
	out := make([]string, 0, len(row))
	empty := true
	for _, c := range row {
		c = strings.TrimSpace(spacesRe.ReplaceAllString(c, " "))
		if c != "" {
			empty = false
		}
		out = append(out, c)
	}
	if empty {
		return nil
	}
	return out
}
