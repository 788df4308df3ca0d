package extract

import (
	"log/slog"
	"strings"

	"basepack/internal"
	"basepack/internal/catalog"
)

// Result is the full outcome of one picklist extraction. Zero matches
// with a comment is a valid result; the pipeline decides what a parse
// failure means.
type Result struct {
	Matches []internal.SkuMatch
	Pages   int
	Comment string
}

type Extractor struct {
	log        *slog.Logger
	yTolerance float64
	matchers   []LineMatcher
}

// New builds the extraction ladder: tenant layouts first, then the
// built-in patterns, heuristics, fuzzy catalog matching, and the
// first-token fallback.
func New(log *slog.Logger, yTolerance, fuzzyThreshold float64, layouts []internal.SkuLayout, catalogSkus []string) (*Extractor, error) {
	compiled, err := compileLayouts(layouts)
	if err != nil {
		return nil, err
	}
	if yTolerance <= 0 {
		yTolerance = 1.5
	}
	if fuzzyThreshold <= 0 {
		fuzzyThreshold = 0.75
	}

	return &Extractor{
		log:        log,
		yTolerance: yTolerance,
		matchers: []LineMatcher{
			layoutMatcher{layouts: compiled},
			patternMatcher{re: fiveSegmentRe, confidence: 0.9},
			patternMatcher{re: fourSegmentRe, confidence: 0.85},
			genericTokenMatcher{},
			skuKeywordMatcher{},
			fuzzyFragmentMatcher{catalogSkus: catalogSkus, threshold: fuzzyThreshold},
			firstTokenMatcher{},
		},
	}, nil
}

func (e *Extractor) ExtractPDF(data []byte) (Result, error) {
	words, pages, err := WordsFromPDF(data)
	if err != nil {
		return Result{}, err
	}
	if len(words) == 0 {
		return Result{Pages: pages, Comment: "no text extracted from picklist"}, nil
	}

	lines := BuildLines(words, e.yTolerance)
	matches := e.ExtractLines(lines)
	result := Result{Matches: matches, Pages: pages}
	if len(matches) == 0 {
		result.Comment = "no sku tokens matched on any line"
	}
	return result, nil
}

// ExtractLines runs the strategy ladder over already-ordered lines.
// Exposed separately so XLSX/HTML picklists and tests share the same
// matching path.
func (e *Extractor) ExtractLines(lines []internal.Line) []internal.SkuMatch {
	var out []internal.SkuMatch
	for lineIdx, line := range lines {
		fields := strings.Fields(line.Text)
		if len(fields) == 0 {
			continue
		}
		candidate := strings.ToLower(fields[0])
		if catalog.NormalizeSku(candidate) == "picklist" {
			continue
		}

		var matches []internal.SkuMatch
		for _, m := range e.matchers {
			if matches = m.Match(line, candidate); len(matches) > 0 {
				break
			}
		}
		if len(matches) == 0 {
			continue
		}

		matches = pruneLineMatches(matches)
		for i := range matches {
			matches[i].LineNumber = lineIdx + 1
			matches[i].Quantity = parseQuantity(line.Text, matches[i].Sku)
			if matches[i].SizeLabel == nil {
				matches[i].SizeLabel = deriveSizeLabel(matches[i].Sku)
			}
		}
		if e.log != nil {
			for _, m := range matches {
				e.log.Debug("extracted sku",
					"sku", m.Sku, "method", string(m.Method), "qty", m.Quantity, "line", m.LineNumber)
			}
		}
		out = append(out, matches...)
	}
	return out
}
