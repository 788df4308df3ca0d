package extract

import (
	"regexp"
	"strconv"
	"strings"

	"basepack/internal"
	"basepack/internal/catalog"
)

// LineMatcher is one strategy in the extraction ladder. Strategies are
// tried in order per line; the first non-empty result wins.
type LineMatcher interface {
	Method() internal.ExtractionMethod
	Match(line internal.Line, candidate string) []internal.SkuMatch
}

var (
	fiveSegmentRe = regexp.MustCompile(`^[a-z]+-\d+-\d+-[a-z0-9]+-[a-z0-9]+$`)
	fourSegmentRe = regexp.MustCompile(`^[a-z]+-\d+-\d+-[a-z0-9]+$`)
	genericRe     = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	fragmentRe    = regexp.MustCompile(`[a-zA-Z0-9][a-zA-Z0-9-]{4,}`)
	digitRe       = regexp.MustCompile(`\d`)
	pureNumericRe = regexp.MustCompile(`^\d+$`)
)

// sizeLabels are garment sizes that show up as standalone tokens and
// must never be mistaken for SKUs.
var sizeLabels = map[string]struct{}{
	"pp": {}, "p": {}, "m": {}, "g": {}, "gg": {}, "xgg": {},
	"xs": {}, "s": {}, "l": {}, "xl": {}, "xxl": {}, "xxxl": {},
	"2xl": {}, "3xl": {}, "4xl": {}, "u": {}, "un": {}, "unica": {},
}

func IsSizeLabel(token string) bool {
	_, ok := sizeLabels[strings.ToLower(token)]
	return ok
}

type layoutMatcher struct {
	layouts []compiledLayout
}

func (m layoutMatcher) Method() internal.ExtractionMethod { return internal.MethodLayout }

func (m layoutMatcher) Match(_ internal.Line, candidate string) []internal.SkuMatch {
	for _, cl := range m.layouts {
		if cl.re.MatchString(candidate) {
			id := cl.layout.ID
			return []internal.SkuMatch{{
				Sku:        candidate,
				Method:     internal.MethodLayout,
				Confidence: 0.95,
				LayoutID:   &id,
			}}
		}
	}
	return nil
}

type patternMatcher struct {
	re         *regexp.Regexp
	confidence float64
}

func (m patternMatcher) Method() internal.ExtractionMethod { return internal.MethodRegex }

func (m patternMatcher) Match(_ internal.Line, candidate string) []internal.SkuMatch {
	if !m.re.MatchString(candidate) {
		return nil
	}
	return []internal.SkuMatch{{Sku: candidate, Method: internal.MethodRegex, Confidence: m.confidence}}
}

type genericTokenMatcher struct{}

func (genericTokenMatcher) Method() internal.ExtractionMethod { return internal.MethodHeuristic }

func (genericTokenMatcher) Match(_ internal.Line, candidate string) []internal.SkuMatch {
	if !genericRe.MatchString(candidate) || pureNumericRe.MatchString(candidate) || IsSizeLabel(candidate) {
		return nil
	}
	hasDigit := digitRe.MatchString(candidate)
	if !(len(candidate) >= 3 && hasDigit) && len(candidate) < 4 {
		return nil
	}
	return []internal.SkuMatch{{Sku: candidate, Method: internal.MethodHeuristic, Confidence: 0.6}}
}

type skuKeywordMatcher struct{}

func (skuKeywordMatcher) Method() internal.ExtractionMethod { return internal.MethodHeuristic }

func (skuKeywordMatcher) Match(line internal.Line, _ string) []internal.SkuMatch {
	lower := strings.ToLower(line.Text)
	idx := strings.Index(lower, "sku:")
	if idx < 0 {
		return nil
	}
	tail := strings.Fields(lower[idx+len("sku:"):])
	for _, token := range tail {
		token = strings.Trim(token, ".,;")
		if token == "" || pureNumericRe.MatchString(token) {
			continue
		}
		return []internal.SkuMatch{{Sku: token, Method: internal.MethodHeuristic, Confidence: 0.7}}
	}
	return nil
}

// fuzzyFragmentMatcher compares 5+-char fragments of the line against
// the tenant catalog. It is the only strategy that may emit more than
// one match per line.
type fuzzyFragmentMatcher struct {
	catalogSkus []string
	threshold   float64
}

func (fuzzyFragmentMatcher) Method() internal.ExtractionMethod { return internal.MethodFuzzy }

func (m fuzzyFragmentMatcher) Match(line internal.Line, _ string) []internal.SkuMatch {
	if len(m.catalogSkus) == 0 {
		return nil
	}
	var out []internal.SkuMatch
	for _, fragment := range fragmentRe.FindAllString(line.Text, -1) {
		norm := catalog.NormalizeSku(fragment)
		if norm == "" {
			continue
		}
		best := 0.0
		for _, sku := range m.catalogSkus {
			if score := ratio(norm, sku); score > best {
				best = score
			}
		}
		if best >= m.threshold {
			out = append(out, internal.SkuMatch{
				Sku:        strings.ToLower(fragment),
				Method:     internal.MethodFuzzy,
				Confidence: best,
			})
		}
	}
	return out
}

type firstTokenMatcher struct{}

func (firstTokenMatcher) Method() internal.ExtractionMethod { return internal.MethodFirstToken }

func (firstTokenMatcher) Match(_ internal.Line, candidate string) []internal.SkuMatch {
	if len(candidate) < 2 || !genericRe.MatchString(candidate) || pureNumericRe.MatchString(candidate) {
		return nil
	}
	return []internal.SkuMatch{{Sku: candidate, Method: internal.MethodFirstToken, Confidence: 0.3}}
}

// parseQuantity returns the last standalone integer between 1 and 999
// after the matched token on the same line, defaulting to 1.
func parseQuantity(lineText, matchedSku string) int {
	lower := strings.ToLower(lineText)
	idx := strings.Index(lower, strings.ToLower(matchedSku))
	tail := lower
	if idx >= 0 {
		tail = lower[idx+len(matchedSku):]
	}

	qty := 1
	for _, token := range strings.Fields(tail) {
		n, err := strconv.Atoi(token)
		if err != nil {
			continue
		}
		if n >= 1 && n <= 999 {
			qty = n
		}
	}
	return qty
}

// pruneLineMatches drops a match when another match on the same line
// strictly extends it (starts with it, at most 3 chars longer). That
// keeps overlapping strategies from double-counting partial captures.
func pruneLineMatches(matches []internal.SkuMatch) []internal.SkuMatch {
	out := make([]internal.SkuMatch, 0, len(matches))
	for i, m := range matches {
		extended := false
		for j, other := range matches {
			if i == j {
				continue
			}
			if len(other.Sku) > len(m.Sku) &&
				len(other.Sku)-len(m.Sku) <= 3 &&
				strings.HasPrefix(other.Sku, m.Sku) {
				extended = true
				break
			}
		}
		if !extended {
			out = append(out, m)
		}
	}
	return out
}

// deriveSizeLabel reads a trailing size segment off a hyphenated SKU,
// e.g. "bl-7-4-butterfly-p" carries size "p".
func deriveSizeLabel(sku string) *string {
	parts := strings.Split(sku, "-")
	if len(parts) < 2 {
		return nil
	}
	last := parts[len(parts)-1]
	if IsSizeLabel(last) {
		label := strings.ToLower(last)
		return &label
	}
	return nil
}
