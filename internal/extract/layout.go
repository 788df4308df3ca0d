package extract

import (
	"fmt"
	"regexp"
	"strings"

	"basepack/internal"
)

var maskPlaceholder = regexp.MustCompile(`\{[a-zA-Z0-9_]+\}`)

type compiledLayout struct {
	layout internal.SkuLayout
	re     *regexp.Regexp
}

// compileLayout turns a tenant layout into an anchored regexp. The
// whole candidate token must match: a four-segment layout must never
// claim the first four segments of a five-segment SKU.
func compileLayout(l internal.SkuLayout) (compiledLayout, error) {
	var body string
	switch l.PatternType {
	case "regex":
		body = l.Pattern
	case "mask":
		body = maskToRegex(l.Pattern)
	default:
		return compiledLayout{}, fmt.Errorf("layout %d: unknown pattern type %q", l.ID, l.PatternType)
	}

	if l.AllowHyphenVariants {
		body = strings.ReplaceAll(body, `\-`, `-`)
		body = strings.ReplaceAll(body, "-", "[-_]")
	}

	re, err := regexp.Compile("^(?:" + body + ")$")
	if err != nil {
		return compiledLayout{}, fmt.Errorf("layout %d: %w", l.ID, err)
	}
	return compiledLayout{layout: l, re: re}, nil
}

// maskToRegex escapes literal text and expands {name} placeholders to
// a bounded alphanumeric group.
func maskToRegex(mask string) string {
	var b strings.Builder
	rest := mask
	for {
		loc := maskPlaceholder.FindStringIndex(rest)
		if loc == nil {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		b.WriteString(regexp.QuoteMeta(rest[:loc[0]]))
		b.WriteString(`[a-z0-9]{1,32}`)
		rest = rest[loc[1]:]
	}
	return b.String()
}

func compileLayouts(layouts []internal.SkuLayout) ([]compiledLayout, error) {
	out := make([]compiledLayout, 0, len(layouts))
	for _, l := range layouts {
		cl, err := compileLayout(l)
		if err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, nil
}
