package catalog

import "strings"

// ligatures maps the unicode ligature glyphs that PDF extractors emit
// for common letter pairs back to their ASCII expansions.
var ligatures = strings.NewReplacer(
	"ﬂ", "fl", // ﬂ
	"ﬁ", "fi", // ﬁ
	"ﬀ", "ff", // ﬀ
	"ﬄ", "ffl", // ﬄ
	"ﬃ", "ffi", // ﬃ
)

// NormalizeSku collapses a SKU to its canonical comparable form:
// lowercase, ligatures expanded, everything outside [a-z0-9] dropped.
// Every component that touches SKUs goes through this one function,
// so "CAM-001_P FRENTE" and "cam001pfrente" are the same key.
func NormalizeSku(raw string) string {
	lower := strings.ToLower(ligatures.Replace(raw))
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
