package sizing

import (
	"fmt"
	"sort"
	"strings"

	"basepack/internal"
	"basepack/internal/catalog"
	"basepack/internal/imagemeta"
)

const (
	fallbackWidthMM = 100
	sideMarginMM    = 20
)

// ItemSize is the sizing outcome for one job item. Invalid items carry
// the reason and are excluded from packing.
type ItemSize struct {
	WidthMM  float64
	HeightMM float64
	Scaled   bool
	Invalid  bool
	Reason   string
	Match    internal.ProfileMatch
	Warnings []string
}

// Engine computes physical print dimensions from asset pixel data and
// tenant sizing profiles.
type Engine struct {
	machine  internal.Machine
	profiles []internal.SizingProfile
	defaults *internal.SizingProfile
}

func NewEngine(machine internal.Machine, profiles []internal.SizingProfile) *Engine {
	e := &Engine{machine: machine}
	for i := range profiles {
		p := profiles[i]
		if p.IsDefault && e.defaults == nil {
			e.defaults = &p
		}
		e.profiles = append(e.profiles, p)
	}
	// Longest prefix first so the most specific profile wins.
	sort.SliceStable(e.profiles, func(i, j int) bool {
		return prefixLen(e.profiles[i]) > prefixLen(e.profiles[j])
	})
	return e
}

func prefixLen(p internal.SizingProfile) int {
	if p.SkuPrefix == nil {
		return 0
	}
	return len(catalog.NormalizeSku(*p.SkuPrefix))
}

// Size validates the asset and computes final dimensions. Format and
// pixel checks block; a DPI below the machine minimum only warns.
func (e *Engine) Size(sku string, sizeLabel *string, meta internal.AssetMeta) ItemSize {
	if !imagemeta.IsRasterFormat(meta.Format) {
		return ItemSize{Invalid: true, Reason: fmt.Sprintf("unsupported format %q", meta.Format)}
	}
	if meta.WidthPx <= 0 || meta.HeightPx <= 0 {
		return ItemSize{Invalid: true, Reason: fmt.Sprintf("missing pixel dimensions (%dx%d)", meta.WidthPx, meta.HeightPx)}
	}

	out := ItemSize{Match: e.matchProfile(sku, sizeLabel)}
	if e.machine.MinDPI > 0 && meta.DPI > 0 && meta.DPI < e.machine.MinDPI {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("%s: dpi %d below machine minimum %d", sku, meta.DPI, e.machine.MinDPI))
	}

	width := *out.Match.TargetWidthMM
	height := width * float64(meta.HeightPx) / float64(meta.WidthPx)

	usable := e.machine.MaxWidthMM - 2*sideMarginMM
	if usable > 0 && width > usable {
		scale := usable / width
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"%s: scaled down from %.1fmm to %.1fmm (%.0f%%) to fit machine width",
			sku, width, usable, scale*100))
		width = usable
		height *= scale
		out.Scaled = true
	}

	out.WidthMM = width
	out.HeightMM = height
	return out
}

// matchProfile applies precedence: longest sku prefix, then explicit
// size label, then tenant default, then the 100mm fallback.
func (e *Engine) matchProfile(sku string, sizeLabel *string) internal.ProfileMatch {
	norm := catalog.NormalizeSku(sku)

	for _, p := range e.profiles {
		if p.SkuPrefix == nil {
			continue
		}
		prefix := catalog.NormalizeSku(*p.SkuPrefix)
		if prefix != "" && strings.HasPrefix(norm, prefix) {
			return profileMatch(p, "sku_prefix")
		}
	}

	if sizeLabel != nil {
		label := strings.ToLower(*sizeLabel)
		for _, p := range e.profiles {
			if strings.ToLower(p.SizeLabel) == label {
				return profileMatch(p, "size_label")
			}
		}
	}

	if e.defaults != nil {
		return profileMatch(*e.defaults, "tenant_default")
	}

	width := float64(fallbackWidthMM)
	return internal.ProfileMatch{TargetWidthMM: &width, MatchedBy: "fallback"}
}

func profileMatch(p internal.SizingProfile, matchedBy string) internal.ProfileMatch {
	id := p.ID
	label := p.SizeLabel
	width := p.TargetWidthMM
	return internal.ProfileMatch{
		ProfileID:     &id,
		ProfileLabel:  &label,
		TargetWidthMM: &width,
		MatchedBy:     matchedBy,
	}
}
