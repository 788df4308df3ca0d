package packing

import (
	"fmt"
	"log/slog"
	"sort"

	"basepack/internal"
)

// Margins are the spacing rules applied while packing, in millimetres:
// gap between neighbouring items, border on each side of the base, and
// the reserved tail at the end of the roll.
type Margins struct {
	ItemMM   float64
	SideMM   float64
	SafetyMM float64
}

func DefaultMargins() Margins {
	return Margins{ItemMM: 2, SideMM: 20, SafetyMM: 50}
}

// Item is one sized rectangle to place, in picklist order.
type Item struct {
	ID       int64
	Sku      string
	Position int
	WidthMM  float64
	HeightMM float64
}

// segment is one horizontal run of the skyline: the top boundary of
// placed content from X to X+Width at height Y.
type segment struct {
	X     float64
	Y     float64
	Width float64
}

// Packer places items onto fixed-width bases with a bottom-left
// skyline heuristic. Bases grow in length with content up to the
// machine limit minus the end-of-roll safety margin.
type Packer struct {
	log     *slog.Logger
	machine internal.Machine
	margins Margins

	usableWidth  float64
	usableLength float64
}

func New(log *slog.Logger, machine internal.Machine, margins Margins) *Packer {
	return &Packer{
		log:          log,
		machine:      machine,
		margins:      margins,
		usableWidth:  machine.MaxWidthMM - 2*margins.SideMM,
		usableLength: machine.MaxLengthMM - margins.SafetyMM,
	}
}

// Pack places the items and returns the finished bases. In sequence
// mode input order is kept; optimize mode sorts by descending area
// first. Skipped holds items too large for even an empty base.
func (p *Packer) Pack(items []Item, mode internal.JobMode) (internal.PackResult, []Item) {
	ordered := make([]Item, len(items))
	copy(ordered, items)
	if mode == internal.ModeOptimize {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].WidthMM*ordered[i].HeightMM > ordered[j].WidthMM*ordered[j].HeightMM
		})
	}

	var bases []internal.Base
	var skipped []Item

	sky := p.freshSkyline()
	var placements []internal.Placement
	baseIndex := 1

	closeBase := func() {
		if len(placements) == 0 {
			return
		}
		bases = append(bases, p.finalizeBase(baseIndex, placements))
		baseIndex++
		placements = nil
		sky = p.freshSkyline()
	}

	for _, item := range ordered {
		placed := p.tryPlace(&sky, &placements, item)
		if !placed {
			closeBase()
			if !p.tryPlace(&sky, &placements, item) {
				skipped = append(skipped, item)
				if p.log != nil {
					p.log.Error("item exceeds machine dimensions, skipped",
						"sku", item.Sku, "width_mm", item.WidthMM, "height_mm", item.HeightMM)
				}
				continue
			}
		}

		// Paranoid overlap check: a collision here is a packer bug.
		// Recover by moving the offending placement to a new base.
		if idx := findCollision(placements); idx >= 0 {
			if p.log != nil {
				p.log.Error("collision detected after placement, forcing new base",
					"sku", item.Sku, "base", baseIndex)
			}
			bad := placements[len(placements)-1]
			placements = placements[:len(placements)-1]
			closeBase()
			placements = append(placements, internal.Placement{
				ItemID: bad.ItemID, Sku: bad.Sku,
				XMM: p.margins.SideMM, YMM: 0,
				WidthMM: bad.WidthMM, HeightMM: bad.HeightMM,
			})
			sky = p.placeOnSkyline(sky, p.margins.SideMM, 0, bad.WidthMM, bad.HeightMM)
		}
	}
	closeBase()

	result := internal.PackResult{Mode: mode, Bases: bases, TotalBases: len(bases)}
	for _, b := range bases {
		result.TotalLengthMM += b.LengthMM
		result.AvgUtilization += b.Utilization
	}
	if len(bases) > 0 {
		result.AvgUtilization /= float64(len(bases))
	}
	return result, skipped
}

func (p *Packer) freshSkyline() []segment {
	return []segment{{X: p.margins.SideMM, Y: 0, Width: p.usableWidth}}
}

// tryPlace finds the bottom-left position for the item and commits it.
func (p *Packer) tryPlace(sky *[]segment, placements *[]internal.Placement, item Item) bool {
	needW := item.WidthMM + p.margins.ItemMM
	needH := item.HeightMM + p.margins.ItemMM
	if item.WidthMM > p.usableWidth || item.HeightMM > p.usableLength {
		return false
	}

	bestX, bestY := 0.0, -1.0
	for i := range *sky {
		y, ok := p.fitAt(*sky, i, needW, needH)
		if !ok {
			continue
		}
		if bestY < 0 || y < bestY || (y == bestY && (*sky)[i].X < bestX) {
			bestX, bestY = (*sky)[i].X, y
		}
	}
	if bestY < 0 {
		return false
	}

	*placements = append(*placements, internal.Placement{
		ItemID:   item.ID,
		Sku:      item.Sku,
		XMM:      bestX,
		YMM:      bestY,
		WidthMM:  item.WidthMM,
		HeightMM: item.HeightMM,
	})
	*sky = p.placeOnSkyline(*sky, bestX, bestY, item.WidthMM, item.HeightMM)
	return true
}

// fitAt checks whether an item of needW×needH can start at segment i.
// Segments i, i+1, ... contribute width until needW is covered; the
// placement height is the maximum segment height spanned.
func (p *Packer) fitAt(sky []segment, i int, needW, needH float64) (float64, bool) {
	remaining := needW
	maxY := 0.0
	for j := i; j < len(sky) && remaining > 0; j++ {
		if j > i && sky[j].X != sky[j-1].X+sky[j-1].Width {
			return 0, false
		}
		if sky[j].Y > maxY {
			maxY = sky[j].Y
		}
		remaining -= sky[j].Width
	}
	if remaining > 0 {
		// Allow the margin band to hang past the usable edge; the item
		// itself must fit.
		if remaining > p.margins.ItemMM {
			return 0, false
		}
	}
	if maxY+needH > p.usableLength+p.margins.ItemMM {
		return 0, false
	}
	return maxY, true
}

// placeOnSkyline rebuilds the segment list with the covered span
// raised to the item top plus margin. Leftover slivers keep their old
// height and adjacent equal-height segments merge, bounding growth.
func (p *Packer) placeOnSkyline(sky []segment, x, y, w, h float64) []segment {
	spanLeft := x
	spanRight := x + w + p.margins.ItemMM
	if spanRight > p.margins.SideMM+p.usableWidth {
		spanRight = p.margins.SideMM + p.usableWidth
	}
	newY := y + h + p.margins.ItemMM

	var out []segment
	for _, s := range sky {
		sLeft, sRight := s.X, s.X+s.Width
		if sRight <= spanLeft || sLeft >= spanRight {
			out = append(out, s)
			continue
		}
		if sLeft < spanLeft {
			out = append(out, segment{X: sLeft, Y: s.Y, Width: spanLeft - sLeft})
		}
		if sRight > spanRight {
			out = append(out, segment{X: spanRight, Y: s.Y, Width: sRight - spanRight})
		}
	}
	out = append(out, segment{X: spanLeft, Y: newY, Width: spanRight - spanLeft})

	sort.Slice(out, func(i, j int) bool { return out[i].X < out[j].X })
	return mergeSegments(out)
}

func mergeSegments(sky []segment) []segment {
	if len(sky) == 0 {
		return sky
	}
	out := sky[:1]
	for _, s := range sky[1:] {
		last := &out[len(out)-1]
		if last.Y == s.Y && last.X+last.Width == s.X {
			last.Width += s.Width
			continue
		}
		out = append(out, s)
	}
	return out
}

func (p *Packer) finalizeBase(index int, placements []internal.Placement) internal.Base {
	maxY := 0.0
	used := 0.0
	for _, pl := range placements {
		if top := pl.YMM + pl.HeightMM; top > maxY {
			maxY = top
		}
		used += pl.WidthMM * pl.HeightMM
	}

	length := maxY + p.margins.SideMM
	base := internal.Base{
		Index:      index,
		WidthMM:    p.machine.MaxWidthMM,
		LengthMM:   length,
		Placements: placements,
	}
	if area := p.machine.MaxWidthMM * length; area > 0 {
		base.Utilization = used / area
	}
	return base
}

// findCollision returns the index of a placement overlapping the most
// recent one, or -1. AABB intersection, newest against the rest.
func findCollision(placements []internal.Placement) int {
	if len(placements) < 2 {
		return -1
	}
	last := placements[len(placements)-1]
	for i := 0; i < len(placements)-1; i++ {
		if overlaps(placements[i], last) {
			return i
		}
	}
	return -1
}

func overlaps(a, b internal.Placement) bool {
	return a.XMM < b.XMM+b.WidthMM && b.XMM < a.XMM+a.WidthMM &&
		a.YMM < b.YMM+b.HeightMM && b.YMM < a.YMM+a.HeightMM
}

// Validate rechecks the no-overlap invariant over a finished result.
func Validate(result internal.PackResult) error {
	for _, base := range result.Bases {
		for i := 0; i < len(base.Placements); i++ {
			for j := i + 1; j < len(base.Placements); j++ {
				if overlaps(base.Placements[i], base.Placements[j]) {
					return fmt.Errorf("base %d: placements %d and %d overlap", base.Index, i, j)
				}
			}
		}
	}
	return nil
}
