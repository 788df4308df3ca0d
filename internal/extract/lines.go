package extract

import (
	"sort"
	"strings"

	"basepack/internal"
)

// BuildLines groups words into lines per page. A word joins the first
// existing cluster whose representative Y is within tolerance, else it
// starts a new cluster. Words inside a line are ordered by X and lines
// globally by (page, y): that ordering is the picklist order every
// later stage relies on.
func BuildLines(words []internal.Word, yTolerance float64) []internal.Line {
	type cluster struct {
		y     float64
		page  int
		words []internal.Word
	}

	var clusters []*cluster
	for _, w := range words {
		var home *cluster
		for _, c := range clusters {
			if c.page != w.Page {
				continue
			}
			d := c.y - w.Y0
			if d < 0 {
				d = -d
			}
			if d <= yTolerance {
				home = c
				break
			}
		}
		if home == nil {
			home = &cluster{y: w.Y0, page: w.Page}
			clusters = append(clusters, home)
		}
		home.words = append(home.words, w)
	}

	lines := make([]internal.Line, 0, len(clusters))
	for _, c := range clusters {
		sort.SliceStable(c.words, func(i, j int) bool { return c.words[i].X0 < c.words[j].X0 })
		texts := make([]string, len(c.words))
		for i, w := range c.words {
			texts[i] = w.Text
		}
		lines = append(lines, internal.Line{
			Text:  strings.Join(texts, " "),
			Words: c.words,
			Y:     c.y,
			Page:  c.page,
		})
	}

	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].Page != lines[j].Page {
			return lines[i].Page < lines[j].Page
		}
		return lines[i].Y < lines[j].Y
	})

	return lines
}
