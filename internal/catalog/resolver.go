package catalog

import (
	"sort"
	"strings"

	"basepack/internal"
)

type ResolutionStatus string

const (
	StatusResolved  ResolutionStatus = "resolved"
	StatusMissing   ResolutionStatus = "missing"
	StatusAmbiguous ResolutionStatus = "ambiguous"
)

// Result is the outcome of resolving one picklist SKU against the
// tenant catalog.
type Result struct {
	Status     ResolutionStatus
	Asset      *internal.Asset
	Score      float64
	Candidates []internal.AssetCandidate
}

// Resolver matches extracted SKUs to catalog assets. Exact lookups are
// tried before any fuzzy scoring, and design-only variants (sizing
// prefix and leading numeric run stripped) are tried before the full
// token, so "bl-7-4-butterfly-p" finds an asset stored as "butterflyp".
type Resolver struct {
	index          *Index
	prefixes       []string
	fuzzyThreshold float64
	ambiguityBand  float64
	maxCandidates  int
}

func NewResolver(index *Index, profiles []internal.SizingProfile, fuzzyThreshold, ambiguityBand float64, maxCandidates int) *Resolver {
	prefixes := make([]string, 0, len(profiles))
	seen := map[string]struct{}{}
	for _, p := range profiles {
		if p.SkuPrefix == nil {
			continue
		}
		norm := NormalizeSku(*p.SkuPrefix)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		prefixes = append(prefixes, norm)
	}
	// Longest first so the most specific prefix wins.
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	if maxCandidates <= 0 {
		maxCandidates = 5
	}
	return &Resolver{
		index:          index,
		prefixes:       prefixes,
		fuzzyThreshold: fuzzyThreshold,
		ambiguityBand:  ambiguityBand,
		maxCandidates:  maxCandidates,
	}
}

// CandidateKeys returns the normalized lookup keys for a raw SKU, most
// specific first. With a matching sizing prefix the order is
// design-only, remainder-after-prefix, full token; otherwise just the
// full token.
func (r *Resolver) CandidateKeys(rawSku string) []string {
	full := NormalizeSku(rawSku)
	if full == "" {
		return nil
	}

	var prefix string
	for _, p := range r.prefixes {
		if strings.HasPrefix(full, p) && len(full) > len(p) {
			prefix = p
			break
		}
	}
	if prefix == "" {
		return []string{full}
	}

	remainder := full[len(prefix):]
	design := strings.TrimLeft(remainder, "0123456789")

	keys := make([]string, 0, 3)
	for _, k := range []string{design, remainder, full} {
		if k == "" {
			continue
		}
		if len(keys) > 0 && keys[len(keys)-1] == k {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

func (r *Resolver) Resolve(rawSku string) Result {
	keys := r.CandidateKeys(rawSku)
	if len(keys) == 0 {
		return Result{Status: StatusMissing}
	}

	for _, key := range keys {
		if asset, ok := r.index.Lookup(key); ok {
			a := asset
			return Result{Status: StatusResolved, Asset: &a, Score: 1}
		}
	}

	for _, key := range keys {
		if result, ok := r.fuzzy(key); ok {
			return result
		}
	}

	return Result{Status: StatusMissing}
}

// fuzzy scores one candidate key against the whole catalog. A false
// second return means nothing cleared the threshold and the caller
// should try the next key.
func (r *Resolver) fuzzy(key string) (Result, bool) {
	var scored []internal.AssetCandidate
	for _, sku := range r.index.Skus {
		score := Similarity(key, sku)
		if score < r.fuzzyThreshold {
			continue
		}
		asset, _ := r.index.Lookup(sku)
		scored = append(scored, internal.AssetCandidate{
			AssetID: asset.ID,
			Sku:     sku,
			FileURI: asset.FileURI,
			Score:   score,
		})
	}
	if len(scored) == 0 {
		return Result{}, false
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > r.maxCandidates {
		scored = scored[:r.maxCandidates]
	}

	if len(scored) == 1 {
		asset := r.index.AssetsByID[scored[0].AssetID]
		return Result{Status: StatusResolved, Asset: &asset, Score: scored[0].Score, Candidates: scored}, true
	}

	top, second := scored[0], scored[1]
	if top.Score-second.Score >= r.ambiguityBand {
		asset := r.index.AssetsByID[top.AssetID]
		return Result{Status: StatusResolved, Asset: &asset, Score: top.Score, Candidates: scored}, true
	}

	// Close scores: a substring relation with the query breaks the tie.
	if winner, ok := substringWinner(key, scored); ok {
		asset := r.index.AssetsByID[winner.AssetID]
		return Result{Status: StatusResolved, Asset: &asset, Score: winner.Score, Candidates: scored}, true
	}

	return Result{Status: StatusAmbiguous, Score: top.Score, Candidates: scored}, true
}

// substringWinner walks the candidates in score order and returns the
// first one whose SKU contains the query or is contained by it.
func substringWinner(key string, candidates []internal.AssetCandidate) (internal.AssetCandidate, bool) {
	for _, c := range candidates {
		if strings.Contains(c.Sku, key) || strings.Contains(key, c.Sku) {
			return c, true
		}
	}
	return internal.AssetCandidate{}, false
}
