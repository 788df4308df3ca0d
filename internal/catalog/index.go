package catalog

import (
	"sort"

	"basepack/internal"
)

// Index is the in-memory catalog for one tenant. Keys are normalized
// SKUs; Skus is kept sorted so fuzzy scans are deterministic.
type Index struct {
	AssetsByID map[int64]internal.Asset
	Skus       []string
	bySkuKey   map[string]internal.Asset
}

func BuildIndex(assets []internal.Asset) *Index {
	idx := &Index{
		AssetsByID: map[int64]internal.Asset{},
		bySkuKey:   map[string]internal.Asset{},
	}

	for _, a := range assets {
		key := NormalizeSku(a.SkuNormalized)
		if key == "" {
			continue
		}
		idx.AssetsByID[a.ID] = a
		if _, seen := idx.bySkuKey[key]; !seen {
			idx.Skus = append(idx.Skus, key)
		}
		idx.bySkuKey[key] = a
	}

	sort.Strings(idx.Skus)
	return idx
}

func (idx *Index) Lookup(normalizedSku string) (internal.Asset, bool) {
	a, ok := idx.bySkuKey[normalizedSku]
	return a, ok
}

func (idx *Index) Size() int {
	return len(idx.bySkuKey)
}
