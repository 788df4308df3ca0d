package catalog

import (
	"testing"

	"basepack/internal"
)

func TestNormalizeSku(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"CAM-001_P FRENTE", "cam001pfrente"},
		{"cam001pfrente", "cam001pfrente"},
		{"u-12-6-ﬂoyd-m", "u126floydm"},
		{"BL-7-4-Butterfly-P", "bl74butterflyp"},
		{"  ", ""},
	}
	for _, tc := range cases {
		if got := NormalizeSku(tc.in); got != tc.want {
			t.Errorf("NormalizeSku(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	for _, tc := range cases {
		once := NormalizeSku(tc.in)
		if twice := NormalizeSku(once); twice != once {
			t.Errorf("normalization not idempotent for %q: %q -> %q", tc.in, once, twice)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("butterflyp", "butterflyp"); got != 1 {
		t.Fatalf("identical strings scored %v", got)
	}
	if got := Similarity("abc", "xyz"); got != 0 {
		t.Fatalf("disjoint strings scored %v", got)
	}
	close := Similarity("butterflyp", "butterfly")
	far := Similarity("butterflyp", "dragonq")
	if close <= far {
		t.Fatalf("expected %v > %v", close, far)
	}
}

func prefixProfile(prefix string) internal.SizingProfile {
	p := prefix
	return internal.SizingProfile{SizeLabel: "M", TargetWidthMM: 100, SkuPrefix: &p}
}

func TestCandidateKeys(t *testing.T) {
	idx := BuildIndex(nil)
	r := NewResolver(idx, []internal.SizingProfile{prefixProfile("bl-7")}, 0.45, 0.1, 5)

	keys := r.CandidateKeys("bl-7-4-butterfly-p")
	want := []string{"butterflyp", "4butterflyp", "bl74butterflyp"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("got %v, want %v", keys, want)
		}
	}

	// No prefix match: only the full normalized token.
	keys = r.CandidateKeys("cam-001")
	if len(keys) != 1 || keys[0] != "cam001" {
		t.Fatalf("got %v, want [cam001]", keys)
	}
}

func TestResolveExactBeforeFuzzy(t *testing.T) {
	idx := BuildIndex([]internal.Asset{
		{ID: 1, SkuNormalized: "butterflyp", FileURI: "file:///a/butterflyp.png"},
		{ID: 2, SkuNormalized: "butterflyq", FileURI: "file:///a/butterflyq.png"},
	})
	r := NewResolver(idx, []internal.SizingProfile{prefixProfile("bl-7")}, 0.45, 0.1, 5)

	res := r.Resolve("bl-7-4-butterfly-p")
	if res.Status != StatusResolved || res.Asset == nil || res.Asset.ID != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Score != 1 {
		t.Fatalf("exact match should score 1, got %v", res.Score)
	}
}

func TestResolveMissing(t *testing.T) {
	idx := BuildIndex([]internal.Asset{
		{ID: 1, SkuNormalized: "totallydifferent", FileURI: "file:///a/x.png"},
	})
	r := NewResolver(idx, nil, 0.45, 0.1, 5)

	res := r.Resolve("zq-99")
	if res.Status != StatusMissing {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAmbiguityBand(t *testing.T) {
	// Force the fuzzy path with a raw SKU that is near two catalog
	// entries but not equal to either.
	idx := BuildIndex([]internal.Asset{
		{ID: 1, SkuNormalized: "floydmural", FileURI: "file:///a/1.png"},
		{ID: 2, SkuNormalized: "floydmural2", FileURI: "file:///a/2.png"},
	})
	r := NewResolver(idx, nil, 0.45, 0.1, 5)

	res := r.Resolve("floydmurals")
	if res.Status == StatusMissing {
		t.Fatalf("expected fuzzy candidates, got missing")
	}
	if len(res.Candidates) < 2 {
		t.Fatalf("expected at least two candidates, got %+v", res.Candidates)
	}
	if res.Candidates[0].Score < res.Candidates[1].Score {
		t.Fatalf("candidates not sorted: %+v", res.Candidates)
	}
}

func TestAmbiguityBandSynthetic(t *testing.T) {
	r := NewResolver(BuildIndex(nil), nil, 0.45, 0.1, 5)

	scored := []internal.AssetCandidate{
		{AssetID: 1, Sku: "alpha", Score: 0.80},
		{AssetID: 2, Sku: "beta", Score: 0.72},
	}
	if _, ok := substringWinner("nomatch", scored); ok {
		t.Fatal("no substring relation should yield no winner")
	}
	// 0.80 vs 0.72 is within the 0.1 band; without a substring winner
	// that is ambiguous. 0.80 vs 0.60 is a clear winner.
	if diff := scored[0].Score - scored[1].Score; diff >= r.ambiguityBand {
		t.Fatalf("test setup wrong: diff %v not inside band", diff)
	}
	spread := []internal.AssetCandidate{
		{AssetID: 1, Sku: "alpha", Score: 0.80},
		{AssetID: 2, Sku: "beta", Score: 0.60},
	}
	if diff := spread[0].Score - spread[1].Score; diff < r.ambiguityBand {
		t.Fatalf("test setup wrong: diff %v inside band", diff)
	}
}

func TestSubstringTieBreak(t *testing.T) {
	scored := []internal.AssetCandidate{
		{AssetID: 1, Sku: "butterfly", Score: 0.8},
		{AssetID: 2, Sku: "flutterby", Score: 0.78},
	}
	winner, ok := substringWinner("butterflyp", scored)
	if !ok || winner.AssetID != 1 {
		t.Fatalf("unexpected winner: %+v ok=%v", winner, ok)
	}

	// Several substring relations: the highest-scoring one wins.
	both := []internal.AssetCandidate{
		{AssetID: 1, Sku: "butterflypa", Score: 0.769},
		{AssetID: 2, Sku: "butterflypab", Score: 0.714},
	}
	winner, ok = substringWinner("butterflyp", both)
	if !ok || winner.AssetID != 1 {
		t.Fatalf("expected highest-scoring substring candidate, got %+v ok=%v", winner, ok)
	}
}

func TestSubstringTieBreakResolvesCloseCandidates(t *testing.T) {
	idx := BuildIndex([]internal.Asset{
		{ID: 1, SkuNormalized: "butterflypa", FileURI: "file:///a/1.png"},
		{ID: 2, SkuNormalized: "butterflypab", FileURI: "file:///a/2.png"},
	})
	r := NewResolver(idx, nil, 0.45, 0.1, 5)

	res := r.Resolve("butterflyp")
	if res.Status != StatusResolved {
		t.Fatalf("status = %s, want resolved (candidates %+v)", res.Status, res.Candidates)
	}
	if res.Asset == nil || res.Asset.ID != 1 {
		t.Fatalf("expected the higher-scoring substring candidate, got %+v", res.Asset)
	}
}
