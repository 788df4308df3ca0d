package catalog

// Trigram similarity in the pg_trgm convention: the string is padded
// with two spaces on the left and one on the right, split into
// overlapping three-character windows, and two strings are scored by
// the Jaccard ratio of their trigram sets.

func trigrams(s string) map[string]struct{} {
	if s == "" {
		return nil
	}
	padded := "  " + s + " "
	set := make(map[string]struct{}, len(padded))
	for i := 0; i+3 <= len(padded); i++ {
		set[padded[i:i+3]] = struct{}{}
	}
	return set
}

// Similarity returns a score in [0, 1]. Identical strings score 1;
// strings sharing no trigrams score 0.
func Similarity(a, b string) float64 {
	ta, tb := trigrams(a), trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		if a == b && a != "" {
			return 1
		}
		return 0
	}

	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
