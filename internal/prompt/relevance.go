package prompt

import (
	"sort"
	"strings"
	"time"
	"unicode"
)

// candidate is one knowledge or memory item considered for inclusion.
type candidate struct {
	text       string
	confidence float64
	createdAt  time.Time
	score      float64
}

func tokenize(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// jaccard computes |A∩B| / |A∪B| over the two word sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// rank scores candidates against the query, drops those below minScore,
// sorts descending by score with recency then confidence as tiebreaks,
// and truncates to maxItems.
func rank(query string, cands []candidate, minScore float64, maxItems int) []candidate {
	qset := tokenize(query)
	kept := make([]candidate, 0, len(cands))
	for _, c := range cands {
		c.score = jaccard(qset, tokenize(c.text))
		if c.score < minScore {
			continue
		}
		kept = append(kept, c)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].score != kept[j].score {
			return kept[i].score > kept[j].score
		}
		if !kept[i].createdAt.Equal(kept[j].createdAt) {
			return kept[i].createdAt.After(kept[j].createdAt)
		}
		return kept[i].confidence > kept[j].confidence
	})
	if maxItems > 0 && len(kept) > maxItems {
		kept = kept[:maxItems]
	}
	return kept
}
