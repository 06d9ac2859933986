package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/orchflow/orchflow/pkg/models"
)

// SimilarityThreshold is the Jaccard score at/above which two inputs count
// as "similar" for suggestion purposes (§4.10).
const SimilarityThreshold = 0.6

// jaccard computes the Jaccard index over whitespace-tokenized, lowercased
// word sets, per §4.10's similarity query.
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// SimilarCommands returns the deduplicated successful_command values of the
// top limit task-history entries whose input is Jaccard-similar (>= 0.6) to
// input, most recent first (§4.10 "used for suggestions").
func (s *Store) SimilarCommands(ctx context.Context, namespace, input string, limit int) ([]string, error) {
	entries, err := s.Search(ctx, TaskHistoryPrefix(namespace), 0)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	out := make([]string, 0, limit)
	for _, e := range entries {
		var h models.TaskHistoryEntry
		if err := json.Unmarshal(e.Value, &h); err != nil {
			continue
		}
		if !h.Success || h.SuccessfulCommand == "" {
			continue
		}
		if jaccard(input, h.Input) < SimilarityThreshold {
			continue
		}
		if seen[h.SuccessfulCommand] {
			continue
		}
		seen[h.SuccessfulCommand] = true
		out = append(out, h.SuccessfulCommand)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
