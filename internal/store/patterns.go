package store

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/orchflow/orchflow/pkg/models"
)

// filenamePattern matches filenames with the suffixes §4.10 calls out for
// [FILE] substitution.
var filenamePattern = regexp.MustCompile(`\b[\w./-]+\.(?:js|ts|py|java|cpp)\b`)

// properNounPairPattern matches two adjacent capitalized words ("John
// Smith"), the heuristic §4.10 names for [NAME] substitution.
var properNounPairPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z]*\s+[A-Z][a-zA-Z]*\b`)

var integerPattern = regexp.MustCompile(`\b\d+\b`)

// Normalize turns a natural-language input into the placeholder'd,
// lowercased form used as a pattern-store key (§4.10): filenames become
// [FILE], proper-noun pairs become [NAME], integers become [NUMBER], and
// whatever remains is lowercased. Order matters — filenames and name pairs
// are substituted before the remainder is lowercased, and the placeholders
// are restored to uppercase afterwards, so they themselves stay uppercase.
func Normalize(input string) string {
	s := filenamePattern.ReplaceAllString(input, "[FILE]")
	s = properNounPairPattern.ReplaceAllString(s, "[NAME]")
	s = integerPattern.ReplaceAllString(s, "[NUMBER]")
	placeholders := strings.NewReplacer("[file]", "[FILE]", "[name]", "[NAME]", "[number]", "[NUMBER]")
	return placeholders.Replace(strings.ToLower(s))
}

// RecordPattern stores or merges a CommandPattern for the normalized form of
// input, applying the merge algebra from §4.10: on a repeat of the same
// normalized pattern, frequency += 1, success_rate = (old + 1.0)/2 if this
// attempt succeeded and old/2 if it failed, and
// avg_response_time = (old + new)/2.
func (s *Store) RecordPattern(ctx context.Context, namespace, input string, success bool, responseTimeMS float64) (models.CommandPattern, error) {
	normalized := Normalize(input)
	key := PatternKey(namespace, normalized)

	existing, ok, err := s.Retrieve(ctx, key)
	if err != nil {
		return models.CommandPattern{}, err
	}

	var cp models.CommandPattern
	if ok {
		if err := json.Unmarshal(existing, &cp); err != nil {
			return models.CommandPattern{}, err
		}
		cp.Frequency++
		outcome := 0.0
		if success {
			outcome = 1.0
		}
		cp.SuccessRate = (cp.SuccessRate + outcome) / 2
		cp.AvgResponseTimeMS = (cp.AvgResponseTimeMS + responseTimeMS) / 2
	} else {
		cp = models.CommandPattern{
			Pattern:           normalized,
			Frequency:         1,
			AvgResponseTimeMS: responseTimeMS,
		}
		if success {
			cp.SuccessRate = 1.0
		}
	}
	cp.LastUsed = time.Now()

	if err := s.Store(ctx, key, cp, PatternTTL); err != nil {
		return models.CommandPattern{}, err
	}
	return cp, nil
}

// Patterns returns every currently-retained learned pattern, newest first.
func (s *Store) Patterns(ctx context.Context, namespace string, limit int) ([]models.CommandPattern, error) {
	entries, err := s.Search(ctx, PatternPrefix(namespace), limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.CommandPattern, 0, len(entries))
	for _, e := range entries {
		var cp models.CommandPattern
		if err := json.Unmarshal(e.Value, &cp); err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}
