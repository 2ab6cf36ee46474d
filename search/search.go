// Package search resolves free text typed into a wizard stage against a
// candidate name set, using fuzzy string similarity with per-domain score
// thresholds.
package search

import (
	"sort"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
)

const (
	// IdentityThreshold filters weak matches when resolving a handle.
	IdentityThreshold = 75
	// ListingThreshold is looser: listing names are matched on partial
	// overlap so "kettle" finds "copper kettle, barely used".
	ListingThreshold = 50
)

// Match is a ranked candidate.
type Match struct {
	ID    string
	Name  string
	Score int
}

// RankIdentities scores a handle query against candidate handles and returns
// matches at or above IdentityThreshold, best first.
func RankIdentities(query string, candidates map[string]string) []Match {
	return rank(query, candidates, IdentityThreshold, fuzzy.Ratio)
}

// RankListings scores a free-text query against listing names and returns
// matches at or above ListingThreshold, best first.
func RankListings(query string, candidates map[string]string) []Match {
	return rank(query, candidates, ListingThreshold, fuzzy.PartialRatio)
}

// BestIdentity returns the single strongest handle match, if any candidate
// clears the threshold.
func BestIdentity(query string, candidates map[string]string) (Match, bool) {
	matches := RankIdentities(query, candidates)
	if len(matches) == 0 {
		return Match{}, false
	}
	return matches[0], true
}

func rank(query string, candidates map[string]string, threshold int, score func(string, string) int) []Match {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	out := make([]Match, 0, len(candidates))
	for name, id := range candidates {
		s := score(query, strings.ToLower(name))
		if s < threshold {
			continue
		}
		out = append(out, Match{ID: id, Name: name, Score: s})
	}

	// Ties break on name so the ranking is stable across map iteration
	// order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out
}
