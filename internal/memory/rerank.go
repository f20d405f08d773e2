package memory

import (
	"regexp"
	"sort"
)

// Reranker nudges transparent index scores with domain signals before the
// snippets are assembled into a context block.
//
// Code-like snippets and affirmative statements tend to be the turns worth
// resurfacing; hedged turns mostly add noise.
const (
	codeBonus        = 0.15
	affirmativeBonus = 0.10
	hedgePenalty     = 0.20

	// minConfidence drops snippets whose adjusted score suggests the overlap
	// was coincidental.
	minConfidence = 0.20
)

var (
	codeRe        = regexp.MustCompile("`[^`]+`|\\bfunc \\w+|\\bdef \\w+|\\bclass \\w+|\\w+\\(\\)|error:")
	affirmativeRe = regexp.MustCompile(`(?i)\b(yes|confirmed|agreed|done|fixed|resolved|works)\b`)
	hedgeRe       = regexp.MustCompile(`(?i)\b(maybe|perhaps|possibly|might|not sure|i think|i guess)\b`)
)

// Rerank adjusts scores using the hydrated snippet text, discards
// low-confidence entries, and re-sorts by score descending. Results must be
// hydrated first; entries with empty snippets are dropped.
func Rerank(results []Result) []Result {
	kept := results[:0]
	for _, r := range results {
		if r.Snippet == "" {
			continue
		}
		if codeRe.MatchString(r.Snippet) {
			r.Score += codeBonus
		}
		if affirmativeRe.MatchString(r.Snippet) {
			r.Score += affirmativeBonus
		}
		if hedgeRe.MatchString(r.Snippet) {
			r.Score -= hedgePenalty
		}
		if r.Score < minConfidence {
			continue
		}
		kept = append(kept, r)
	}
	sortResults(kept)
	return kept
}

// sortResults orders by score descending, then newest first for ties.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Turn.Timestamp > results[j].Turn.Timestamp
	})
}
