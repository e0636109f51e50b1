package provider

import (
	"cmp"
	"slices"

	"leadwatch/internal/model"
)

// Search limits.
const (
	MessageSearchLimit = 30
	TitleSearchLimit   = 20
	MaxSearchResults   = 20
	titleRelevance     = 5
)

// Rank turns raw search candidates into results. The first occurrence of a
// chat wins, chats without a public username are dropped, and results are
// ordered by relevance then subscribers, both descending.
func Rank(candidates []Candidate, limit int) []model.SearchResult {
	seen := make(map[int64]struct{}, len(candidates))
	results := make([]model.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c.ChatID]; ok {
			continue
		}
		seen[c.ChatID] = struct{}{}
		if c.Username == "" {
			continue
		}

		relevance := c.MessageHits
		if c.TitleMatch {
			relevance = titleRelevance
		}
		title := c.Title
		if title == "" {
			title = c.Username
		}
		typ := c.Type
		if typ == "" {
			typ = TypeUnknown
		}
		results = append(results, model.SearchResult{
			Username:    "@" + c.Username,
			Title:       title,
			Link:        baseURL + c.Username,
			Subscribers: c.Subscribers,
			Type:        typ,
			Relevance:   relevance,
		})
	}

	slices.SortStableFunc(results, func(a, b model.SearchResult) int {
		if c := cmp.Compare(b.Relevance, a.Relevance); c != 0 {
			return c
		}
		return cmp.Compare(b.Subscribers, a.Subscribers)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
