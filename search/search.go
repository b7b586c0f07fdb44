// Package search defines the seam between the serving core and whatever
// search backend answers web_search calls.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyQuery is returned when a search call carries no query text.
var ErrEmptyQuery = errors.New("search: empty query")

// Query is one web search request.
type Query struct {
	// Text is the query string. Required.
	Text string `json:"query"`
	// MaxResults caps the result count. Zero means the backend default.
	MaxResults int `json:"max_results,omitempty"`
	// Language is an optional BCP 47 hint, e.g. "en".
	Language string `json:"language,omitempty"`
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Rank    int    `json:"rank"`
}

// ResultSet is a completed search.
type ResultSet struct {
	Query      string   `json:"query"`
	Results    []Result `json:"results"`
	Total      int      `json:"total"`
	ElapsedMS  int64    `json:"elapsed_ms"`
	Exhaustive bool     `json:"exhaustive"`
}

// Searcher answers queries. Implementations must be safe for concurrent use.
type Searcher interface {
	Search(ctx context.Context, q Query) (*ResultSet, error)
}

// Handler adapts a Searcher to the transport handler shape: decode the query
// payload, run the search, return the result set.
func Handler(s Searcher) func(ctx context.Context, params json.RawMessage) (any, error) {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var q Query
		if len(params) > 0 {
			if err := json.Unmarshal(params, &q); err != nil {
				return nil, fmt.Errorf("decode search query: %w", err)
			}
		}
		if q.Text == "" {
			return nil, ErrEmptyQuery
		}
		start := time.Now()
		rs, err := s.Search(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("search %q: %w", q.Text, err)
		}
		if rs.ElapsedMS == 0 {
			rs.ElapsedMS = time.Since(start).Milliseconds()
		}
		return rs, nil
	}
}

// Static is a canned Searcher used in tests and as the placeholder backend
// when no real engine is configured.
type Static struct {
	Results []Result
}

func (s *Static) Search(ctx context.Context, q Query) (*ResultSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := s.Results
	if q.MaxResults > 0 && q.MaxResults < len(results) {
		results = results[:q.MaxResults]
	}
	return &ResultSet{
		Query:      q.Text,
		Results:    results,
		Total:      len(results),
		Exhaustive: true,
	}, nil
}

var _ Searcher = (*Static)(nil)
