package pagination

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var pagesFetched = promauto.NewCounter(prometheus.CounterOpts{
	Name: "appstore_pages_fetched_total",
	Help: "Total number of result pages fetched",
})

// OffsetParam is the only parameter a continuation link may set itself.
const OffsetParam = "offset"

// ErrNegativeLimit is returned by Walk for limits below zero.
var ErrNegativeLimit = errors.New("limit must be a non-negative number")

// Page is one page of results plus the raw continuation link.
type Page[T any] struct {
	Items []T
	// Next is the upstream continuation URL; empty when exhausted.
	Next string
}

// PageFetcher fetches a single page given a path with its full query string.
type PageFetcher[T any] interface {
	FetchPage(ctx context.Context, path string) (Page[T], error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc[T any] func(ctx context.Context, path string) (Page[T], error)

// FetchPage implements PageFetcher.
func (f PageFetcherFunc[T]) FetchPage(ctx context.Context, path string) (Page[T], error) {
	return f(ctx, path)
}

// Query is an immutable set of query parameters carried through a walk.
type Query struct {
	values url.Values
}

// NewQuery copies values into a Query.
func NewQuery(values url.Values) Query {
	return Query{values: cloneValues(values)}
}

// Values returns a copy of the parameters.
func (q Query) Values() url.Values {
	return cloneValues(q.values)
}

// Get returns the first value for key.
func (q Query) Get(key string) string {
	return q.values.Get(key)
}

// Encode returns the URL-encoded form of the parameters.
func (q Query) Encode() string {
	return q.values.Encode()
}

// Continue merges the base parameters into link. Base parameters replace
// whatever the link carries for the same key, except for the offset.
func (q Query) Continue(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}

	merged := u.Query()
	for key, vals := range q.values {
		if _, ok := merged[key]; ok && key == OffsetParam {
			continue
		}
		merged[key] = append([]string(nil), vals...)
	}
	u.RawQuery = merged.Encode()

	return u.String(), nil
}

// Walk returns a single-pass sequence over every item reachable from path.
// A positive limit stops the walk once that many items were yielded,
// without fetching further pages. Errors are yielded once and end the walk.
func Walk[T any](ctx context.Context, fetcher PageFetcher[T], path string, query Query, limit int) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T

		if limit < 0 {
			yield(zero, fmt.Errorf("%w (got %d)", ErrNegativeLimit, limit))
			return
		}

		current, err := query.Continue(path)
		if err != nil {
			yield(zero, err)
			return
		}

		count := 0
		for pageNum := 1; ; pageNum++ {
			page, err := fetcher.FetchPage(ctx, current)
			if err != nil {
				log.Debug().
					Err(err).
					Int("page", pageNum).
					Int("yielded", count).
					Msg("Page fetch failed")
				yield(zero, err)
				return
			}
			pagesFetched.Inc()

			log.Debug().
				Str("path", current).
				Int("page", pageNum).
				Int("items", len(page.Items)).
				Bool("has_next", page.Next != "").
				Msg("Fetched page")

			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
				count++
				if limit > 0 && count >= limit {
					return
				}
			}

			if page.Next == "" {
				return
			}

			current, err = query.Continue(page.Next)
			if err != nil {
				yield(zero, fmt.Errorf("continuation %q: %w", page.Next, err))
				return
			}
		}
	}
}

func cloneValues(values url.Values) url.Values {
	out := make(url.Values, len(values))
	for key, vals := range values {
		out[key] = append([]string(nil), vals...)
	}
	return out
}
