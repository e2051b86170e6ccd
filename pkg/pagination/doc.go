// Package pagination walks APIs whose pages link to their successor through
// a "next" URL.
//
// Some upstreams (the App Store catalog API among them) return continuation
// links that keep only the offset and drop every other query parameter. The
// walker therefore owns an immutable base Query and merges it back into each
// continuation before following it.
//
// Example usage:
//
//	query := pagination.NewQuery(url.Values{"sort": {"-date"}, "limit": {"20"}})
//	for item, err := range pagination.Walk(ctx, fetcher, "/v1/items", query, 0) {
//		if err != nil {
//			return err
//		}
//		handle(item)
//	}
//
// The walker:
//   - Fetches one page at a time, only when the consumer asks for more
//   - Stops at an empty continuation, at the limit, or at the first error
//   - Never caches pages; ranging the sequence again starts from page one
package pagination
