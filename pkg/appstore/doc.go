// Package appstore retrieves user reviews of App Store apps through the
// marketplace's web frontend and its catalog API.
//
// A Session pools HTTP connections and applies the retry policy; an Entry
// identifies one app in one country's store and scrapes the API access token
// from the app page when it is created:
//
//	session, err := appstore.NewSession(appstore.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer session.Close()
//
//	entry, err := appstore.NewEntry(ctx, 361309726, "us", session)
//	if err != nil {
//		return err // *appstore.AppNotFoundError or *appstore.AppStoreError
//	}
//
//	for review, err := range entry.Reviews(ctx, 100) {
//		if err != nil {
//			return err // reviews seen so far remain valid
//		}
//		fmt.Println(review.Rating, review.Title)
//	}
//
// # Retries
//
// Transport errors and 429/503 responses are retried up to MaxAttempts times
// with a backoff of BackoffFactor * 2^(retry-1), plus optional jitter,
// capped at MaxBackoff. A Retry-After header replaces the computed delay and
// is recorded as a cooldown that every entry sharing the session honors.
// There is no inter-request delay unless RequestsPerSecond is set.
//
// # Metrics
//
//   - appstore_requests_total{endpoint,status}
//   - appstore_request_duration_seconds{endpoint}
//   - appstore_errors_total{class}
//   - appstore_retries_total{error_class}
//   - appstore_retry_backoff_seconds{error_class}
//   - appstore_retry_exhausted_total{error_class}
//   - appstore_reviews_yielded_total
//   - appstore_tokens_fetched_total{outcome}
package appstore
