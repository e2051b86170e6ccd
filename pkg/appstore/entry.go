package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/appstore-reviews/pkg/logging"
	"github.com/Sternrassler/appstore-reviews/pkg/pageconfig"
	"github.com/Sternrassler/appstore-reviews/pkg/pagination"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PageSize is the largest page the reviews API serves.
const PageSize = 20

// Platforms requested alongside the web platform.
const additionalPlatforms = "appletv,ipad,iphone,mac"

// Entry represents one app in one country's App Store. It owns the access
// token scraped at construction; the Session is shared and not owned.
type Entry struct {
	AppID   int64
	Country string

	session *Session
	token   string
	logger  zerolog.Logger
}

// NewEntry looks up the app page for appID in country and scrapes the API
// access token from it. If session is nil a session with DefaultConfig is
// created for this entry.
//
// It returns an *AppNotFoundError when the app page responds with 404 and an
// *AppStoreError when the page carries no token.
func NewEntry(ctx context.Context, appID int64, country string, session *Session) (*Entry, error) {
	if appID <= 0 {
		return nil, &AppStoreError{Message: fmt.Sprintf("app ID must be a positive integer (got %d)", appID)}
	}

	country, err := NormalizeCountry(country)
	if err != nil {
		return nil, err
	}

	if session == nil {
		session, err = NewSession(DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}

	entry := &Entry{
		AppID:   appID,
		Country: country,
		session: session,
		logger: logging.NewLogger("appstore-entry").With().
			Int64("app_id", appID).
			Str("country", country).
			Logger(),
	}

	if err := entry.fetchToken(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

// ParseAppID accepts an app ID as found in App Store URLs: plain digits or
// digits prefixed with "id".
func ParseAppID(s string) (int64, error) {
	digits := strings.TrimPrefix(strings.TrimSpace(s), "id")
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || id <= 0 {
		return 0, &AppStoreError{Message: fmt.Sprintf("invalid app ID %q", s)}
	}
	return id, nil
}

// NormalizeCountry validates a two-letter country code and lowercases it.
func NormalizeCountry(country string) (string, error) {
	country = strings.ToLower(strings.TrimSpace(country))
	if len(country) != 2 || country[0] < 'a' || country[0] > 'z' || country[1] < 'a' || country[1] > 'z' {
		return "", &AppStoreError{Message: fmt.Sprintf("country must be a two-letter code (got %q)", country)}
	}
	return country, nil
}

func (e *Entry) fetchToken(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Entry.fetchToken")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("app_id", e.AppID),
		attribute.String("country", e.Country),
	)

	page, err := e.session.FetchAppPage(ctx, e.AppID, e.Country)
	if err != nil {
		if IsAppNotFound(err) {
			TokensFetched.WithLabelValues("not_found").Inc()
		} else {
			TokensFetched.WithLabelValues("error").Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	token, err := pageconfig.Token(page)
	if err != nil {
		TokensFetched.WithLabelValues("missing").Inc()
		e.logger.Warn().Err(err).Msg("App page carries no API token")
		storeErr := &AppStoreError{Message: "no API token found", Err: err}
		span.RecordError(storeErr)
		span.SetStatus(codes.Error, storeErr.Error())
		return storeErr
	}

	TokensFetched.WithLabelValues("ok").Inc()
	e.logger.Debug().Msg("Fetched API token")
	e.token = token
	return nil
}

// ReviewsPath returns the reviews endpoint path of the entry.
func (e *Entry) ReviewsPath() string {
	return fmt.Sprintf("/v1/catalog/%s/apps/%d/reviews", e.Country, e.AppID)
}

// ReviewsQuery returns the fixed query sent with every reviews page request.
func ReviewsQuery(limit int) pagination.Query {
	pageSize := PageSize
	if limit > 0 && limit < PageSize {
		pageSize = limit
	}
	return pagination.NewQuery(url.Values{
		"platform":            {"web"},
		"additionalPlatforms": {additionalPlatforms},
		"sort":                {"-date"},
		"limit":               {strconv.Itoa(pageSize)},
	})
}

// Reviews returns a sequence that lazily fetches the app's reviews, newest
// first. A limit of 0 means no limit.
//
// Each page triggers one request when the consumer reaches it, so the
// sequence can yield an error after some reviews were already delivered.
// An error is yielded once and ends the sequence. Ranging over the sequence
// again starts over from the first page.
//
// Only reviews from the entry's country are returned, and the API serves a
// limited history, so the count rarely matches the store page.
func (e *Entry) Reviews(ctx context.Context, limit int) iter.Seq2[Review, error] {
	return func(yield func(Review, error) bool) {
		if limit < 0 {
			yield(Review{}, &AppStoreError{Message: fmt.Sprintf("limit must be a non-negative number (got %d)", limit)})
			return
		}

		query := ReviewsQuery(limit)
		fetcher := pagination.PageFetcherFunc[json.RawMessage](e.fetchReviewsPage)

		count := 0
		for raw, err := range pagination.Walk(ctx, fetcher, e.ReviewsPath(), query, limit) {
			if err != nil {
				e.logger.Warn().Err(err).Int("yielded", count).Msg("Review iteration failed")
				yield(Review{}, asStoreError(err))
				return
			}

			review, err := decodeReview(raw)
			if err != nil {
				errorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
				yield(Review{}, &AppStoreError{ErrorClass: ErrorClassDecode, Message: "malformed review", Err: err})
				return
			}

			ReviewsYielded.Inc()
			count++
			if !yield(review, nil) {
				return
			}
		}

		e.logger.Debug().Int("yielded", count).Msg("Review iteration finished")
	}
}

// AllReviews collects Reviews into a slice. On error it returns the reviews
// delivered before the failure together with the error.
func (e *Entry) AllReviews(ctx context.Context, limit int) ([]Review, error) {
	var reviews []Review
	for review, err := range e.Reviews(ctx, limit) {
		if err != nil {
			return reviews, err
		}
		reviews = append(reviews, review)
	}
	return reviews, nil
}

func (e *Entry) fetchReviewsPage(ctx context.Context, path string) (pagination.Page[json.RawMessage], error) {
	var page reviewsPage
	if err := e.session.FetchAPIResource(ctx, path, e.token, nil, &page); err != nil {
		return pagination.Page[json.RawMessage]{}, err
	}

	next := ""
	if page.Next != nil {
		next = *page.Next
	}
	return pagination.Page[json.RawMessage]{Items: page.Data, Next: next}, nil
}

// asStoreError keeps session errors as they are and wraps anything else.
func asStoreError(err error) error {
	if errors.Is(err, ErrAppStore) {
		return err
	}
	return &AppStoreError{Message: "pagination failed", Err: err}
}
