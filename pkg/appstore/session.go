package appstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/appstore-reviews/pkg/logging"
	"github.com/Sternrassler/appstore-reviews/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Version is reported in the default User-Agent.
const Version = "0.4.0"

// Upstream endpoints.
const (
	DefaultWebBaseURL = "https://apps.apple.com"
	DefaultAPIBaseURL = "https://amp-api-edge.apps.apple.com"
)

// Metric labels for the two request kinds.
const (
	endpointAppPage = "app_page"
	endpointAPI     = "api"
)

var tracer = otel.Tracer("github.com/Sternrassler/appstore-reviews/pkg/appstore")

// Config holds the session configuration.
type Config struct {
	// User-Agent header sent with every request
	UserAgent string

	// Base URLs of the marketplace web frontend and its catalog API
	WebBaseURL string
	APIBaseURL string

	// Timeout bounds a single HTTP attempt (connect through body read)
	Timeout time.Duration

	// Retry
	MaxAttempts   int
	BackoffFactor time.Duration
	BackoffJitter time.Duration
	MaxBackoff    time.Duration

	// RequestsPerSecond enables client-side pacing when > 0.
	// Off by default; retry backoff alone handles throttling.
	RequestsPerSecond float64

	// Redis shares upstream cooldowns between processes (optional).
	Redis *redis.Client

	// Transport overrides the pooled default transport (for testing).
	Transport http.RoundTripper
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	retry := DefaultRetryConfig()
	return Config{
		UserAgent:     "appstore-reviews/" + Version,
		WebBaseURL:    DefaultWebBaseURL,
		APIBaseURL:    DefaultAPIBaseURL,
		Timeout:       30 * time.Second,
		MaxAttempts:   retry.MaxAttempts,
		BackoffFactor: retry.BackoffFactor,
		BackoffJitter: retry.BackoffJitter,
		MaxBackoff:    retry.MaxBackoff,
	}
}

// RetryConfig returns the retry part of the configuration.
func (c Config) RetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   c.MaxAttempts,
		BackoffFactor: c.BackoffFactor,
		BackoffJitter: c.BackoffJitter,
		MaxBackoff:    c.MaxBackoff,
	}
}

// Session is a pool of HTTP connections to the App Store plus the retry
// policy applied to every request. A Session is safe for concurrent use and
// is meant to be shared by many entries.
type Session struct {
	httpClient *http.Client
	retry      RetryConfig
	tracker    *ratelimit.Tracker
	pacer      *rate.Limiter
	webBase    *url.URL
	apiBase    *url.URL
	config     Config
	logger     zerolog.Logger
}

// NewSession creates a new session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	retry := cfg.RetryConfig()
	if err := retry.Validate(); err != nil {
		return nil, err
	}

	if cfg.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("requests_per_second must be >= 0 (got %g)", cfg.RequestsPerSecond)
	}

	webBase, err := parseBaseURL("web_base_url", cfg.WebBaseURL)
	if err != nil {
		return nil, err
	}
	apiBase, err := parseBaseURL("api_base_url", cfg.APIBaseURL)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger("appstore-session")

	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.Redis != nil {
		store = ratelimit.NewRedisStore(cfg.Redis)
	}

	transport := cfg.Transport
	if transport == nil {
		pooled := http.DefaultTransport.(*http.Transport).Clone()
		pooled.MaxIdleConnsPerHost = 10
		transport = pooled
	}

	return &Session{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		retry:   retry,
		tracker: ratelimit.NewTracker(store, retry.MaxBackoff, logger),
		pacer:   ratelimit.NewPacer(cfg.RequestsPerSecond),
		webBase: webBase,
		apiBase: apiBase,
		config:  cfg,
		logger:  logger,
	}, nil
}

func parseBaseURL(name, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s must be an absolute URL (got %q)", name, raw)
	}
	return u, nil
}

// Config returns the session configuration.
func (s *Session) Config() Config {
	return s.config
}

// Close releases idle pooled connections.
func (s *Session) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

// AppPageURL returns the marketplace page URL for an app.
func (s *Session) AppPageURL(appID int64, country string) string {
	return s.webBase.JoinPath(country, "app", "_", "id"+strconv.FormatInt(appID, 10)).String()
}

// FetchAppPage fetches the HTML page of an app in the given country's store.
func (s *Session) FetchAppPage(ctx context.Context, appID int64, country string) (string, error) {
	ctx, span := tracer.Start(ctx, "FetchAppPage", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("app_id", appID),
		attribute.String("country", country),
	)

	target := s.AppPageURL(appID, country)
	body, status, err := s.get(ctx, endpointAppPage, target, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	switch {
	case status == http.StatusNotFound:
		err := &AppNotFoundError{AppID: appID, Country: country}
		span.SetStatus(codes.Error, err.Error())
		return "", err
	case status >= 400:
		err := newStatusError("app page", status, classifyStatus(status))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	return string(body), nil
}

// FetchAPIResource fetches a catalog API resource and decodes its JSON body
// into out. path may be relative to the API base or absolute; params are
// merged into its query string.
func (s *Session) FetchAPIResource(ctx context.Context, path, accessToken string, params url.Values, out any) error {
	ctx, span := tracer.Start(ctx, "FetchAPIResource", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	target, err := s.resolveAPI(path, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("url", target))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)
	header.Set("Origin", s.webOrigin())
	header.Set("Accept", "application/json")

	body, status, err := s.get(ctx, endpointAPI, target, header)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if status >= 400 {
		err := newStatusError("API resource", status, classifyStatus(status))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := decodeJSON(body, out); err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &AppStoreError{
			ErrorClass: ErrorClassDecode,
			Message:    "decoding API response failed",
			Err:        err,
		}
	}
	return nil
}

func (s *Session) resolveAPI(path string, params url.Values) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", &AppStoreError{Message: fmt.Sprintf("invalid API path %q", path), Err: err}
	}
	// The bearer token only goes to the API host
	if ref.Host != "" && !strings.EqualFold(ref.Host, s.apiBase.Host) {
		s.logger.Warn().
			Str("host", ref.Host).
			Str("api_host", s.apiBase.Host).
			Msg("Re-rooting API link onto the API base")
		ref = &url.URL{Path: ref.Path, RawPath: ref.RawPath, RawQuery: ref.RawQuery}
	}
	u := s.apiBase.ResolveReference(ref)
	if len(params) > 0 {
		query := u.Query()
		for key, vals := range params {
			query[key] = append([]string(nil), vals...)
		}
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// webOrigin is the web base reduced to scheme://host, as browsers send it.
func (s *Session) webOrigin() string {
	return (&url.URL{Scheme: s.webBase.Scheme, Host: s.webBase.Host}).String()
}

// get performs a GET with pacing, shared cooldowns and retry. It returns the
// body and status of the final response; statuses >= 400 that are not
// retryable are returned without an error so callers can map them.
func (s *Session) get(ctx context.Context, endpoint, target string, header http.Header) ([]byte, int, error) {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	var body []byte
	var status int

	err := retryWithBackoff(ctx, s.retry, s.logger, func() error {
		body, status = nil, 0

		if err := s.tracker.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return &AppStoreError{Message: "waiting for cooldown", Err: fmt.Errorf("%w: %w", ErrContextCancelled, err)}
			}
			s.logger.Warn().Err(err).Msg("Cooldown check failed")
		}
		if s.pacer != nil {
			if err := s.pacer.Wait(ctx); err != nil {
				return &AppStoreError{Message: "waiting for pacer", Err: fmt.Errorf("%w: %w", ErrContextCancelled, err)}
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return &AppStoreError{Message: "create request", Err: err}
		}
		for key, vals := range header {
			req.Header[key] = vals
		}
		req.Header.Set("User-Agent", s.config.UserAgent)

		s.logger.Debug().
			Str("endpoint", endpoint).
			Str("url", target).
			Msg("Executing request")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			if ctx.Err() != nil {
				return &AppStoreError{ErrorClass: ErrorClassNetwork, Message: "request cancelled", Err: fmt.Errorf("%w: %w", ErrContextCancelled, err)}
			}
			s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
			return &AppStoreError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
		}
		defer resp.Body.Close()

		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode >= 400 {
			errClass := classifyStatus(resp.StatusCode)
			errorsTotal.WithLabelValues(string(errClass)).Inc()

			s.logger.Warn().
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Str("error_class", string(errClass)).
				Msg("App Store request error")

			if shouldRetry(errClass) {
				retryAfter, err := s.tracker.UpdateFromResponse(ctx, resp.StatusCode, resp.Header)
				if err != nil {
					s.logger.Warn().Err(err).Msg("Failed to record cooldown")
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				return &AppStoreError{
					StatusCode: resp.StatusCode,
					ErrorClass: errClass,
					Message:    resp.Status,
					RetryAfter: retryAfter,
				}
			}

			_, _ = io.Copy(io.Discard, resp.Body)
			status = resp.StatusCode
			return nil
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return &AppStoreError{ErrorClass: ErrorClassNetwork, Message: "reading response body", Err: err}
		}

		body, status = data, resp.StatusCode
		return nil
	})
	if err != nil {
		var storeErr *AppStoreError
		if !errors.As(err, &storeErr) {
			err = &AppStoreError{Message: "request failed", Err: err}
		}
		return nil, 0, err
	}

	return body, status, nil
}

// classifyStatus categorizes an HTTP error status for retry and metrics.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status == http.StatusServiceUnavailable:
		return ErrorClassUnavailable
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}
