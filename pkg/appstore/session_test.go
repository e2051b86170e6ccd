package appstore

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/appstore-reviews/internal/testutil"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestNewSession_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "missing user agent", mutate: func(c *Config) { c.UserAgent = "" }, wantErr: "user-agent is required"},
		{name: "zero attempts", mutate: func(c *Config) { c.MaxAttempts = 0 }, wantErr: "max_attempts"},
		{name: "negative backoff", mutate: func(c *Config) { c.BackoffFactor = -1 }, wantErr: "backoff_factor"},
		{name: "negative rps", mutate: func(c *Config) { c.RequestsPerSecond = -1 }, wantErr: "requests_per_second"},
		{name: "relative web base", mutate: func(c *Config) { c.WebBaseURL = "/apps" }, wantErr: "web_base_url"},
		{name: "relative api base", mutate: func(c *Config) { c.APIBaseURL = "amp-api" }, wantErr: "api_base_url"},
		{name: "pacing enabled", mutate: func(c *Config) { c.RequestsPerSecond = 5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			session, err := NewSession(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewSession() error = %v", err)
				}
				session.Close()
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewSession() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.UserAgent != "appstore-reviews/"+Version {
		t.Errorf("UserAgent = %q", cfg.UserAgent)
	}
	if cfg.WebBaseURL != DefaultWebBaseURL || cfg.APIBaseURL != DefaultAPIBaseURL {
		t.Errorf("base URLs = %q, %q", cfg.WebBaseURL, cfg.APIBaseURL)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.MaxAttempts != 5 || cfg.BackoffFactor != 3*time.Second || cfg.MaxBackoff != 60*time.Second {
		t.Errorf("retry defaults = %+v", cfg.RetryConfig())
	}
	if cfg.RequestsPerSecond != 0 {
		t.Errorf("RequestsPerSecond = %v, want 0 (pacing off)", cfg.RequestsPerSecond)
	}
}

func TestSession_AppPageURL(t *testing.T) {
	session, err := NewSession(DefaultConfig())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer session.Close()

	want := "https://apps.apple.com/fi/app/_/id361309726"
	if got := session.AppPageURL(361309726, "fi"); got != want {
		t.Errorf("AppPageURL() = %q, want %q", got, want)
	}
}

func TestSession_FetchAppPage(t *testing.T) {
	mock := testutil.NewMockAppStore()
	defer mock.Close()
	mock.SetAppPage(testAppID, "us", testutil.TestToken)

	session := newTestSession(t, mock)

	page, err := session.FetchAppPage(context.Background(), testAppID, "us")
	if err != nil {
		t.Fatalf("FetchAppPage() error = %v", err)
	}
	if !strings.Contains(page, "web-experience-app/config/environment") {
		t.Error("page should contain the config meta tag")
	}
}

func TestSession_FetchAppPage_Errors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantNotFound bool
		wantRequests int
	}{
		{name: "not found", status: http.StatusNotFound, wantNotFound: true, wantRequests: 1},
		{name: "forbidden", status: http.StatusForbidden, wantRequests: 1},
		{name: "server error", status: http.StatusInternalServerError, wantRequests: 1},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantRequests: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockAppStore()
			defer mock.Close()
			mock.SetResponse(testutil.AppPagePath(testAppID, "us"), testutil.NewServerErrorResponse(tt.status))

			session := newTestSession(t, mock)
			_, err := session.FetchAppPage(context.Background(), testAppID, "us")

			if IsAppNotFound(err) != tt.wantNotFound {
				t.Errorf("IsAppNotFound = %v, want %v (err: %v)", IsAppNotFound(err), tt.wantNotFound, err)
			}
			if !errors.Is(err, ErrAppStore) {
				t.Errorf("expected ErrAppStore, got %v", err)
			}
			if n := mock.GetRequestCount(); n != tt.wantRequests {
				t.Errorf("requests = %d, want %d", n, tt.wantRequests)
			}
		})
	}
}

func TestSession_RetryOnServiceUnavailable(t *testing.T) {
	mock := testutil.NewMockAppStore()
	defer mock.Close()

	var hits atomic.Int32
	mock.SetHandler("/v1/test", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	session := newTestSession(t, mock)

	var out struct {
		OK bool `json:"ok"`
	}
	if err := session.FetchAPIResource(context.Background(), "/v1/test", "tok", nil, &out); err != nil {
		t.Fatalf("FetchAPIResource() error = %v", err)
	}
	if !out.OK {
		t.Error("expected decoded body")
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
}

func TestSession_RateLimitExhausted(t *testing.T) {
	mock := testutil.NewMockAppStore()
	defer mock.Close()
	mock.SetResponse("/v1/test", testutil.NewRateLimitResponse("0"))

	cfg := DefaultConfig()
	cfg.WebBaseURL = mock.URL()
	cfg.APIBaseURL = mock.URL()
	cfg.MaxAttempts = 3
	cfg.BackoffFactor = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer session.Close()

	err = session.FetchAPIResource(context.Background(), "/v1/test", "tok", nil, nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}

	var storeErr *AppStoreError
	if !errors.As(err, &storeErr) || storeErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429 on exhausted error, got %v", err)
	}
	if n := mock.GetRequestCount(); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestSession_RetryAfterRespected(t *testing.T) {
	mock := testutil.NewMockAppStore()
	defer mock.Close()

	var hits atomic.Int32
	mock.SetHandler("/v1/test", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	})

	cfg := DefaultConfig()
	cfg.WebBaseURL = mock.URL()
	cfg.APIBaseURL = mock.URL()
	cfg.BackoffFactor = time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer session.Close()

	start := time.Now()
	if err := session.FetchAPIResource(context.Background(), "/v1/test", "tok", nil, nil); err != nil {
		t.Fatalf("FetchAPIResource() error = %v", err)
	}

	// Retry-After of 1s is clamped to MaxBackoff
	elapsed := time.Since(start)
	if elapsed < 100*time.Millisecond {
		t.Errorf("elapsed = %v, want at least the clamped 100ms", elapsed)
	}
	if elapsed > 900*time.Millisecond {
		t.Errorf("elapsed = %v, Retry-After should be clamped to MaxBackoff", elapsed)
	}
}

func TestSession_NoRetryOnClientError(t *testing.T) {
	mock := testutil.NewMockAppStore()
	defer mock.Close()
	mock.SetResponse("/v1/test", testutil.MockResponse{StatusCode: http.StatusForbidden})

	session := newTestSession(t, mock)

	err := session.FetchAPIResource(context.Background(), "/v1/test", "tok", nil, nil)

	var storeErr *AppStoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected *AppStoreError, got %v", err)
	}
	if storeErr.StatusCode != http.StatusForbidden || storeErr.ErrorClass != ErrorClassClient {
		t.Errorf("error = %+v", storeErr)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("client errors should not be retried")
	}
	if n := mock.GetRequestCount(); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestSession_FetchAPIResource_Params(t *testing.T) {
	mock := testutil.NewMockAppStore()
	defer mock.Close()
	mock.SetResponse("/v1/test", testutil.MockResponse{StatusCode: http.StatusOK, Body: `{}`})

	session := newTestSession(t, mock)

	params := url.Values{"limit": {"5"}, "sort": {"-date"}}
	if err := session.FetchAPIResource(context.Background(), "/v1/test?offset=10", "tok", params, nil); err != nil {
		t.Fatalf("FetchAPIResource() error = %v", err)
	}

	requests := mock.RequestsTo("/v1/test")
	if len(requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(requests))
	}
	query := requests[0].Query()
	for key, want := range map[string]string{"offset": "10", "limit": "5", "sort": "-date"} {
		if got := query.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestSession_FetchAPIResource_AbsoluteURL(t *testing.T) {
	mock := testutil.NewMockAppStore()
	defer mock.Close()
	mock.SetResponse("/v1/other", testutil.MockResponse{StatusCode: http.StatusOK, Body: `{}`})

	session := newTestSession(t, mock)

	tests := []struct {
		name string
		link string
	}{
		{name: "same host", link: mock.URL() + "/v1/other?offset=20"},
		{name: "foreign host", link: "https://evil.example/v1/other?offset=20"},
		{name: "scheme relative", link: "//evil.example/v1/other?offset=20"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.Reset()

			if err := session.FetchAPIResource(context.Background(), tt.link, "tok", nil, nil); err != nil {
				t.Fatalf("FetchAPIResource() error = %v", err)
			}

			requests := mock.RequestsTo("/v1/other")
			if len(requests) != 1 {
				t.Fatalf("requests to the API base = %d, want 1", len(requests))
			}
			if got := requests[0].Query().Get("offset"); got != "20" {
				t.Errorf("offset = %q, want 20", got)
			}
			if got := mock.GetLastAPIHeader().Get("Authorization"); got != "Bearer tok" {
				t.Errorf("Authorization = %q, want the token on the API host", got)
			}
		})
	}
}

func TestSession_ReusesConnectionAfterClientError(t *testing.T) {
	var newConns atomic.Int32
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(strings.Repeat("denied ", 512)))
	}))
	server.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			newConns.Add(1)
		}
	}
	server.Start()
	defer server.Close()

	cfg := DefaultConfig()
	cfg.WebBaseURL = server.URL
	cfg.APIBaseURL = server.URL
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer session.Close()

	for range 3 {
		err := session.FetchAPIResource(context.Background(), "/v1/test", "tok", nil, nil)
		if classifyError(err) != ErrorClassClient {
			t.Fatalf("error class = %q, want %q (err: %v)", classifyError(err), ErrorClassClient, err)
		}
	}

	if n := newConns.Load(); n != 1 {
		t.Errorf("connections opened = %d, want 1 (body not drained)", n)
	}
}

func TestSession_FetchAPIResource_DecodeError(t *testing.T) {
	mock := testutil.NewMockAppStore()
	defer mock.Close()
	mock.SetResponse("/v1/test", testutil.MockResponse{StatusCode: http.StatusOK, Body: `<html>`})

	session := newTestSession(t, mock)

	var out map[string]any
	err := session.FetchAPIResource(context.Background(), "/v1/test", "tok", nil, &out)
	if classifyError(err) != ErrorClassDecode {
		t.Errorf("error class = %q, want %q (err: %v)", classifyError(err), ErrorClassDecode, err)
	}
	if n := mock.GetRequestCount(); n != 1 {
		t.Errorf("requests = %d, want 1 (decode errors are not retried)", n)
	}
}

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestSession_RetryOnNetworkError(t *testing.T) {
	mock := testutil.NewMockAppStore()
	defer mock.Close()
	mock.SetResponse("/v1/test", testutil.MockResponse{StatusCode: http.StatusOK, Body: `{}`})

	var calls atomic.Int32
	cfg := DefaultConfig()
	cfg.WebBaseURL = mock.URL()
	cfg.APIBaseURL = mock.URL()
	cfg.BackoffFactor = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.Transport = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return http.DefaultTransport.RoundTrip(req)
	})

	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer session.Close()

	if err := session.FetchAPIResource(context.Background(), "/v1/test", "tok", nil, nil); err != nil {
		t.Fatalf("FetchAPIResource() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("transport calls = %d, want 3", calls.Load())
	}
}

func TestSession_NetworkErrorExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIBaseURL = "http://upstream.invalid"
	cfg.MaxAttempts = 2
	cfg.BackoffFactor = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	cfg.Transport = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: no route to host")
	})

	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer session.Close()

	err = session.FetchAPIResource(context.Background(), "/v1/test", "tok", nil, nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("expected ErrRetryExhausted, got %v", err)
	}
	if classifyError(err) != ErrorClassNetwork {
		t.Errorf("error class = %q, want %q", classifyError(err), ErrorClassNetwork)
	}
}

func TestSession_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockAppStore()
	defer mock.Close()
	mock.SetResponse("/v1/test", testutil.MockResponse{StatusCode: http.StatusOK, Body: `{}`, Delay: 500 * time.Millisecond})

	session := newTestSession(t, mock)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := session.FetchAPIResource(ctx, "/v1/test", "tok", nil, nil)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("expected ErrContextCancelled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("cancellation took %v", elapsed)
	}
}

func TestSession_SharedCooldown(t *testing.T) {
	mock := testutil.NewMockAppStore()
	defer mock.Close()

	var hits atomic.Int32
	mock.SetHandler("/v1/limited", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	})

	cfg := DefaultConfig()
	cfg.WebBaseURL = mock.URL()
	cfg.APIBaseURL = mock.URL()
	cfg.MaxAttempts = 1
	cfg.MaxBackoff = 80 * time.Millisecond
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer session.Close()

	if err := session.FetchAPIResource(context.Background(), "/v1/limited", "tok", nil, nil); err == nil {
		t.Fatal("expected 429 with a single attempt")
	}

	// The next request waits out the recorded cooldown first
	start := time.Now()
	if err := session.FetchAPIResource(context.Background(), "/v1/limited", "tok", nil, nil); err != nil {
		t.Fatalf("FetchAPIResource() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("elapsed = %v, expected to wait for the shared cooldown", elapsed)
	}
}

func TestSession_CooldownSharedThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	mock := testutil.NewMockAppStore()
	defer mock.Close()

	var hits atomic.Int32
	mock.SetHandler("/v1/limited", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	})

	newSession := func() *Session {
		cfg := DefaultConfig()
		cfg.WebBaseURL = mock.URL()
		cfg.APIBaseURL = mock.URL()
		cfg.MaxAttempts = 1
		cfg.MaxBackoff = 80 * time.Millisecond
		cfg.Redis = redisClient
		session, err := NewSession(cfg)
		if err != nil {
			t.Fatalf("NewSession() error = %v", err)
		}
		t.Cleanup(func() { session.Close() })
		return session
	}

	first, second := newSession(), newSession()

	if err := first.FetchAPIResource(context.Background(), "/v1/limited", "tok", nil, nil); err == nil {
		t.Fatal("expected 429 with a single attempt")
	}
	if !mr.Exists("appstore:cooldown:until") {
		t.Fatal("cooldown should be stored in Redis")
	}

	// The second session sees the cooldown written by the first
	start := time.Now()
	if err := second.FetchAPIResource(context.Background(), "/v1/limited", "tok", nil, nil); err != nil {
		t.Fatalf("FetchAPIResource() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("elapsed = %v, expected to wait for the shared cooldown", elapsed)
	}
}

// pacedSession serves two countries of the same app from one session.
func pacedSession(t *testing.T, rps float64) (*testutil.MockAppStore, *Session) {
	t.Helper()

	mock := testutil.NewMockAppStore()
	t.Cleanup(mock.Close)
	for _, country := range []string{"us", "gb"} {
		mock.SetAppPage(testAppID, country, testutil.TestToken)
		mock.SetReviews(testAppID, country, testutil.FakeReviews(4, 7), 3)
	}

	cfg := DefaultConfig()
	cfg.WebBaseURL = mock.URL()
	cfg.APIBaseURL = mock.URL()
	cfg.RequestsPerSecond = rps
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return mock, session
}

// readBothCountries drains the reviews of two entries sharing session.
func readBothCountries(t *testing.T, session *Session) {
	t.Helper()

	ctx := context.Background()
	us, err := NewEntry(ctx, testAppID, "us", session)
	if err != nil {
		t.Fatalf("NewEntry(us) error = %v", err)
	}
	gb, err := NewEntry(ctx, testAppID, "gb", session)
	if err != nil {
		t.Fatalf("NewEntry(gb) error = %v", err)
	}

	for _, entry := range []*Entry{us, gb} {
		reviews, err := entry.AllReviews(ctx, 0)
		if err != nil {
			t.Fatalf("AllReviews(%s) error = %v", entry.Country, err)
		}
		if len(reviews) != 4 {
			t.Errorf("len(reviews) for %s = %d, want 4", entry.Country, len(reviews))
		}
	}
}

func TestSession_PacingSharedByEntries(t *testing.T) {
	mock, session := pacedSession(t, 5)

	start := time.Now()
	readBothCountries(t, session)
	elapsed := time.Since(start)

	n := mock.GetRequestCount()
	if n < 4 {
		t.Fatalf("requests = %d, want at least 4", n)
	}
	want := time.Duration(n-1) * time.Second / 5
	if elapsed < want-20*time.Millisecond {
		t.Errorf("%d requests took %v, want at least %v at 5 req/s", n, elapsed, want)
	}
}

func TestSession_NoPacingByDefault(t *testing.T) {
	mock, session := pacedSession(t, 0)
	if session.pacer != nil {
		t.Fatal("default config should not pace requests")
	}

	start := time.Now()
	readBothCountries(t, session)
	elapsed := time.Since(start)

	if n := mock.GetRequestCount(); n < 4 {
		t.Fatalf("requests = %d, want at least 4", n)
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("unpaced requests took %v", elapsed)
	}
}
