package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/Sternrassler/appstore-reviews/pkg/appstore"
	"github.com/Sternrassler/appstore-reviews/pkg/logging"
	"github.com/Sternrassler/appstore-reviews/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// requestTimeout bounds one /reviews request including all pages.
const requestTimeout = 5 * time.Minute

func main() {
	logging.Setup(logging.ConfigFromEnv())

	// Configuration from environment
	port := getEnv("PORT", "8080")
	redisURL := getEnv("REDIS_URL", "")

	cfg, err := sessionConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Redis is optional; without it cooldowns stay per process
	var redisClient *redis.Client
	if redisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: redisURL,
		})

		ctx := context.Background()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", redisURL).Msg("Failed to connect to Redis")
		}
		log.Info().Str("addr", redisURL).Msg("Connected to Redis")
		cfg.Redis = redisClient
	}

	session, err := appstore.NewSession(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create App Store session")
	}
	defer session.Close()

	addr := ":" + port
	log.Info().
		Str("addr", addr).
		Str("user_agent", cfg.UserAgent).
		Int("max_attempts", cfg.MaxAttempts).
		Float64("requests_per_second", cfg.RequestsPerSecond).
		Msg("Starting review proxy server")

	if err := http.ListenAndServe(addr, newMux(session, redisClient)); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// sessionConfigFromEnv overlays environment settings on the default session config.
func sessionConfigFromEnv() (appstore.Config, error) {
	cfg := appstore.DefaultConfig()
	cfg.UserAgent = getEnv("USER_AGENT", cfg.UserAgent)

	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = n
	}
	if v := os.Getenv("REQUESTS_PER_SECOND"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("REQUESTS_PER_SECOND: %w", err)
		}
		cfg.RequestsPerSecond = rps
	}
	return cfg, nil
}

func newMux(session *appstore.Session, redisClient *redis.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(redisClient))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /reviews/{country}/{appId}", reviewsHandler(session))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// reviewsHandler streams an app's reviews as JSON lines.
//
// Failures before the first review map to a status code (404 for an unknown
// app, 400 for bad input, 502 otherwise). Once streaming has started the
// status is already sent, so a failure ends the stream with an error line.
func reviewsHandler(session *appstore.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appID, err := appstore.ParseAppID(r.PathValue("appId"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			limit, err = strconv.Atoi(v)
			if err != nil || limit < 0 {
				http.Error(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
				return
			}
		}

		country, err := appstore.NormalizeCountry(r.PathValue("country"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		logger := log.With().
			Str("component", "review-proxy").
			Int64("app_id", appID).
			Str("country", country).
			Logger()

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		entry, err := appstore.NewEntry(ctx, appID, country, session)
		if err != nil {
			if appstore.IsAppNotFound(err) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			logger.Warn().Err(err).Msg("Entry lookup failed")
			http.Error(w, fmt.Sprintf("App Store request failed: %v", err), http.StatusBadGateway)
			return
		}

		enc := json.NewEncoder(w)
		flusher, _ := w.(http.Flusher)
		started := false
		count := 0

		for review, err := range entry.Reviews(ctx, limit) {
			if err != nil {
				logger.Warn().Err(err).Int("written", count).Msg("Review stream failed")
				if !started {
					http.Error(w, fmt.Sprintf("App Store request failed: %v", err), http.StatusBadGateway)
					return
				}
				enc.Encode(errorLine{Error: err.Error()})
				return
			}

			if !started {
				w.Header().Set("Content-Type", "application/x-ndjson")
				w.WriteHeader(http.StatusOK)
				started = true
			}
			if err := enc.Encode(review); err != nil {
				// Client went away
				logger.Debug().Err(err).Msg("Failed to write review")
				return
			}
			count++
			if flusher != nil && count%appstore.PageSize == 0 {
				flusher.Flush()
			}
		}

		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
		}
		logger.Info().Int("written", count).Msg("Served reviews")
	}
}

type errorLine struct {
	Error string `json:"error"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
