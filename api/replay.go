/*
replay.go - Redis-backed idempotent-response cache

PURPOSE:
  Optional middleware for mutating routes. When a caller supplies an
  Idempotency-Key header, the serialized response is cached in Redis and
  replayed verbatim on retries, so a retried request never reaches the
  engine at all. The ledger's own idempotency keys remain the source of
  truth; this cache is a fast path and can be dropped at any time.

PROTOCOL:
  - no Idempotency-Key header: pass through
  - cached response: replay with X-Idempotent-Replay: true
  - in-progress marker: 409, a duplicate is still being processed
  - otherwise: reserve the key (SETNX), run the handler, store the
    response; the reservation is dropped on 5xx so the caller can retry.
    A racer that loses the reservation re-reads the key and either replays
    the winner's finished response or reports the conflict.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayPrefix         = "replay:v1:"
	inProgressMarker     = "__in_progress__"
	replayStoreTimeout   = 2 * time.Second
)

type storedResponse struct {
	Status      int    `json:"status"`
	Body        string `json:"body"`
	ContentType string `json:"content_type"`
}

// responseBuffer captures a handler's response for caching.
type responseBuffer struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header), status: http.StatusOK}
}

func (b *responseBuffer) Header() http.Header         { return b.header }
func (b *responseBuffer) WriteHeader(status int)      { b.status = status }
func (b *responseBuffer) Write(p []byte) (int, error) { return b.body.Write(p) }

// replayStored writes a previously cached serialized response. Returns false
// when the payload does not deserialize, leaving w untouched.
func replayStored(w http.ResponseWriter, cached string) bool {
	var stored storedResponse
	if err := json.Unmarshal([]byte(cached), &stored); err != nil {
		return false
	}
	w.Header().Set("Content-Type", stored.ContentType)
	w.Header().Set("X-Idempotent-Replay", "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write([]byte(stored.Body))
	return true
}

func (b *responseBuffer) flush(w http.ResponseWriter) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

// Replay builds the response-cache middleware over cache.
func Replay(cache *redis.Client, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(idempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), replayStoreTimeout)
			defer cancel()
			cacheKey := replayPrefix + key

			cached, err := cache.Get(ctx, cacheKey).Result()
			switch {
			case err == nil && cached == inProgressMarker:
				writeJSON(w, http.StatusConflict, ErrorDTO{
					Error: "duplicate request currently processing",
					Kind:  "concurrent_modification",
				})
				return
			case err == nil:
				if replayStored(w, cached) {
					return
				}
				logger.Warn("corrupt cached response, passing through",
					slog.String("key", key), slog.String("cache_key", cacheKey))
			case err != redis.Nil:
				// Cache down: the engine still deduplicates, so serve anyway.
				logger.Error("replay cache lookup failed",
					slog.String("key", key), slog.Any("error", err))
			}

			reserved, rerr := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Result()
			switch {
			case rerr != nil:
				logger.Error("replay cache reservation failed",
					slog.String("key", key), slog.Any("error", rerr))
			case !reserved:
				// Lost a reservation race the lookup above was too early to
				// see. The winner either finished (replay its response) or is
				// still running (conflict).
				cached, gerr := cache.Get(ctx, cacheKey).Result()
				switch {
				case gerr == nil && cached == inProgressMarker:
					writeJSON(w, http.StatusConflict, ErrorDTO{
						Error: "duplicate request currently processing",
						Kind:  "concurrent_modification",
					})
					return
				case gerr == nil && replayStored(w, cached):
					return
				}
				// Corrupt or vanished entry: run the handler and let the
				// store below overwrite it.
			}

			buf := newResponseBuffer()
			next.ServeHTTP(buf, r)
			buf.flush(w)

			storeCtx, cancelStore := context.WithTimeout(context.Background(), replayStoreTimeout)
			defer cancelStore()

			if buf.status >= http.StatusInternalServerError {
				cache.Del(storeCtx, cacheKey) // let the caller retry
				return
			}

			payload, err := json.Marshal(storedResponse{
				Status:      buf.status,
				Body:        buf.body.String(),
				ContentType: buf.header.Get("Content-Type"),
			})
			if err != nil {
				return
			}
			if err := cache.Set(storeCtx, cacheKey, payload, ttl).Err(); err != nil {
				logger.Warn("failed to store replay response",
					slog.String("key", key), slog.Any("error", err))
			}
		})
	}
}
