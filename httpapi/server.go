// Package httpapi is the thin request-handling boundary over the refresh
// core. Handlers only translate request/response semantics; all policy lives
// in the stores, the queue and the runner.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/upstreamcache/upstream-cache/internal/cache"
	"github.com/upstreamcache/upstream-cache/internal/keycodec"
	"github.com/upstreamcache/upstream-cache/internal/pool"
	"github.com/upstreamcache/upstream-cache/internal/queue"
	"github.com/upstreamcache/upstream-cache/internal/runner"
	"github.com/upstreamcache/upstream-cache/internal/sources"
	"github.com/upstreamcache/upstream-cache/model"
)

// Request/response headers of the public boundary.
const (
	HeaderServedFrom = "X-UC-Served-From"
	HeaderCacheOnly  = "X-UC-Cache-Only"
	HeaderBypass     = "X-UC-Bypass-Cache"
)

type Server struct {
	cache   *cache.Store
	queue   *queue.Queue
	pool    *pool.Store
	sources sources.Provider
	runner  *runner.Runner
	clk     clock.Clock
	logger  *slog.Logger
}

func New(
	cacheStore *cache.Store,
	q *queue.Queue,
	poolStore *pool.Store,
	provider sources.Provider,
	run *runner.Runner,
	clk clock.Clock,
	logger *slog.Logger,
) *Server {
	return &Server{cache: cacheStore, queue: q, pool: poolStore, sources: provider, runner: run, clk: clk, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/cache/{source_id}/{key...}", s.handleGet)
	mux.HandleFunc("PUT /api/v1/cache/{source_id}/{key...}", s.handlePut)
	mux.HandleFunc("DELETE /api/v1/cache/{source_id}/{key...}", s.handleDelete)
	mux.HandleFunc("POST /api/v1/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/run", s.handleRun)
	return mux
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("source_id")
	key := r.PathValue("key")

	src, err := s.sources.Get(r.Context(), sourceID)
	if err != nil {
		if errors.Is(err, sources.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown source")
			return
		}
		s.fail(w, "source lookup", err)
		return
	}

	if src.SupportsPool {
		s.serveFromPool(w, r, src, key)
		return
	}
	s.serveFromCache(w, r, src, key)
}

func (s *Server) serveFromPool(w http.ResponseWriter, r *http.Request, src *model.Source, key string) {
	item, found, err := s.pool.RandomItem(r.Context(), src.ID, key)
	if err != nil {
		s.fail(w, "pool read", err)
		return
	}

	if !found {
		w.Header().Set(HeaderServedFrom, "pool-none")
		if r.Header.Get(HeaderCacheOnly) != "" {
			writeError(w, http.StatusNotFound, "pool empty")
			return
		}
		res := s.enqueuePoolJob(r, src.ID, key)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"pool":     true,
			"enqueued": res.Enqueued,
			"task_id":  res.JobID,
		})
		return
	}

	// Every pool response advertises the item id as a strong validator.
	w.Header().Set("ETag", item.ItemID)
	w.Header().Set(HeaderServedFrom, "pool-"+string(item.From))

	if r.Header.Get(HeaderBypass) != "" {
		s.enqueuePoolJob(r, src.ID, key)
	}
	if etagMatches(r.Header.Get("If-None-Match"), item.ItemID) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": item.Data,
		"meta": map[string]any{
			"pool":         true,
			"item_id":      item.ItemID,
			"encoding":     item.Encoding,
			"content_type": item.ContentType,
			"served_from":  "pool-" + string(item.From),
		},
	})
}

func (s *Server) serveFromCache(w http.ResponseWriter, r *http.Request, src *model.Source, key string) {
	entry, found, err := s.cache.Get(r.Context(), src.ID, key)
	if err != nil {
		s.fail(w, "cache read", err)
		return
	}

	if !found {
		w.Header().Set(HeaderServedFrom, "none")
		if r.Header.Get(HeaderCacheOnly) != "" {
			writeError(w, http.StatusNotFound, "cache miss")
			return
		}
		res := s.enqueueRefresh(r, src.ID, key)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"enqueued": res.Enqueued,
			"task_id":  res.JobID,
			"reason":   res.Reason,
		})
		return
	}

	// A stale hit still serves; the refresh happens asynchronously.
	if entry.Meta.Stale || r.Header.Get(HeaderBypass) != "" {
		s.enqueueRefresh(r, src.ID, key)
	}

	w.Header().Set(HeaderServedFrom, "cache")
	if entry.Meta.ETag != "" {
		w.Header().Set("ETag", entry.Meta.ETag)
		if etagMatches(r.Header.Get("If-None-Match"), entry.Meta.ETag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	writeJSON(w, http.StatusOK, entry)
}

type putRequest struct {
	Data        json.RawMessage `json:"data"`
	Encoding    model.Encoding  `json:"encoding"`
	ContentType string          `json:"content_type"`
	TTLSeconds  *int            `json:"ttl_s"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("source_id")
	key := r.PathValue("key")

	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Encoding == "" {
		req.Encoding = model.EncodingJSON
	}

	entry := &model.Entry{
		Data: req.Data,
		Meta: model.Meta{
			ContentType:  req.ContentType,
			DataEncoding: req.Encoding,
		},
	}
	opts := cache.SetOptions{TTLSeconds: req.TTLSeconds}
	if req.TTLSeconds != nil {
		entry.Meta.TTLSeconds = *req.TTLSeconds
		if *req.TTLSeconds > 0 {
			t := s.clk.Now().Add(time.Duration(*req.TTLSeconds) * time.Second)
			entry.Meta.ExpiresAt = &t
		}
	}

	if err := s.cache.Set(r.Context(), sourceID, key, entry, opts); err != nil {
		s.fail(w, "cache write", err)
		return
	}
	writeJSON(w, http.StatusOK, entry.Meta)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	removed, err := s.cache.Delete(r.Context(), r.PathValue("source_id"), r.PathValue("key"))
	if err != nil {
		s.fail(w, "cache delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

type refreshRequest struct {
	SourceID string   `json:"source_id"`
	Key      string   `json:"key"`
	Keys     []string `json:"keys"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	opts := queue.EnqueueOptions{IdempotencyKey: r.Header.Get("Idempotency-Key")}

	if len(req.Keys) > 0 {
		jobs := make([]model.RefreshJob, 0, len(req.Keys))
		for _, k := range req.Keys {
			jobs = append(jobs, model.RefreshJob{SourceID: req.SourceID, Key: k})
		}
		results, err := s.queue.EnqueueMany(r.Context(), jobs, opts)
		if err != nil {
			s.fail(w, "enqueue batch", err)
			return
		}
		writeJSON(w, http.StatusAccepted, results)
		return
	}

	res, err := s.queue.Enqueue(r.Context(), model.RefreshJob{SourceID: req.SourceID, Key: req.Key}, opts)
	if err != nil {
		s.fail(w, "enqueue", err)
		return
	}
	status := http.StatusAccepted
	if !res.Enqueued {
		status = http.StatusConflict
		if res.Reason == model.ReasonInvalid {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, res)
}

type runRequest struct {
	SourceID     string `json:"source_id"`
	MaxPerSource int    `json:"max_per_source"`
	TimeBudgetMS int    `json:"time_budget_ms"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}

	summary, err := s.runner.RunOnce(r.Context(), runner.Options{
		SourceID:     req.SourceID,
		MaxPerSource: req.MaxPerSource,
		TimeBudget:   time.Duration(req.TimeBudgetMS) * time.Millisecond,
	})
	if err != nil {
		s.fail(w, "run", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) enqueueRefresh(r *http.Request, sourceID, key string) model.EnqueueResult {
	res, err := s.queue.Enqueue(r.Context(), model.RefreshJob{SourceID: sourceID, Key: key},
		queue.EnqueueOptions{IdempotencyKey: r.Header.Get("Idempotency-Key")})
	if err != nil {
		s.logger.Error("refresh enqueue failed", "source", sourceID, "key", key, "err", err)
	}
	return res
}

func (s *Server) enqueuePoolJob(r *http.Request, sourceID, key string) model.EnqueueResult {
	jobKey := keycodec.PoolJobKey(key, uuid.NewString())
	res, err := s.queue.Enqueue(r.Context(), model.RefreshJob{SourceID: sourceID, Key: jobKey}, queue.EnqueueOptions{})
	if err != nil {
		s.logger.Error("pool enqueue failed", "source", sourceID, "key", key, "err", err)
	}
	return res
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.Trim(strings.TrimSpace(candidate), `"`)
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
