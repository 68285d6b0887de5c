package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/justinas/alice"

	"backstage/internal/config"
	"backstage/internal/consolidate"
	"backstage/internal/ics"
	appLog "backstage/internal/log"
	"backstage/internal/model"
	"backstage/internal/refresh"
)

const (
	prodID          = "-//backstage//availability//EN"
	maxRequestBytes = 1 << 20
)

// SnapshotSource is the part of refresh.Refresher the server needs.
type SnapshotSource interface {
	Snapshot() *refresh.Snapshot
	Refresh(ctx context.Context) (*refresh.Snapshot, error)
	Location() *time.Location
}

// Server exposes the band calendar over HTTP.
type Server struct {
	cfg    *config.Config
	source SnapshotSource
	merger consolidate.Consolidator
	ttl    time.Duration
	mux    *http.ServeMux

	// Cached /api/events bodies keyed by query, valid while the snapshot
	// is unchanged and younger than ttl.
	eventsMu    sync.RWMutex
	eventsCache map[string]eventsCache
}

type eventsCache struct {
	resp      eventsResponse
	snap      *refresh.Snapshot
	updatedAt time.Time
}

// NewServer constructs a Server. cfg must have passed Validate.
func NewServer(cfg *config.Config, source SnapshotSource) (*Server, error) {
	ttl, err := cfg.CacheTTLDuration()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:         cfg,
		source:      source,
		merger:      consolidate.Consolidator{Location: source.Location()},
		ttl:         ttl,
		mux:         http.NewServeMux(),
		eventsCache: make(map[string]eventsCache),
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the routed handler wrapped in logging and, when
// configured, basic auth.
func (s *Server) Handler() http.Handler {
	chain := alice.New(logRequests)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		chain = chain.Append(s.basicAuthMiddleware)
	}
	return chain.Then(s.mux)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/consolidate", s.handleConsolidate)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendarICS)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth rather than lock everyone out.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware guards everything except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Backstage", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON shape of /api/events.
type eventsResponse struct {
	Events          []model.CalendarEvent `json:"events"`
	Consolidated    bool                  `json:"consolidated"`
	TruncatedUIDs   []string              `json:"truncated_uids,omitempty"`
	RangeStart      time.Time             `json:"range_start"`
	RangeEnd        time.Time             `json:"range_end"`
	UpdatedAt       time.Time             `json:"updated_at"`
	DisplayTimeZone string                `json:"display_timezone"`
}

// snapshot returns the current snapshot, loading it on first use.
func (s *Server) snapshot(ctx context.Context) (*refresh.Snapshot, error) {
	if snap := s.source.Snapshot(); snap != nil {
		return snap, nil
	}
	return s.source.Refresh(ctx)
}

// handleEvents returns the snapshot events.
//
// GET /api/events?consolidate=0|1&source_type=member
//   - consolidate: override the configured default
//   - source_type: keep only events from one kind of source
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	merge := parseBoolDefault(q.Get("consolidate"), s.cfg.ConsolidateEnabled())
	sourceType := q.Get("source_type")
	cacheKey := strconv.FormatBool(merge) + "|" + sourceType

	snap, err := s.snapshot(r.Context())
	if err != nil {
		appLog.Error("api events: refresh failed", err)
		writeError(w, http.StatusServiceUnavailable, "events not available")
		return
	}

	now := time.Now()
	s.eventsMu.RLock()
	ec, ok := s.eventsCache[cacheKey]
	s.eventsMu.RUnlock()
	if ok && ec.snap == snap && now.Sub(ec.updatedAt) < s.ttl {
		writeJSON(w, http.StatusOK, ec.resp)
		return
	}

	events := snap.Events
	if sourceType != "" {
		events = filterSourceType(events, sourceType)
	}
	if merge {
		events, err = s.merger.Consolidate(events)
		if err != nil {
			appLog.Error("api events: consolidate failed", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if events == nil {
		events = []model.CalendarEvent{}
	}

	resp := eventsResponse{
		Events:          events,
		Consolidated:    merge,
		TruncatedUIDs:   snap.TruncatedUIDs,
		RangeStart:      snap.RangeStart,
		RangeEnd:        snap.RangeEnd,
		UpdatedAt:       snap.UpdatedAt,
		DisplayTimeZone: snap.DisplayTimeZone,
	}

	s.eventsMu.Lock()
	s.eventsCache[cacheKey] = eventsCache{resp: resp, snap: snap, updatedAt: now}
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

type consolidateRequest struct {
	Events []model.RawEvent `json:"events"`
}

type consolidateResponse struct {
	Events []model.CalendarEvent `json:"events"`
}

// handleConsolidate merges client-supplied events. Dates without an offset
// are read in the configured timezone.
func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req consolidateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	events, err := model.NormalizeAll(req.Events, s.source.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.merger.Consolidate(events)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if out == nil {
		out = []model.CalendarEvent{}
	}
	writeJSON(w, http.StatusOK, consolidateResponse{Events: out})
}

type refreshResponse struct {
	EventCount  int       `json:"event_count"`
	FeedCount   int       `json:"feed_count"`
	FailedFeeds int       `json:"failed_feeds"`
	StaleFeeds  int       `json:"stale_feeds"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.source.Refresh(r.Context())
	if err != nil {
		appLog.Error("api refresh failed", err)
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		EventCount:  len(snap.Events),
		FeedCount:   snap.FeedCount,
		FailedFeeds: snap.FailedFeeds,
		StaleFeeds:  snap.StaleFeeds,
		UpdatedAt:   snap.UpdatedAt,
	})
}

// handleCalendarICS publishes the snapshot as a subscribable calendar,
// consolidated unless disabled in config.
func (s *Server) handleCalendarICS(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		appLog.Error("calendar.ics: refresh failed", err)
		http.Error(w, "calendar not available", http.StatusServiceUnavailable)
		return
	}

	events := snap.Events
	if s.cfg.ConsolidateEnabled() {
		events, err = s.merger.Consolidate(events)
		if err != nil {
			appLog.Error("calendar.ics: consolidate failed", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ics.EncodeICS(events, prodID, snap.UpdatedAt)))
}

func filterSourceType(events []model.CalendarEvent, sourceType string) []model.CalendarEvent {
	out := make([]model.CalendarEvent, 0, len(events))
	for _, ev := range events {
		if ev.SourceType == sourceType {
			out = append(out, ev)
		}
	}
	return out
}

func parseBoolDefault(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
