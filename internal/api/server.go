package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"geotracker/internal/db"
	"geotracker/internal/geocode"
	"geotracker/internal/metrics"
	"geotracker/internal/models"
	"geotracker/internal/tracker"

	"github.com/coocood/freecache"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HistoryStore is the read side of the history database the API serves from.
type HistoryStore interface {
	QueryRange(deviceID string, window time.Duration, now time.Time) ([]models.Position, error)
	QueryNearest(deviceID string, target time.Time, window time.Duration, now time.Time) (*models.Position, error)
	Ping() error
}

// Geocoder resolves coordinates to an address.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lon float64) (string, error)
}

// Options tunes the server beyond its collaborators.
type Options struct {
	RetentionWindow time.Duration
	CacheEnabled    bool
	CacheSize       int
	CacheTTL        time.Duration
	MetricsEnabled  bool
}

// Server exposes the ingestion endpoint, the query API, and the live
// websocket stream.
type Server struct {
	svc      *tracker.Service
	history  HistoryStore
	geocoder Geocoder
	cache    *freecache.Cache
	rec      metrics.Recorder
	logger   zerolog.Logger
	opts     Options
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewServer wires the routes. history is typically the same *db.Database the
// service writes through.
func NewServer(svc *tracker.Service, history HistoryStore, geocoder Geocoder, rec metrics.Recorder, logger zerolog.Logger, opts Options) *Server {
	s := &Server{
		svc:      svc,
		history:  history,
		geocoder: geocoder,
		rec:      rec,
		logger:   logger,
		opts:     opts,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if opts.CacheEnabled {
		s.cache = freecache.NewCache(opts.CacheSize)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Device-facing ingestion; query string or form body, method-agnostic.
	s.router.HandleFunc("/osmand", s.handleIngest).Methods("GET", "POST")

	// Viewer-facing query API.
	s.router.HandleFunc("/api/v1/trackers", s.handleListTrackers).Methods("GET")
	s.router.HandleFunc("/api/v1/trackers/{id}", s.handleGetTracker).Methods("GET")
	s.router.HandleFunc("/api/v1/trackers/{id}/positions24h", s.handleHistory(24*time.Hour)).Methods("GET")
	s.router.HandleFunc("/api/v1/trackers/{id}/positions72h", s.handleHistory(72*time.Hour)).Methods("GET")
	s.router.HandleFunc("/api/v1/trackers/{id}/at", s.handleNearest).Methods("GET")
	s.router.HandleFunc("/api/v1/reverse-geocode", s.handleReverseGeocode).Methods("GET")

	// Live event stream.
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Infrastructure.
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/db-health", s.handleDBHealth).Methods("GET")
	if s.opts.MetricsEnabled {
		s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	s.router.Use(s.loggingMiddleware)
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket upgrade hijacks the connection; wrapping the writer
		// would break it.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		s.rec.IncHTTPRequests(endpoint, sw.status)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// Response helpers
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

// Handlers

// handleIngest accepts a device report. The response depends only on the
// decode outcome: a plain OK on accept, a 400 naming the offending fields on
// reject. Storage and subscribers never hold up the device.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if _, err := s.svc.HandleReport(r.Form); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleListTrackers serves the authoritative current-trackers view from the
// durable store. With the store down this endpoint degrades (503); live
// viewing over the websocket keeps working.
func (s *Server) handleListTrackers(w http.ResponseWriter, r *http.Request) {
	devices, err := s.svc.ListCurrent(time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("listing trackers failed")
		respondError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	if devices == nil {
		devices = []models.LiveDevice{}
	}
	respondJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetTracker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	p := s.svc.GetDevice(id)
	if p == nil {
		respondError(w, http.StatusNotFound, "tracker not found")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// handleHistory serves the ascending position history for one window, behind
// a short cache: history tolerates a few seconds of staleness, the live
// endpoints never sit behind this.
func (s *Server) handleHistory(window time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		key := "history:" + window.String() + ":" + id

		s.serveCachedJSON(w, key, func() (any, error) {
			positions, err := s.history.QueryRange(id, window, time.Now())
			if err != nil {
				return nil, err
			}
			if positions == nil {
				positions = []models.Position{}
			}
			return positions, nil
		})
	}
}

// serveCachedJSON responds with the cached envelope when present, otherwise
// computes, caches, and responds.
func (s *Server) serveCachedJSON(w http.ResponseWriter, key string, compute func() (any, error)) {
	if s.cache != nil {
		if body, err := s.cache.Get([]byte(key)); err == nil {
			s.rec.IncCacheHits()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return
		}
		s.rec.IncCacheMisses()
	}

	data, err := compute()
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("history query failed")
		respondError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}

	body, err := json.Marshal(apiResponse{Success: true, Data: data})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "encoding failed")
		return
	}

	if s.cache != nil {
		_ = s.cache.Set([]byte(key), body, int(s.opts.CacheTTL.Seconds()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleNearest serves the position closest to a target instant, for
// timelapse playback.
func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	raw := r.URL.Query().Get("timestamp")
	if raw == "" {
		respondError(w, http.StatusBadRequest, "timestamp query parameter is required")
		return
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "timestamp must be unix seconds")
		return
	}

	p, err := s.history.QueryNearest(id, time.Unix(secs, 0), s.opts.RetentionWindow, time.Now())
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no position near that time")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("device", id).Msg("nearest query failed")
		respondError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// handleReverseGeocode is a pure pass-through to the upstream geocoder.
// Never cached.
func (s *Server) handleReverseGeocode(w http.ResponseWriter, r *http.Request) {
	latRaw := r.URL.Query().Get("lat")
	lonRaw := r.URL.Query().Get("lon")
	if latRaw == "" || lonRaw == "" {
		respondError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	lat, latErr := strconv.ParseFloat(latRaw, 64)
	lon, lonErr := strconv.ParseFloat(lonRaw, 64)
	if latErr != nil || lonErr != nil {
		respondError(w, http.StatusBadRequest, "lat and lon must be numeric")
		return
	}

	address, err := s.geocoder.Reverse(r.Context(), lat, lon)
	if errors.Is(err, geocode.ErrNoAddress) {
		respondError(w, http.StatusNotFound, "address not found")
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("reverse geocode failed")
		respondError(w, http.StatusBadGateway, "failed to fetch address")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"address": address})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleDBHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Ping(); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
