package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/telemigrate/pkg/checkpoint"
	"github.com/nicktill/telemigrate/pkg/config"
	"github.com/nicktill/telemigrate/pkg/httpx"
	"github.com/nicktill/telemigrate/pkg/lineproto"
	"github.com/nicktill/telemigrate/pkg/scope"
	"github.com/nicktill/telemigrate/pkg/server/monitor"
	"github.com/nicktill/telemigrate/pkg/storage"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Uptime    string            `json:"uptime"`
	Run       monitor.RunStatus `json:"run"`
	DiskUsage map[string]int64  `json:"disk_usage,omitempty"`
}

// RunsResponse lists recorded runs, newest first
type RunsResponse struct {
	Site  string           `json:"site"`
	Runs  []checkpoint.Run `json:"runs"`
	Count int              `json:"count"`
}

// PointsResponse is a slice of a local sink
type PointsResponse struct {
	Points []lineproto.Point `json:"points"`
	Count  int               `json:"count"`
}

// GET /v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if !s.opts.Monitor.IsHealthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status: status,
		Uptime: time.Since(startTime).Round(time.Second).String(),
		Run:    s.opts.Monitor.Status(),
	}

	if s.opts.Disk != nil {
		usage, err := s.opts.Disk.Usage()
		if err != nil {
			s.logger.Warn("failed to measure state directories", zap.Error(err))
		} else {
			response.DiskUsage = usage
		}
	}

	httpx.RespondJSON(w, code, response)
}

// GET /v1/runs?site=<id>&limit=<n>
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	site := query.Get("site")
	if site == "" {
		site = s.opts.Site
	}
	if site == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "site parameter required")
		return
	}

	limit, err := parseLimit(query.Get("limit"), config.DefaultRunsLimit, config.MaxRunsLimit)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	runs, err := s.opts.Runs.Runs(site, limit)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("failed to list runs: %w", err))
		return
	}
	if runs == nil {
		runs = []checkpoint.Run{}
	}

	httpx.RespondJSON(w, http.StatusOK, RunsResponse{Site: site, Runs: runs, Count: len(runs)})
}

// GET /v1/points?db=<name>&measurement=<m>&site=<id>&start=<t>&end=<t>&limit=<n>
func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	req := storage.QueryRequest{Database: query.Get("db")}
	if req.Database == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "db parameter required")
		return
	}
	if m := query.Get("measurement"); m != "" {
		req.Measurements = strings.Split(m, ",")
	}
	if site := query.Get("site"); site != "" {
		tagKey := query.Get("tag")
		if tagKey == "" {
			tagKey = scope.DefaultTagKey
		}
		req.Tags = map[string]string{tagKey: site}
	}

	var err error
	if req.Start, err = parseTimeParam(query.Get("start")); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid start: %w", err))
		return
	}
	if req.End, err = parseTimeParam(query.Get("end")); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid end: %w", err))
		return
	}
	if req.End != 0 && req.End <= req.Start {
		httpx.RespondErrorString(w, http.StatusBadRequest, "end must be after start")
		return
	}
	if req.Limit, err = parseLimit(query.Get("limit"), config.DefaultPointsLimit, config.MaxPointsLimit); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.StatusQueryTimeout)
	defer cancel()

	points, err := s.opts.Sink.Query(ctx, req)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}
	if points == nil {
		points = []lineproto.Point{}
	}

	httpx.RespondJSON(w, http.StatusOK, PointsResponse{Points: points, Count: len(points)})
}

// GET /v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.StatusQueryTimeout)
	defer cancel()

	stats, err := s.opts.Sink.Stats(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit: %q is not an integer", raw)
	}
	if n <= 0 || n > max {
		return 0, fmt.Errorf("limit must be between 1 and %d", max)
	}
	return n, nil
}

// parseTimeParam returns unix seconds, or 0 for an absent parameter
func parseTimeParam(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	t, err := config.ParseTime(raw)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

// corsMiddleware restricts cross-origin access to localhost dashboards.
func corsMiddleware(addr string) func(http.Handler) http.Handler {
	port := "80"
	if _, p, err := net.SplitHostPort(addr); err == nil && p != "" {
		port = p
	}
	allowedOrigins := []string{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if origin == allowedOrigin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
