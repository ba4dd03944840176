// Package web serves the local JSON API: scan jobs, per-session results,
// the operator table and scan history.
package web

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"

	"github.com/trainalyze/trainalyze/internal/catalog"
	"github.com/trainalyze/trainalyze/internal/config"
	"github.com/trainalyze/trainalyze/internal/history"
	"github.com/trainalyze/trainalyze/internal/scan"
)

const (
	sessionCookie     = "trainalyze_session"
	defaultRateWindow = time.Minute
	defaultHistory    = 20
)

type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) filterRecent(times []time.Time, windowStart time.Time) []time.Time {
	n := 0
	for _, t := range times {
		if t.After(windowStart) {
			times[n] = t
			n++
		}
	}
	return times[:n]
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := rl.filterRecent(rl.requests[key], now.Add(-rl.window))

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		windowStart := time.Now().Add(-rl.window)
		for key, times := range rl.requests {
			recent := rl.filterRecent(times, windowStart)
			if len(recent) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = recent
			}
		}
		rl.mu.Unlock()
	}
}

// SourceFunc opens the configured mail source for one scan.
type SourceFunc func(ctx context.Context) (scan.Source, error)

// Deps are the collaborators a Server runs scans with. History may be nil.
type Deps struct {
	Catalog   *catalog.Catalog
	Pipeline  *scan.Pipeline
	NewSource SourceFunc
	Results   ResultStore
	History   *history.Store
}

type Server struct {
	cfg         config.WebConfig
	deps        Deps
	httpServer  *http.Server
	csrfKey     []byte
	rateLimiter *RateLimiter
	jobs        *JobManager
}

func NewServer(cfg config.WebConfig, deps Deps) (*Server, error) {
	if deps.Catalog == nil || deps.Pipeline == nil || deps.Results == nil {
		return nil, fmt.Errorf("web: catalog, pipeline and result store are required")
	}

	csrfKey := []byte(cfg.CSRFKey)
	if len(csrfKey) == 0 {
		csrfKey = make([]byte, 32)
		if _, err := rand.Read(csrfKey); err != nil {
			return nil, fmt.Errorf("failed to generate CSRF key: %w", err)
		}
	}

	scansPerMinute := cfg.ScansPerMinute
	if scansPerMinute <= 0 {
		scansPerMinute = 1
	}

	return &Server{
		cfg:         cfg,
		deps:        deps,
		csrfKey:     csrfKey,
		rateLimiter: NewRateLimiter(scansPerMinute, defaultRateWindow),
		jobs:        NewJobManager(),
	}, nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Start serves the API until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("web server listening", "addr", s.Addr())
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and cancels running scans.
func (s *Server) Shutdown(ctx context.Context) error {
	s.jobs.CancelAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the router with all middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(securityHeaders)
	r.Use(plaintextHTTP)

	trusted := append([]string{
		"localhost", "127.0.0.1",
		fmt.Sprintf("localhost:%d", s.cfg.Port), fmt.Sprintf("127.0.0.1:%d", s.cfg.Port),
	}, s.cfg.TrustedOrigins...)

	r.Use(csrf.Protect(
		s.csrfKey,
		csrf.Secure(false),
		csrf.Path("/"),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteStrictMode),
		csrf.RequestHeader("X-CSRF-Token"),
		csrf.TrustedOrigins(trusted),
		csrf.ErrorHandler(http.HandlerFunc(handleCSRFFailure)),
	))

	r.Get("/", s.handleStatus)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/scan", s.handleScan)
		r.Get("/job/{jobID}", s.handleJobStatus)
		r.Post("/job/{jobID}/cancel", s.handleJobCancel)
		r.Get("/results", s.handleResults)
		r.Post("/disconnect", s.handleDisconnect)
		r.Get("/claim-urls", s.handleClaimURLs)
		r.Get("/operators", s.handleOperators)
		r.Get("/history", s.handleHistory)
		r.Get("/history/{scanID}", s.handleHistoryScan)
	})

	return r
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// results contain booking references and fares
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		w.Header().Set("Pragma", "no-cache")

		next.ServeHTTP(w, r)
	})
}

// plaintextHTTP tells the CSRF middleware which requests arrived without
// TLS, so it skips the HTTPS-only Referer check for them.
func plaintextHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			r = csrf.PlaintextHTTPRequest(r)
		}
		next.ServeHTTP(w, r)
	})
}

func handleCSRFFailure(w http.ResponseWriter, r *http.Request) {
	reason := "CSRF token invalid"
	if err := csrf.FailureReason(r); err != nil {
		reason = err.Error()
	}
	writeError(w, http.StatusForbidden, reason)
}

// OpenBrowser opens the default browser to the specified URL
func OpenBrowser(url string) {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "linux":
		cmd = "xdg-open"
		args = []string{url}
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start", url}
	default:
		return
	}

	exec.Command(cmd, args...).Start()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Secure session helpers: the cookie carries only an opaque session ID,
// never results or credentials.

func (s *Server) getOrCreateSession(w http.ResponseWriter, r *http.Request) (string, error) {
	if id := s.sessionID(r); id != "" {
		return id, nil
	}

	id, err := generateSessionID()
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return id, nil
}

func (s *Server) sessionID(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *Server) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// Handler implementations

// handleStatus issues the session and CSRF token and reports whether the
// session already holds results.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := s.getOrCreateSession(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}

	hasResults := true
	if _, err := s.deps.Results.Get(r.Context(), id); err != nil {
		if !errors.Is(err, ErrNoResults) {
			slog.Warn("failed to read session results", "error", err)
			writeError(w, http.StatusServiceUnavailable, "results store unavailable")
			return
		}
		hasResults = false
	}

	var job map[string]interface{}
	if active := s.jobs.GetActive(id); active != nil {
		job = active.ToJSON()
	}

	token := csrf.Token(r)
	w.Header().Set("X-CSRF-Token", token)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":     "trainalyze",
		"has_results": hasResults,
		"history":     s.deps.History != nil,
		"job":         job,
		"csrf_token":  token,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Results.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "results store unhealthy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	id, err := s.getOrCreateSession(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}

	if s.deps.NewSource == nil {
		writeError(w, http.StatusBadRequest, scan.ErrNoSource.Error())
		return
	}

	if active := s.jobs.GetActive(id); active != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  "a scan is already in progress",
			"job_id": active.ID,
		})
		return
	}

	if !s.rateLimiter.Allow("scan:" + id) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded, please wait before scanning again")
		return
	}

	s.jobs.Cleanup(s.cfg.SessionTTL)
	job := s.jobs.Create(id)
	go s.runScan(job)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.ID,
		"status": JobStatusRunning,
	})
}

// runScan runs in a background goroutine: fetch, analyse, record history
// and hold the results for the job's session.
func (s *Server) runScan(job *Job) {
	ctx := job.Context()
	started := time.Now()

	src, err := s.deps.NewSource(ctx)
	if err != nil {
		slog.Warn("failed to open mail source", "job", job.ID, "error", err)
		job.Fail(err)
		return
	}
	if d, ok := src.(interface{ Disconnect() error }); ok {
		defer d.Disconnect()
	}

	job.SetStage(StageScanning)
	summary, err := s.deps.Pipeline.Run(ctx, src, s.deps.Pipeline.Query(started))
	if err != nil {
		slog.Warn("scan failed", "job", job.ID, "error", err)
		job.Fail(err)
		return
	}
	if !job.IsRunning() {
		return
	}

	job.SetStage(StageSaving)
	res := &Results{Source: src.Name(), ScannedAt: started, Summary: *summary}

	if s.deps.History != nil {
		rec, err := s.deps.History.Save(context.Background(), src.Name(), started, *summary)
		if err != nil {
			slog.Warn("failed to record scan history", "job", job.ID, "error", err)
		} else {
			res.ScanID = rec.ID
		}
	}

	if err := s.deps.Results.Put(context.Background(), job.SessionID, res); err != nil {
		slog.Warn("failed to store results", "job", job.ID, "error", err)
		job.Fail(err)
		return
	}

	job.Complete(summary.TotalEmails, len(summary.Opportunities), res.ScanID)
}

// sessionJob returns the job only to the session that started it.
func (s *Server) sessionJob(r *http.Request) *Job {
	job := s.jobs.Get(chi.URLParam(r, "jobID"))
	if job == nil || job.SessionID != s.sessionID(r) {
		return nil
	}
	return job
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job := s.sessionJob(r)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job.ToJSON())
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job := s.sessionJob(r)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job.Cancel()
	writeJSON(w, http.StatusOK, job.ToJSON())
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Results.Get(r.Context(), s.sessionID(r))
	if errors.Is(err, ErrNoResults) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		slog.Warn("failed to read session results", "error", err)
		writeError(w, http.StatusServiceUnavailable, "results store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDisconnect forgets everything held for the session.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if id := s.sessionID(r); id != "" {
		if job := s.jobs.GetActive(id); job != nil {
			job.Cancel()
		}
		if err := s.deps.Results.Delete(r.Context(), id); err != nil {
			slog.Warn("failed to clear session results", "error", err)
			writeError(w, http.StatusServiceUnavailable, "results store unavailable")
			return
		}
	}
	s.clearSession(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleClaimURLs(w http.ResponseWriter, r *http.Request) {
	urls := s.deps.Catalog.ClaimURLs
	if urls == nil {
		urls = map[string]string{}
	}
	writeJSON(w, http.StatusOK, urls)
}

func (s *Server) handleOperators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Catalog.OperatorTable())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "scan history is disabled")
		return
	}

	limit := defaultHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	records, err := s.deps.History.Recent(r.Context(), limit)
	if err != nil {
		slog.Warn("failed to read history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHistoryScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "scan history is disabled")
		return
	}

	rec, err := s.deps.History.Get(r.Context(), chi.URLParam(r, "scanID"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		slog.Warn("failed to read history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
