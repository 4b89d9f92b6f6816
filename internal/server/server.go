// Package server provides the operational HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bryan-buckman/infobots/internal/model"
	"github.com/bryan-buckman/infobots/internal/opml"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// runTimeout bounds a run triggered over HTTP.
const runTimeout = 10 * time.Minute

// Runner is the orchestrator surface exposed over HTTP.
type Runner interface {
	Bots() []model.BotIdentity
	Bot(name string) (model.BotIdentity, bool)
	Mode() string
	Run(ctx context.Context, bot model.BotIdentity, dryRun bool) model.RunStats
	RunAll(ctx context.Context, dryRun bool) model.BatchSummary
	Cleanup(ctx context.Context, maxAgeDays int) (int64, error)
	LastRuns() []model.RunStats
}

// LedgerReader lists ledger records.
type LedgerReader interface {
	ListProcessed(ctx context.Context, botID string, limit int) ([]model.ProcessedItem, error)
}

// Schedule reports upcoming triggers. It may be nil.
type Schedule interface {
	Next(botID string) (time.Time, bool)
}

// Server is the main HTTP server.
type Server struct {
	runner        Runner
	ledger        LedgerReader
	schedule      Schedule
	retentionDays int
	logger        *zap.Logger
	router        chi.Router

	mu   sync.Mutex
	http *http.Server
}

// New creates a new server. schedule may be nil.
func New(runner Runner, ledger LedgerReader, schedule Schedule, retentionDays int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner:        runner,
		ledger:        ledger,
		schedule:      schedule,
		retentionDays: retentionDays,
		logger:        logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/bots", s.handleBots)
		r.Get("/status", s.handleStatus)
		r.Post("/run", s.handleRunAll)
		r.Post("/run/{bot}", s.handleRunBot)
		r.Post("/cleanup", s.handleCleanup)
		r.Get("/bots/{bot}/processed", s.handleProcessed)
		r.Get("/bots/{bot}/opml", s.handleExportOPML)
	})

	s.router = r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("server starting", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

type botView struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Handle            string     `json:"handle"`
	Sources           []string   `json:"sources"`
	Schedule          string     `json:"schedule"`
	MaxItemsPerSource int        `json:"max_items_per_source"`
	MaxPostsPerRun    int        `json:"max_posts_per_run"`
	NextRun           *time.Time `json:"next_run,omitempty"`
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	bots := s.runner.Bots()
	out := make([]botView, 0, len(bots))
	for _, b := range bots {
		v := botView{
			ID:                b.ID,
			Name:              b.Name,
			Handle:            b.DisplayHandle(),
			Sources:           b.Sources,
			Schedule:          b.Schedule,
			MaxItemsPerSource: b.MaxItemsPerSource,
			MaxPostsPerRun:    b.MaxPostsPerRun,
		}
		if s.schedule != nil {
			if next, ok := s.schedule.Next(b.ID); ok {
				v.NextRun = &next
			}
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode": s.runner.Mode(),
		"bots": out,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs": s.runner.LastRuns(),
	})
}

func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := runContext(r)
	defer cancel()
	writeJSON(w, http.StatusOK, s.runner.RunAll(ctx, dryRunParam(r)))
}

func (s *Server) handleRunBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.runner.Bot(chi.URLParam(r, "bot"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown bot")
		return
	}
	ctx, cancel := runContext(r)
	defer cancel()
	writeJSON(w, http.StatusOK, s.runner.Run(ctx, bot, dryRunParam(r)))
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := s.retentionDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}
	deleted, err := s.runner.Cleanup(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"deleted": deleted,
		"days":    days,
	})
}

type processedView struct {
	GUID        string    `json:"guid"`
	Link        string    `json:"link,omitempty"`
	Title       string    `json:"title"`
	SourceURL   string    `json:"source_url"`
	ProcessedAt time.Time `json:"processed_at"`
	PostID      *string   `json:"post_id,omitempty"`
}

func (s *Server) handleProcessed(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.runner.Bot(chi.URLParam(r, "bot"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown bot")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	recs, err := s.ledger.ListProcessed(r.Context(), bot.ID, limit)
	if err != nil {
		s.logger.Error("list processed", zap.String("bot", bot.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}
	out := make([]processedView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, processedView{
			GUID:        rec.GUID,
			Link:        rec.Link,
			Title:       rec.Title,
			SourceURL:   rec.SourceURL,
			ProcessedAt: rec.ProcessedAt,
			PostID:      rec.PostID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bot":   bot.ID,
		"items": out,
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.runner.Bot(chi.URLParam(r, "bot"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown bot")
		return
	}
	data, err := opml.Export(bot.Name, bot.Sources, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to export")
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.opml", bot.Username()))
	w.Write(data)
}

// --- Helpers ---

// requestLogger logs each request through zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}

// runContext detaches a run from the client connection and bounds it.
func runContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), runTimeout)
}

func dryRunParam(r *http.Request) bool {
	dry, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	return dry
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}
