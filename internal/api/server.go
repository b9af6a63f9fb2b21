package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlindex/internal/crawler"
	"github.com/JakeFAU/crawlindex/internal/metrics"
	"github.com/JakeFAU/crawlindex/internal/middleware"
	"github.com/JakeFAU/crawlindex/internal/queue"
)

// Store is the read side of the document store the API needs.
type Store interface {
	Get(ctx context.Context, url string) (crawler.Document, error)
	GetByID(ctx context.Context, id int64) (crawler.Document, error)
	Links(ctx context.Context, docID int64) ([]crawler.Link, error)
	Stats(ctx context.Context) (crawler.StoreStats, error)
	Ping(ctx context.Context) error
}

// Options tunes the router.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
	// MaxBatch caps the number of URLs in one queue request.
	MaxBatch int
}

// Server wires HTTP handlers to the queue service and the store.
type Server struct {
	router chi.Router
	store  Store
	queue  *queue.Service
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store Store, q *queue.Service, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 1000
	}
	s := &Server{
		store:  store,
		queue:  q,
		opts:   opts,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recover(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(middleware.APIKey(opts.APIKey))
		}
		r.Post("/queue", s.queueURLs)
		r.Post("/recrawl", s.recrawl)
		r.Get("/documents", s.getDocument)
		r.Get("/documents/{id}", s.getDocumentByID)
		r.Get("/stats", s.stats)
		r.Get("/policy", s.policy)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		middleware.WriteError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type queueRequest struct {
	URLs []string `json:"urls"`
}

type recrawlRequest struct {
	URL string `json:"url"`
}

func (s *Server) queueURLs(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > s.opts.MaxBatch {
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, "too many urls")
		return
	}
	results, err := s.queue.Seed(r.Context(), req.URLs)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

func (s *Server) recrawl(w http.ResponseWriter, r *http.Request) {
	var req recrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		middleware.WriteError(w, http.StatusBadRequest, "url required")
		return
	}
	doc, err := s.queue.Recrawl(r.Context(), req.URL)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, map[string]any{"document": doc})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		middleware.WriteError(w, http.StatusBadRequest, "url required")
		return
	}
	canonical, _, err := s.queue.Canonical(raw)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	doc, err := s.store.Get(r.Context(), canonical)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeDocument(w, r, doc)
}

func (s *Server) getDocumentByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	doc, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeDocument(w, r, doc)
}

func (s *Server) writeDocument(w http.ResponseWriter, r *http.Request, doc crawler.Document) {
	links, err := s.store.Links(r.Context(), doc.ID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"document": doc, "links": links})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) policy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		middleware.WriteError(w, http.StatusBadRequest, "url required")
		return
	}
	canonical, p, err := s.queue.Canonical(raw)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"url": canonical, "policy": p})
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawler.ErrInvalidURL):
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrNoPolicyMatch):
		middleware.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, crawler.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "document not found")
	default:
		s.logger.Error("request failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
