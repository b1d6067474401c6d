package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"postflow/internal/config"
	"postflow/internal/content"
	"postflow/internal/models"
	"postflow/internal/ratelimit"
	"postflow/internal/scheduler"
	"postflow/internal/telemetry"
	"postflow/internal/textgen"
)

// ContentWriter is the slice of the posts collaborator used by post
// creation.
type ContentWriter interface {
	CreatePost(ctx context.Context, userID int64, platform models.Platform) (content.Post, error)
	CreateVariants(ctx context.Context, postID int64, texts []string) ([]content.Variant, error)
}

// Server wires the HTTP surface over the scheduling service. Identity
// arrives as an X-User-ID header; authentication itself lives in front of
// this service.
type Server struct {
	cfg     config.Config
	sched   *scheduler.Service
	content ContentWriter
	gen     textgen.Generator
	limiter *ratelimit.TokenBucket
	log     zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, sched *scheduler.Service, cw ContentWriter, gen textgen.Generator, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		sched:   sched,
		content: cw,
		gen:     gen,
		limiter: limiter,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/posts", s.handleCreatePost)
	r.Post("/schedule", s.handleSchedule)
	r.Get("/schedule/jobs", s.handleListJobs)
	r.Get("/schedule/jobs/{id}", s.handleJobDetail)
	r.Delete("/schedule/jobs/{id}", s.handleCancel)
	r.Post("/schedule/jobs/bulk-cancel", s.handleBulkCancel)
	r.Post("/schedule/recurring", s.handleCreateRecurring)
	r.Post("/schedule/pause-all", s.handlePauseAll)
	r.Post("/schedule/resume", s.handleResume)
	return r
}

type createPostRequest struct {
	Platform string   `json:"platform"`
	Title    string   `json:"title"`
	Keywords []string `json:"keywords"`
	Variants int      `json:"variants"`
}

type createPostResponse struct {
	PostID   int64             `json:"post_id"`
	Platform models.Platform   `json:"platform"`
	Variants []content.Variant `json:"variants"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	n := req.Variants
	if n <= 0 {
		n = s.cfg.DefaultVariants
	}

	texts, err := s.gen.Variants(r.Context(), platform, req.Title, req.Keywords, n)
	if err != nil {
		if !s.cfg.AllowFillerVariants {
			s.log.Error().Err(err).Msg("variant generation failed")
			http.Error(w, "variant generation failed", http.StatusBadGateway)
			return
		}
		s.log.Warn().Err(err).Msg("variant generation failed, using filler texts")
		texts = textgen.Filler(req.Title, req.Keywords, n)
	}

	post, err := s.content.CreatePost(r.Context(), userID, platform)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	variants, err := s.content.CreateVariants(r.Context(), post.ID, texts)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createPostResponse{PostID: post.ID, Platform: platform, Variants: variants})
}

type scheduleRequest struct {
	PostID    int64     `json:"post_id"`
	VariantID int64     `json:"variant_id"`
	DueAt     time.Time `json:"due_at"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, userID) {
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.PostID == 0 || req.VariantID == 0 || req.DueAt.IsZero() {
		http.Error(w, "post_id, variant_id and due_at are required", http.StatusBadRequest)
		return
	}
	receipt, err := s.sched.Schedule(r.Context(), userID, req.PostID, req.VariantID, req.DueAt)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	code := http.StatusAccepted
	if receipt.Status == scheduler.ReceiptPublishedImmediately {
		code = http.StatusOK
	}
	writeJSON(w, code, receipt)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	f := scheduler.ListFilter{Limit: 50}
	q := r.URL.Query()
	if v := q.Get("platform"); v != "" {
		platform, err := models.ParsePlatform(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Platform = platform
	}
	if v := q.Get("status"); v != "" {
		f.Status = models.Status(v)
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	jobs, err := s.sched.List(r.Context(), userID, f)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	job, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	if err := s.sched.Cancel(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type bulkIDsRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleBulkCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req bulkIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	outcomes := s.sched.BulkCancel(r.Context(), req.IDs, userID)
	writeJSON(w, http.StatusOK, map[string]any{"results": outcomes})
}

type recurringRequest struct {
	PostID    int64                 `json:"post_id"`
	VariantID int64                 `json:"variant_id"`
	Rule      models.RecurrenceRule `json:"rule"`
}

func (s *Server) handleCreateRecurring(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, userID) {
		return
	}
	var req recurringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	receipt, err := s.sched.CreateRecurring(r.Context(), userID, req.PostID, req.VariantID, req.Rule)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	paused, err := s.sched.PauseAll(r.Context(), userID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "paused", "count": paused})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req bulkIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	outcomes := s.sched.Resume(r.Context(), req.IDs, userID)
	writeJSON(w, http.StatusOK, map[string]any{"results": outcomes})
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	v := r.Header.Get("X-User-ID")
	if v == "" {
		http.Error(w, "missing X-User-ID", http.StatusUnauthorized)
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid X-User-ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, userID int64) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("user:%d", userID))
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrDuplicateID):
		code = http.StatusConflict
	case errors.Is(err, models.ErrInvalidRecurrence):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
