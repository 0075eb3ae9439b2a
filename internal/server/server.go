// Package server exposes the recommendation API and the operator endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"mathvid/internal/auth"
	"mathvid/internal/config"
	"mathvid/internal/logging"
	"mathvid/internal/model"
	"mathvid/internal/recommend"
	"mathvid/internal/scheduler"
	"mathvid/internal/store"
)

const adminJobTimeout = 2 * time.Hour

type Catalog interface {
	Ping(ctx context.Context) error
	GetVideo(ctx context.Context, id string) (model.Video, error)
	GetEnrichment(ctx context.Context, videoID string) (model.Enrichment, error)
	DeleteVideo(ctx context.Context, id string) error
	CountVideos(ctx context.Context) (int, error)
	GetSetting(ctx context.Context, key string) (string, error)
}

// SummaryKey is the settings key under which the last summary of job is kept.
func SummaryKey(job string) string { return "last_" + job + "_summary" }

type Recommender interface {
	Query(ctx context.Context, req recommend.Request) (recommend.Result, error)
	Topics(ctx context.Context, order []model.Subject, onlyRecommended bool) ([]recommend.SubjectTopics, error)
	Difficulties(ctx context.Context, onlyRecommended bool) ([]recommend.DifficultyCount, error)
}

type Jobs interface {
	RunNow(ctx context.Context, job, source string) error
	Snapshot() scheduler.RunState
}

type progressSource interface {
	LastProgress() (string, time.Time)
}

type API struct {
	cfg      config.Config
	store    Catalog
	engine   Recommender
	subjects []model.Subject
	jobs     Jobs
	progress progressSource
	guard    *auth.Guard
	log      zerolog.Logger
	base     context.Context
}

// New wires the handlers. subjects orders the topic facet; progress may be nil.
func New(cfg config.Config, st Catalog, engine Recommender, subjects []model.Subject, jobs Jobs, progress progressSource, guard *auth.Guard) *API {
	return &API{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		subjects: subjects,
		jobs:     jobs,
		progress: progress,
		guard:    guard,
		log:      logging.Component("server"),
		base:     context.Background(),
	}
}

// WithBaseContext ties manually triggered jobs to ctx: they outlive the
// admin request but stop when ctx is done.
func (a *API) WithBaseContext(ctx context.Context) *API {
	a.base = ctx
	return a
}

func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if a.cfg.PublicRateLimit > 0 {
			r.Use(httprate.LimitByIP(a.cfg.PublicRateLimit, time.Minute))
		}
		r.Use(withJSON)
		r.Get("/recommend", a.handleRecommend)
		r.Get("/topics", a.handleTopics)
		r.Get("/difficulties", a.handleDifficulties)
		r.Get("/videos/{id}", a.handleVideo)
	})

	r.Route("/admin/api", func(r chi.Router) {
		r.Use(a.guard.AdminOnly)
		r.Use(withJSON)
		r.Post("/crawl", a.handleAdminJob("crawl"))
		r.Post("/enrich", a.handleAdminJob("enrich"))
		r.Post("/pipeline", a.handleAdminJob(scheduler.JobPipeline))
		r.Get("/status", a.handleAdminStatus)
		r.Delete("/videos/{id}", a.handleAdminDeleteVideo)
	})
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := a.store.Ping(r.Context()); err != nil {
		respondErr(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleRecommend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := recommend.Request{
		Strategy:        q.Get("strategy"),
		Course:          q.Get("course"),
		Topic:           q.Get("topic"),
		Difficulty:      q.Get("difficulty"),
		Keyword:         firstNonEmpty(q.Get("q"), q.Get("keyword")),
		Uploader:        q.Get("up_name"),
		Page:            queryInt(q.Get("page")),
		PageSize:        queryInt(q.Get("page_size")),
		OnlyRecommended: queryBool(q.Get("only_recommended")),
	}
	res, err := a.engine.Query(r.Context(), req)
	if err != nil {
		a.log.Error().Err(err).Msg("recommend query failed")
		respondErr(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *API) handleTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := a.engine.Topics(r.Context(), a.subjects, queryBool(r.URL.Query().Get("only_recommended")))
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"subjects": topics})
}

func (a *API) handleDifficulties(w http.ResponseWriter, r *http.Request) {
	diffs, err := a.engine.Difficulties(r.Context(), queryBool(r.URL.Query().Get("only_recommended")))
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"difficulties": diffs})
}

func (a *API) handleVideo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := a.store.GetVideo(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondErr(w, http.StatusNotFound, errors.New("video not found"))
		return
	}
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	out := map[string]any{"video": v, "enrichment": nil}
	e, err := a.store.GetEnrichment(r.Context(), id)
	switch {
	case err == nil:
		out["enrichment"] = e
	case !errors.Is(err, store.ErrNotFound):
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// handleAdminJob runs job synchronously, detached from the request context so
// a dropped connection does not abort the run.
func (a *API) handleAdminJob(job string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), adminJobTimeout)
		defer cancel()
		stop := context.AfterFunc(a.base, cancel)
		defer stop()
		if err := a.jobs.RunNow(ctx, job, "manual"); err != nil {
			if errors.Is(err, scheduler.ErrAlreadyRunning) || errors.Is(err, scheduler.ErrCooldown) {
				respondErr(w, http.StatusConflict, err)
				return
			}
			respondErr(w, http.StatusInternalServerError, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"ok": true, "state": a.jobs.Snapshot()})
	}
}

func (a *API) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	videos, err := a.store.CountVideos(r.Context())
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	msg, msgAt := "", time.Time{}
	if a.progress != nil {
		msg, msgAt = a.progress.LastProgress()
	}
	summaries := map[string]json.RawMessage{}
	for _, job := range []string{"crawl", "enrich"} {
		raw, err := a.store.GetSetting(r.Context(), SummaryKey(job))
		switch {
		case err == nil:
			summaries[job] = json.RawMessage(raw)
		case !errors.Is(err, store.ErrNotFound):
			respondErr(w, http.StatusInternalServerError, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"jobs": map[string]any{
			"state":           a.jobs.Snapshot(),
			"last_message":    msg,
			"last_message_at": msgAt,
			"summaries":       summaries,
		},
		"videos": videos,
	})
}

func (a *API) handleAdminDeleteVideo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.store.DeleteVideo(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondErr(w, http.StatusNotFound, errors.New("video not found"))
		return
	}
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": id})
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func withJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondErr(w http.ResponseWriter, code int, err error) {
	respondJSON(w, code, map[string]any{"error": err.Error()})
}

// queryInt reads a non-negative int; anything unparsable is 0, which the
// engine replaces with its default.
func queryInt(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

func queryBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
