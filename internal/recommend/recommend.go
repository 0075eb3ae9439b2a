// Package recommend answers ranked, filtered and paginated queries over the
// enriched catalog.
package recommend

import (
	"context"
	"strings"
	"time"

	"mathvid/internal/config"
	"mathvid/internal/metrics"
	"mathvid/internal/model"
	"mathvid/internal/store"
)

type Store interface {
	QueryJoined(ctx context.Context, f store.JoinedFilter, order store.SortOrder, offset, limit int) ([]model.EnrichedVideo, int, error)
	TopicCounts(ctx context.Context, onlyRecommended bool) ([]store.TopicCount, error)
	DifficultyCounts(ctx context.Context, onlyRecommended bool) (map[model.Difficulty]int, error)
}

// SubjectResolver maps a course name or alias to its subject.
type SubjectResolver interface {
	ResolveSubject(v string) (model.Subject, bool)
}

type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

func OptionsFromConfig(c config.RecommendConfig) Options {
	return Options{DefaultPageSize: c.DefaultPageSize, MaxPageSize: c.MaxPageSize}
}

type Request struct {
	Strategy        string
	Course          string
	Topic           string
	Difficulty      string
	Keyword         string
	Uploader        string
	Page            int
	PageSize        int
	OnlyRecommended bool
}

type Result struct {
	Items    []model.EnrichedVideo `json:"items"`
	Total    int                   `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
	Pages    int                   `json:"pages"`
	Strategy model.Strategy        `json:"strategy"`
}

type Engine struct {
	store    Store
	subjects SubjectResolver
	opts     Options
}

func New(st Store, subjects SubjectResolver, opts Options) *Engine {
	if opts.DefaultPageSize < 1 {
		opts.DefaultPageSize = 8
	}
	if opts.MaxPageSize < opts.DefaultPageSize {
		opts.MaxPageSize = max(opts.DefaultPageSize, 100)
	}
	return &Engine{store: st, subjects: subjects, opts: opts}
}

// Query never fails on filter or paging input; only storage errors surface.
// An unresolvable course or difficulty matches nothing.
func (e *Engine) Query(ctx context.Context, req Request) (Result, error) {
	strategy := model.ParseStrategy(req.Strategy)
	start := time.Now()
	defer func() {
		metrics.RecommendQueries.WithLabelValues(string(strategy)).Inc()
		metrics.RecommendQueryDuration.WithLabelValues(string(strategy)).Observe(time.Since(start).Seconds())
	}()

	page, size := e.paging(req.Page, req.PageSize)
	res := Result{Items: []model.EnrichedVideo{}, Page: page, PageSize: size, Strategy: strategy}

	f, ok := e.filter(req, strategy)
	if !ok {
		return res, nil
	}
	items, total, err := e.store.QueryJoined(ctx, f, orderFor(strategy), (page-1)*size, size)
	if err != nil {
		return Result{}, err
	}
	res.Items = items
	res.Total = total
	res.Pages = (total + size - 1) / size
	return res, nil
}

func (e *Engine) paging(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = e.opts.DefaultPageSize
	}
	if size > e.opts.MaxPageSize {
		size = e.opts.MaxPageSize
	}
	return page, size
}

// filter reports false when the request can match nothing.
func (e *Engine) filter(req Request, strategy model.Strategy) (store.JoinedFilter, bool) {
	f := store.JoinedFilter{
		KnowledgePoint:  strings.TrimSpace(req.Topic),
		Keyword:         strings.TrimSpace(req.Keyword),
		Uploader:        strings.TrimSpace(req.Uploader),
		OnlyRecommended: req.OnlyRecommended,
	}
	if c := strings.TrimSpace(req.Course); c != "" {
		subject, ok := e.resolveSubject(c)
		if !ok {
			return f, false
		}
		f.Subject = subject
	}
	if d := strings.TrimSpace(req.Difficulty); d != "" {
		level, ok := model.ParseDifficulty(d)
		if !ok {
			return f, false
		}
		f.Difficulty = level
	}
	if level, ok := strategy.Difficulty(); ok {
		if f.Difficulty != model.DifficultyUnknown && f.Difficulty != level {
			return f, false
		}
		f.Difficulty = level
	}
	return f, true
}

func (e *Engine) resolveSubject(v string) (model.Subject, bool) {
	if e.subjects != nil {
		if s, ok := e.subjects.ResolveSubject(v); ok {
			return s, true
		}
	}
	return model.SubjectUnknown, false
}

func orderFor(s model.Strategy) store.SortOrder {
	switch s {
	case model.StrategyNew:
		return store.SortPublished
	case model.StrategyPopular:
		return store.SortFavoriteRate
	default:
		return store.SortQuality
	}
}

type SubjectTopics struct {
	Subject model.Subject `json:"subject"`
	Total   int           `json:"total"`
	Topics  []TopicCount  `json:"topics"`
}

type TopicCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Topics lists knowledge point counts grouped by subject, subjects in rule
// order and unknown last.
func (e *Engine) Topics(ctx context.Context, order []model.Subject, onlyRecommended bool) ([]SubjectTopics, error) {
	counts, err := e.store.TopicCounts(ctx, onlyRecommended)
	if err != nil {
		return nil, err
	}
	groups := make(map[model.Subject]*SubjectTopics)
	var extra []model.Subject
	for _, c := range counts {
		g, ok := groups[c.Subject]
		if !ok {
			g = &SubjectTopics{Subject: c.Subject, Topics: []TopicCount{}}
			groups[c.Subject] = g
			extra = append(extra, c.Subject)
		}
		g.Topics = append(g.Topics, TopicCount{Name: c.KnowledgePoint, Count: c.Count})
		g.Total += c.Count
	}
	out := make([]SubjectTopics, 0, len(groups))
	done := make(map[model.Subject]bool)
	for _, s := range order {
		if g, ok := groups[s]; ok && !done[s] {
			out = append(out, *g)
			done[s] = true
		}
	}
	for _, s := range extra {
		if !done[s] && s != model.SubjectUnknown {
			out = append(out, *groups[s])
			done[s] = true
		}
	}
	if g, ok := groups[model.SubjectUnknown]; ok && !done[model.SubjectUnknown] {
		out = append(out, *g)
	}
	return out, nil
}

type DifficultyCount struct {
	Level model.Difficulty `json:"level"`
	Count int              `json:"count"`
}

// Difficulties returns counts for every level, beginner first, then unknown.
func (e *Engine) Difficulties(ctx context.Context, onlyRecommended bool) ([]DifficultyCount, error) {
	counts, err := e.store.DifficultyCounts(ctx, onlyRecommended)
	if err != nil {
		return nil, err
	}
	levels := []model.Difficulty{model.DifficultyBeginner, model.DifficultyIntermediate, model.DifficultyAdvanced, model.DifficultyUnknown}
	out := make([]DifficultyCount, 0, len(levels))
	for _, l := range levels {
		out = append(out, DifficultyCount{Level: l, Count: counts[l]})
	}
	return out, nil
}
