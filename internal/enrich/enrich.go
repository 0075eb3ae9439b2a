// Package enrich is the batch that keeps video_enrichments in step with
// videos: it classifies and scores every video that is new, changed or stale.
package enrich

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mathvid/internal/classify"
	"mathvid/internal/config"
	"mathvid/internal/logging"
	"mathvid/internal/metrics"
	"mathvid/internal/model"
	"mathvid/internal/score"
)

type Classifier interface {
	Classify(title string, tags []string, description string) classify.Result
}

type Scorer interface {
	Score(v model.Video, stats *model.UploaderStats) score.Breakdown
}

type Store interface {
	CountVideos(ctx context.Context) (int, error)
	ListVideosNeedingEnrichment(ctx context.Context, staleCutoff time.Time) ([]model.Video, error)
	UploaderStats(ctx context.Context) (map[int64]model.UploaderStats, error)
	UpsertEnrichment(ctx context.Context, e model.Enrichment) error
}

type Options struct {
	Workers            int
	StaleAfter         time.Duration
	RecommendThreshold float64
	DryRun             bool
}

func OptionsFromConfig(c config.EnrichConfig) Options {
	return Options{
		Workers:            c.Workers,
		StaleAfter:         c.StaleAfter,
		RecommendThreshold: c.RecommendThreshold,
	}
}

type Summary struct {
	Processed   int            `json:"processed"`
	Skipped     int            `json:"skipped"`
	Failed      int            `json:"failed"`
	Recommended int            `json:"recommended"`
	BySubject   map[string]int `json:"by_subject"`
	DryRun      bool           `json:"dry_run,omitempty"`
}

type Service struct {
	opts       Options
	store      Store
	classifier Classifier
	scorer     Scorer
	now        func() time.Time
	log        zerolog.Logger
}

func New(opts Options, st Store, c Classifier, sc Scorer) *Service {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Service{
		opts:       opts,
		store:      st,
		classifier: c,
		scorer:     sc,
		now:        time.Now,
		log:        logging.Component("enrich"),
	}
}

// WithClock overrides the clock used for staleness cutoffs and row stamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run enriches every candidate once. Per-video failures are counted in the
// Summary; only setup failures (storage unreachable) are returned.
func (s *Service) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	log := logging.Ctx(ctx, s.log)
	sum := Summary{BySubject: map[string]int{}, DryRun: s.opts.DryRun}

	total, err := s.store.CountVideos(ctx)
	if err != nil {
		return sum, fmt.Errorf("count videos: %w", err)
	}
	var cutoff time.Time
	if s.opts.StaleAfter > 0 {
		cutoff = s.now().Add(-s.opts.StaleAfter)
	}
	candidates, err := s.store.ListVideosNeedingEnrichment(ctx, cutoff)
	if err != nil {
		return sum, fmt.Errorf("list candidates: %w", err)
	}
	sum.Skipped = max(total-len(candidates), 0)
	metrics.EnrichVideos.WithLabelValues("skipped").Add(float64(sum.Skipped))

	stats, err := s.store.UploaderStats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("uploader stats unavailable; using baseline uploader scores")
		stats = nil
	}
	log.Info().Int("candidates", len(candidates)).Int("skipped", sum.Skipped).Int("workers", s.opts.Workers).Msg("enrichment started")

	var mu sync.Mutex
	record := func(e *model.Enrichment, failed bool) {
		mu.Lock()
		defer mu.Unlock()
		if failed {
			sum.Failed++
			metrics.EnrichVideos.WithLabelValues("failed").Inc()
			return
		}
		sum.Processed++
		sum.BySubject[subjectKey(e.Subject)]++
		if e.IsRecommended {
			sum.Recommended++
		}
		metrics.EnrichVideos.WithLabelValues("processed").Inc()
	}

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)
	for _, v := range candidates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			var st *model.UploaderStats
			if us, ok := stats[v.UploaderID]; ok && v.UploaderID != 0 {
				st = &us
			}
			e, err := s.compute(v, st)
			if err != nil {
				log.Error().Err(err).Str("video", v.ID).Msg("enrichment failed")
				record(nil, true)
				return nil
			}
			if !s.opts.DryRun {
				if err := s.store.UpsertEnrichment(context.WithoutCancel(ctx), e); err != nil {
					log.Error().Err(err).Str("video", v.ID).Msg("enrichment upsert failed")
					record(nil, true)
					return nil
				}
			}
			record(&e, false)
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Int("processed", sum.Processed).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Int("recommended", sum.Recommended).
		Interface("by_subject", sum.BySubject).
		Bool("dry_run", s.opts.DryRun).
		Dur("took", time.Since(start).Round(time.Millisecond)).
		Msg("enrichment finished")
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

// compute classifies and scores one video. A panic in either is reported as
// an error for that video only.
func (s *Service) compute(v model.Video, stats *model.UploaderStats) (e model.Enrichment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic enriching %s: %v\n%s", v.ID, r, debug.Stack())
		}
	}()
	cls := s.classifier.Classify(v.Title, v.Tags, v.Description)
	b := s.scorer.Score(v, stats)
	points := cls.KnowledgePoints
	if points == nil {
		points = []string{}
	}
	return model.Enrichment{
		VideoID:         v.ID,
		Subject:         cls.Subject,
		KnowledgePoints: points,
		Difficulty:      cls.Difficulty,
		QualityScore:    b.Total,
		EngagementScore: b.Engagement,
		DurationScore:   b.Duration,
		FreshnessScore:  b.Freshness,
		UploaderScore:   b.Uploader,
		IsRecommended:   b.Total >= s.opts.RecommendThreshold && cls.Subject != model.SubjectUnknown,
		UpdatedAt:       s.now().UTC(),
	}, nil
}

func subjectKey(s model.Subject) string {
	if s == model.SubjectUnknown {
		return "unknown"
	}
	return string(s)
}
