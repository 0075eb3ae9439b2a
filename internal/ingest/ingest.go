// Package ingest crawls the video search API keyword by keyword and upserts
// normalized videos into the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mathvid/internal/bili"
	"mathvid/internal/config"
	"mathvid/internal/logging"
	"mathvid/internal/metrics"
	"mathvid/internal/model"
)

// Source is the upstream search API.
type Source interface {
	Search(ctx context.Context, keyword string, page, pageSize int) (bili.SearchPage, error)
	Detail(ctx context.Context, bvid string) (bili.Detail, error)
	Tags(ctx context.Context, bvid string) ([]bili.Tag, error)
}

type VideoStore interface {
	UpsertVideo(ctx context.Context, v model.Video) error
}

type Options struct {
	Keywords              []string
	PagesPerKeyword       int
	PageSize              int
	MaxConcurrentKeywords int
	RetryAttempts         int
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	FetchDetail           bool
}

func OptionsFromConfig(c config.CrawlerConfig) Options {
	return Options{
		Keywords:              c.Keywords,
		PagesPerKeyword:       c.PagesPerKeyword,
		PageSize:              c.PageSize,
		MaxConcurrentKeywords: c.MaxConcurrentKeywords,
		RetryAttempts:         c.RetryAttempts,
		RetryBaseDelay:        c.RetryBaseDelay,
		RetryMaxDelay:         c.RetryMaxDelay,
		FetchDetail:           c.FetchDetail,
	}
}

// NewSource builds the Bilibili client described by the crawler config.
func NewSource(c config.CrawlerConfig) *bili.Client {
	return bili.New(bili.Options{
		BaseURL:         c.APIBaseURL,
		Cookie:          c.Cookie,
		Timeout:         c.RequestTimeout,
		MinInterval:     c.RequestDelay,
		BreakerFailures: c.BreakerFailures,
		BreakerCooldown: c.BreakerCooldown,
	})
}

type Summary struct {
	Keywords        int `json:"keywords"`
	AbortedKeywords int `json:"aborted_keywords"`
	PagesFetched    int `json:"pages_fetched"`
	PagesSkipped    int `json:"pages_skipped"`
	ItemsSeen       int `json:"items_seen"`
	Upserted        int `json:"upserted"`
	Duplicates      int `json:"duplicates"`
	Malformed       int `json:"malformed"`
	UpsertErrors    int `json:"upsert_errors"`
	DetailErrors    int `json:"detail_errors"`
}

type Service struct {
	opts  Options
	src   Source
	store VideoStore
	now   func() time.Time
	log   zerolog.Logger

	mu            sync.Mutex
	lastMessage   string
	lastMessageAt time.Time
}

func New(opts Options, src Source, st VideoStore) *Service {
	if opts.PagesPerKeyword < 1 {
		opts.PagesPerKeyword = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = 20
	}
	if opts.MaxConcurrentKeywords < 1 {
		opts.MaxConcurrentKeywords = 1
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	return &Service{
		opts:  opts,
		src:   src,
		store: st,
		now:   time.Now,
		log:   logging.Component("ingest"),
	}
}

// run holds the state shared by the keyword workers of one Run.
type run struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	summary Summary
}

func (r *run) add(f func(s *Summary)) {
	r.mu.Lock()
	f(&r.summary)
	r.mu.Unlock()
}

// claim reports whether id is seen for the first time in this run.
func (r *run) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	return true
}

// Run crawls every configured keyword once. Per-page and per-item failures
// are counted, not returned; Run fails only when every keyword was aborted
// or the context ended before any work was done.
func (s *Service) Run(ctx context.Context) (Summary, error) {
	runStart := time.Now()
	keywords := uniqueKeywords(s.opts.Keywords)
	if len(keywords) == 0 {
		s.logf(ctx, "no keywords configured; skipping")
		return Summary{}, nil
	}
	s.logf(ctx, "started with %d keyword(s)", len(keywords))

	r := &run{seen: make(map[string]struct{})}
	r.summary.Keywords = len(keywords)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxConcurrentKeywords)
	for i, kw := range keywords {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.crawlKeyword(gctx, r, kw)
			s.logf(gctx, "keyword done (%d/%d) keyword=%q", i+1, len(keywords), kw)
			return nil
		})
	}
	_ = g.Wait()

	sum := r.summary
	s.log.Info().Str("run_id", logging.RunID(ctx)).
		Dur("took", time.Since(runStart).Round(time.Millisecond)).
		Interface("summary", sum).
		Msg("crawl finished")
	s.setProgress(fmt.Sprintf("done: upserted=%d duplicates=%d malformed=%d skipped_pages=%d", sum.Upserted, sum.Duplicates, sum.Malformed, sum.PagesSkipped))

	if err := ctx.Err(); err != nil && sum.PagesFetched == 0 {
		return sum, err
	}
	if sum.AbortedKeywords == sum.Keywords {
		return sum, fmt.Errorf("all keywords aborted (%d/%d): %w", sum.AbortedKeywords, sum.Keywords, bili.ErrAuth)
	}
	return sum, nil
}

func (s *Service) crawlKeyword(ctx context.Context, r *run, kw string) {
	log := logging.Ctx(ctx, s.log.With().Str("keyword", kw).Logger())
	for page := 1; page <= s.opts.PagesPerKeyword; page++ {
		if ctx.Err() != nil {
			return
		}
		res, err := s.fetchPage(ctx, kw, page)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, bili.ErrAuth):
			log.Warn().Err(err).Int("page", page).Msg("authentication rejected; abandoning keyword")
			metrics.CrawlPages.WithLabelValues("aborted").Inc()
			r.add(func(s *Summary) { s.AbortedKeywords++ })
			return
		default:
			log.Warn().Err(err).Int("page", page).Msg("page skipped")
			metrics.CrawlPages.WithLabelValues("skipped").Inc()
			r.add(func(s *Summary) { s.PagesSkipped++ })
			continue
		}
		metrics.CrawlPages.WithLabelValues("fetched").Inc()
		r.add(func(s *Summary) {
			s.PagesFetched++
			s.ItemsSeen += len(res.Items)
		})
		for _, item := range res.Items {
			s.handleItem(ctx, r, kw, item)
		}
		if len(res.Items) == 0 || (res.NumPages > 0 && page >= res.NumPages) {
			return
		}
	}
}

// fetchPage retries transient failures with exponential backoff. Auth and
// malformed responses are not retried.
func (s *Service) fetchPage(ctx context.Context, kw string, page int) (bili.SearchPage, error) {
	var out bili.SearchPage
	op := func() error {
		res, err := s.src.Search(ctx, kw, page, s.opts.PageSize)
		if err != nil {
			if ctx.Err() != nil || !errors.Is(err, bili.ErrTransient) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.CrawlPages.WithLabelValues("retried").Inc()
		logging.Ctx(ctx, s.log).Debug().Err(err).Str("keyword", kw).Int("page", page).Dur("wait", wait).Msg("retrying page")
	}
	if err := backoff.RetryNotify(op, s.backoff(ctx), notify); err != nil {
		return bili.SearchPage{}, err
	}
	return out, nil
}

func (s *Service) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if s.opts.RetryBaseDelay > 0 {
		b.InitialInterval = s.opts.RetryBaseDelay
	}
	if s.opts.RetryMaxDelay > 0 {
		b.MaxInterval = s.opts.RetryMaxDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.RetryAttempts-1)), ctx)
}

func (s *Service) handleItem(ctx context.Context, r *run, kw string, item bili.SearchItem) {
	log := logging.Ctx(ctx, s.log)
	v, err := normalizeItem(item, kw, s.now().UTC())
	if err != nil {
		log.Debug().Err(err).Str("keyword", kw).Msg("entry discarded")
		metrics.CrawlVideos.WithLabelValues("malformed").Inc()
		r.add(func(s *Summary) { s.Malformed++ })
		return
	}
	if !r.claim(v.ID) {
		metrics.CrawlVideos.WithLabelValues("duplicate").Inc()
		r.add(func(s *Summary) { s.Duplicates++ })
		return
	}
	if s.opts.FetchDetail && ctx.Err() == nil {
		d, err := s.src.Detail(ctx, v.ID)
		if err != nil {
			log.Debug().Err(err).Str("video", v.ID).Msg("detail fetch failed; keeping search record")
			r.add(func(s *Summary) { s.DetailErrors++ })
		} else {
			applyDetail(&v, d)
		}
		if ctx.Err() == nil {
			tags, err := s.src.Tags(ctx, v.ID)
			if err != nil {
				log.Debug().Err(err).Str("video", v.ID).Msg("tag fetch failed; keeping search tags")
				r.add(func(s *Summary) { s.DetailErrors++ })
			} else {
				applyTags(&v, tags)
			}
		}
	}
	// Cancellation stops new requests, not a write that is already due.
	if err := s.store.UpsertVideo(context.WithoutCancel(ctx), v); err != nil {
		log.Error().Err(err).Str("video", v.ID).Msg("upsert failed")
		metrics.CrawlVideos.WithLabelValues("error").Inc()
		r.add(func(s *Summary) { s.UpsertErrors++ })
		return
	}
	metrics.CrawlVideos.WithLabelValues("upserted").Inc()
	r.add(func(s *Summary) { s.Upserted++ })
}

func (s *Service) logf(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logging.Ctx(ctx, s.log).Info().Msg(msg)
	s.setProgress(msg)
}

func (s *Service) setProgress(msg string) {
	s.mu.Lock()
	s.lastMessage = msg
	s.lastMessageAt = time.Now()
	s.mu.Unlock()
}

// LastProgress returns the latest progress line for the status endpoint.
func (s *Service) LastProgress() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessage, s.lastMessageAt
}

func uniqueKeywords(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}
