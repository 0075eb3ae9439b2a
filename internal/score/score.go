// Package score computes the 0–100 quality score of a video from its
// statistics, length, age and uploader.
package score

import (
	"math"
	"sort"
	"strings"
	"time"

	"mathvid/internal/config"
	"mathvid/internal/model"
)

const day = 24 * time.Hour

// Composite weights.
const (
	WeightEngagement = 0.4
	WeightDuration   = 0.2
	WeightFreshness  = 0.2
	WeightUploader   = 0.2
)

// Engagement targets: the per-view rate that earns a full 100 for that signal.
const (
	targetFavoriteRate = 0.02
	targetLikeRate     = 0.05
	targetCoinRate     = 0.01
	targetShareRate    = 0.005

	weightFavorite = 0.4
	weightLike     = 0.3
	weightCoin     = 0.2
	weightShare    = 0.1
)

// Duration curve, in seconds.
const (
	durationFloor      = 20.0
	durationRampEnd    = 300
	durationPlateauEnd = 1800
	durationTailEnd    = 10800
)

// Freshness curve.
const (
	freshWindow = 90 * day
	freshTail   = 1095 * day
	freshFloor  = 30.0
)

// Catalog engagement rate that lands an unknown uploader exactly on baseline+nudge.
const uploaderTargetRate = 0.085

type Config struct {
	// Uploaders maps an instructor name to a fixed sub-score.
	Uploaders map[string]float64
	Baseline  float64
	Nudge     float64
}

func ConfigFromSettings(c config.ScorerConfig) Config {
	return Config{Uploaders: c.Uploaders, Baseline: c.UploaderBaseline, Nudge: c.UploaderNudge}
}

type Breakdown struct {
	Engagement float64 `json:"engagement"`
	Duration   float64 `json:"duration"`
	Freshness  float64 `json:"freshness"`
	Uploader   float64 `json:"uploader"`
	Total      float64 `json:"total"`
}

type Scorer struct {
	uploaders map[string]float64
	// names sorted longest first so containment picks the most specific entry.
	names    []string
	baseline float64
	nudge    float64
	now      func() time.Time
}

func New(cfg Config) *Scorer {
	s := &Scorer{
		uploaders: make(map[string]float64, len(cfg.Uploaders)),
		baseline:  clamp(cfg.Baseline),
		nudge:     math.Max(cfg.Nudge, 0),
		now:       time.Now,
	}
	for name, v := range cfg.Uploaders {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s.uploaders[name] = clamp(v)
		s.names = append(s.names, name)
	}
	sort.Slice(s.names, func(i, j int) bool {
		if len(s.names[i]) != len(s.names[j]) {
			return len(s.names[i]) > len(s.names[j])
		}
		return s.names[i] < s.names[j]
	})
	return s
}

// WithClock returns a copy of s that reads the current time from now.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	c := *s
	c.now = now
	return &c
}

// Score never fails; missing or negative inputs only lower the result.
// stats may be nil when catalog statistics are unavailable.
func (s *Scorer) Score(v model.Video, stats *model.UploaderStats) Breakdown {
	b := Breakdown{
		Engagement: Engagement(v),
		Duration:   Duration(v.Duration),
		Freshness:  Freshness(v.PublishTime, s.now()),
		Uploader:   s.Uploader(v.UploaderName, stats),
	}
	total := WeightEngagement*b.Engagement +
		WeightDuration*b.Duration +
		WeightFreshness*b.Freshness +
		WeightUploader*b.Uploader
	b.Total = round2(clamp(total))
	return b
}

func Engagement(v model.Video) float64 {
	views := float64(nonNeg(v.ViewCount))
	if views <= 0 {
		return 0
	}
	rate := func(n int64, target float64) float64 {
		return math.Min(float64(nonNeg(n))/views/target*100, 100)
	}
	e := weightFavorite*rate(v.FavoriteCount, targetFavoriteRate) +
		weightLike*rate(v.LikeCount, targetLikeRate) +
		weightCoin*rate(v.CoinCount, targetCoinRate) +
		weightShare*rate(v.ShareCount, targetShareRate)
	return clamp(e)
}

func Duration(seconds int) float64 {
	switch {
	case seconds <= 0:
		return durationFloor
	case seconds < durationRampEnd:
		return durationFloor + (100-durationFloor)*float64(seconds)/durationRampEnd
	case seconds <= durationPlateauEnd:
		return 100
	case seconds <= durationTailEnd:
		over := float64(seconds-durationPlateauEnd) / (durationTailEnd - durationPlateauEnd)
		return 100 - (100-durationFloor)*over
	default:
		return durationFloor
	}
}

func Freshness(published, now time.Time) float64 {
	if published.IsZero() {
		return freshFloor
	}
	age := now.Sub(published)
	switch {
	case age <= freshWindow:
		return 100
	case age >= freshTail:
		return freshFloor
	default:
		over := float64(age-freshWindow) / float64(freshTail-freshWindow)
		return 100 - (100-freshFloor)*over
	}
}

func (s *Scorer) Uploader(name string, stats *model.UploaderStats) float64 {
	name = strings.TrimSpace(name)
	if name != "" {
		if v, ok := s.uploaders[name]; ok {
			return v
		}
		for _, known := range s.names {
			if strings.Contains(name, known) {
				return s.uploaders[known]
			}
		}
	}
	if stats == nil || stats.Views <= 0 {
		return s.baseline
	}
	r := float64(nonNeg(stats.Interactions)) / float64(stats.Views) / uploaderTargetRate
	r = math.Max(0, math.Min(r, 1))
	return clamp(s.baseline + s.nudge*(2*r-1))
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(v, 100))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func nonNeg(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
