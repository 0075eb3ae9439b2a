package model

import (
	"strings"
	"time"
)

type Subject string

const (
	SubjectUnknown     Subject = ""
	SubjectCalculus    Subject = "高等数学"
	SubjectLinear      Subject = "线性代数"
	SubjectProbability Subject = "概率论与数理统计"
)

// Difficulty is ordered: Beginner < Intermediate < Advanced. Unknown sorts first.
type Difficulty string

const (
	DifficultyUnknown      Difficulty = ""
	DifficultyBeginner     Difficulty = "入门"
	DifficultyIntermediate Difficulty = "进阶"
	DifficultyAdvanced     Difficulty = "高阶"
)

func (d Difficulty) Rank() int {
	switch d {
	case DifficultyBeginner:
		return 1
	case DifficultyIntermediate:
		return 2
	case DifficultyAdvanced:
		return 3
	default:
		return 0
	}
}

func (d Difficulty) Valid() bool { return d.Rank() > 0 }

// ParseDifficulty accepts the stored names and their English equivalents.
func ParseDifficulty(v string) (Difficulty, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "入门", "beginner", "easy":
		return DifficultyBeginner, true
	case "进阶", "intermediate", "medium":
		return DifficultyIntermediate, true
	case "高阶", "advanced", "hard":
		return DifficultyAdvanced, true
	}
	return DifficultyUnknown, false
}

type Strategy string

const (
	StrategyHot      Strategy = "hot"
	StrategyNew      Strategy = "new"
	StrategyPopular  Strategy = "popular"
	StrategyBeginner Strategy = "beginner"
	StrategyAdvanced Strategy = "advanced"
	StrategyExpert   Strategy = "expert"
)

// ParseStrategy resolves aliases; unknown names fall back to hot.
func ParseStrategy(v string) Strategy {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "new", "latest":
		return StrategyNew
	case "popular":
		return StrategyPopular
	case "beginner", "easy":
		return StrategyBeginner
	case "advanced", "medium":
		return StrategyAdvanced
	case "expert", "hard":
		return StrategyExpert
	default:
		return StrategyHot
	}
}

// Difficulty returns the level a difficulty preset strategy restricts to.
func (s Strategy) Difficulty() (Difficulty, bool) {
	switch s {
	case StrategyBeginner:
		return DifficultyBeginner, true
	case StrategyAdvanced:
		return DifficultyIntermediate, true
	case StrategyExpert:
		return DifficultyAdvanced, true
	}
	return DifficultyUnknown, false
}

type Video struct {
	ID            string    `json:"id"`
	AID           int64     `json:"aid"`
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	UploaderName  string    `json:"uploader_name"`
	UploaderID    int64     `json:"uploader_id"`
	CoverURL      string    `json:"cover_url"`
	Tags          []string  `json:"tags"`
	Description   string    `json:"description"`
	Duration      int       `json:"duration_seconds"`
	PublishTime   time.Time `json:"publish_time"`
	ViewCount     int64     `json:"view_count"`
	FavoriteCount int64     `json:"favorite_count"`
	LikeCount     int64     `json:"like_count"`
	CoinCount     int64     `json:"coin_count"`
	ShareCount    int64     `json:"share_count"`
	DanmakuCount  int64     `json:"danmaku_count"`
	ReplyCount    int64     `json:"reply_count"`
	SourceKeyword string    `json:"source_keyword"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CrawledAt     time.Time `json:"crawled_at"`
}

type Enrichment struct {
	VideoID         string     `json:"video_id"`
	Subject         Subject    `json:"subject"`
	KnowledgePoints []string   `json:"knowledge_points"`
	Difficulty      Difficulty `json:"difficulty"`
	QualityScore    float64    `json:"quality_score"`
	EngagementScore float64    `json:"engagement_score"`
	DurationScore   float64    `json:"duration_score"`
	FreshnessScore  float64    `json:"freshness_score"`
	UploaderScore   float64    `json:"uploader_score"`
	IsRecommended   bool       `json:"is_recommended"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EnrichedVideo is one row of the videos ⋈ enrichments join.
type EnrichedVideo struct {
	Video      Video      `json:"video"`
	Enrichment Enrichment `json:"enrichment"`
}

// UploaderStats aggregates an uploader's catalog for the uploader sub-score.
type UploaderStats struct {
	UploaderID   int64
	Videos       int
	Views        int64
	Interactions int64
}
