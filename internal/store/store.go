package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"mathvid/internal/model"
)

var ErrNotFound = errors.New("not found")

// Timestamps are stored as fixed-width UTC text so string order is time order.
const dbTimeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock returns a Store sharing s's connection that stamps rows using now.
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{db: s.db, now: now}
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const videoColumns = `v.id, v.aid, v.url, v.title, v.uploader_name, v.uploader_id, v.cover_url, v.tags,
	v.description, v.duration_seconds, v.publish_time, v.view_count, v.favorite_count, v.like_count,
	v.coin_count, v.share_count, v.danmaku_count, v.reply_count, v.source_keyword,
	v.created_at, v.updated_at, v.crawled_at`

const enrichmentColumns = `e.video_id, e.subject, e.knowledge_points, e.difficulty, e.quality_score,
	e.engagement_score, e.duration_score, e.freshness_score, e.uploader_score, e.is_recommended, e.updated_at`

// UpsertVideo inserts or refreshes a crawled video. Identity, text and counters
// are replaced; source_keyword keeps its first non-empty value; updated_at only
// moves when a content field actually changed.
func (s *Store) UpsertVideo(ctx context.Context, v model.Video) error {
	if strings.TrimSpace(v.ID) == "" {
		return errors.New("upsert video: empty id")
	}
	if v.PublishTime.IsZero() {
		return fmt.Errorf("upsert video %s: missing publish time", v.ID)
	}
	crawled := v.CrawledAt
	if crawled.IsZero() {
		crawled = s.now()
	}
	tags, err := encodeStrings(v.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO videos(
			id, aid, url, title, uploader_name, uploader_id, cover_url, tags, description,
			duration_seconds, publish_time, view_count, favorite_count, like_count, coin_count,
			share_count, danmaku_count, reply_count, source_keyword, created_at, updated_at, crawled_at
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			aid=excluded.aid,
			url=excluded.url,
			title=excluded.title,
			uploader_name=excluded.uploader_name,
			uploader_id=excluded.uploader_id,
			cover_url=CASE WHEN excluded.cover_url <> '' THEN excluded.cover_url ELSE videos.cover_url END,
			tags=excluded.tags,
			description=excluded.description,
			duration_seconds=excluded.duration_seconds,
			publish_time=excluded.publish_time,
			view_count=excluded.view_count,
			favorite_count=excluded.favorite_count,
			like_count=excluded.like_count,
			coin_count=excluded.coin_count,
			share_count=excluded.share_count,
			danmaku_count=excluded.danmaku_count,
			reply_count=excluded.reply_count,
			source_keyword=CASE WHEN videos.source_keyword <> '' THEN videos.source_keyword ELSE excluded.source_keyword END,
			updated_at=CASE WHEN
				videos.title IS NOT excluded.title OR
				videos.uploader_name IS NOT excluded.uploader_name OR
				videos.uploader_id IS NOT excluded.uploader_id OR
				videos.tags IS NOT excluded.tags OR
				videos.description IS NOT excluded.description OR
				videos.duration_seconds IS NOT excluded.duration_seconds OR
				videos.publish_time IS NOT excluded.publish_time OR
				videos.view_count IS NOT excluded.view_count OR
				videos.favorite_count IS NOT excluded.favorite_count OR
				videos.like_count IS NOT excluded.like_count OR
				videos.coin_count IS NOT excluded.coin_count OR
				videos.share_count IS NOT excluded.share_count
			THEN excluded.updated_at ELSE videos.updated_at END,
			crawled_at=excluded.crawled_at
	`, v.ID, v.AID, v.URL, v.Title, v.UploaderName, v.UploaderID, v.CoverURL, tags, v.Description,
		maxInt(v.Duration, 0), dbTime(v.PublishTime), nonNeg(v.ViewCount), nonNeg(v.FavoriteCount),
		nonNeg(v.LikeCount), nonNeg(v.CoinCount), nonNeg(v.ShareCount), nonNeg(v.DanmakuCount),
		nonNeg(v.ReplyCount), strings.TrimSpace(v.SourceKeyword), dbTime(crawled), dbTime(crawled), dbTime(crawled))
	if err != nil {
		return fmt.Errorf("upsert video %s: %w", v.ID, err)
	}
	return nil
}

func (s *Store) GetVideo(ctx context.Context, id string) (model.Video, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos v WHERE v.id=?`, id)
	v, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Video{}, ErrNotFound
	}
	return v, err
}

// DeleteVideo removes a video; its enrichment row goes with it (ON DELETE CASCADE).
func (s *Store) DeleteVideo(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM videos WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CountVideos(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos`).Scan(&n)
	return n, err
}

// ListVideosNeedingEnrichment returns videos without an enrichment row, whose
// enrichment predates the video's last content change, or (when staleCutoff is
// non-zero) whose enrichment was computed before staleCutoff. Ordered by id.
func (s *Store) ListVideosNeedingEnrichment(ctx context.Context, staleCutoff time.Time) ([]model.Video, error) {
	cutoff := ""
	if !staleCutoff.IsZero() {
		cutoff = dbTime(staleCutoff)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+videoColumns+`
		FROM videos v
		LEFT JOIN video_enrichments e ON e.video_id = v.id
		WHERE e.video_id IS NULL
		   OR e.updated_at < v.updated_at
		   OR (? <> '' AND e.updated_at < ?)
		ORDER BY v.id
	`, cutoff, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertEnrichment writes one enrichment row in a single statement. A missing
// video surfaces as the driver's foreign key error.
func (s *Store) UpsertEnrichment(ctx context.Context, e model.Enrichment) error {
	points, err := encodeStrings(e.KnowledgePoints)
	if err != nil {
		return err
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO video_enrichments(
			video_id, subject, knowledge_points, difficulty, quality_score, engagement_score,
			duration_score, freshness_score, uploader_score, is_recommended, updated_at
		) VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(video_id) DO UPDATE SET
			subject=excluded.subject,
			knowledge_points=excluded.knowledge_points,
			difficulty=excluded.difficulty,
			quality_score=excluded.quality_score,
			engagement_score=excluded.engagement_score,
			duration_score=excluded.duration_score,
			freshness_score=excluded.freshness_score,
			uploader_score=excluded.uploader_score,
			is_recommended=excluded.is_recommended,
			updated_at=excluded.updated_at
	`, e.VideoID, string(e.Subject), points, string(e.Difficulty), e.QualityScore, e.EngagementScore,
		e.DurationScore, e.FreshnessScore, e.UploaderScore, boolInt(e.IsRecommended), dbTime(updated))
	if err != nil {
		return fmt.Errorf("upsert enrichment %s: %w", e.VideoID, err)
	}
	return nil
}

func (s *Store) GetEnrichment(ctx context.Context, videoID string) (model.Enrichment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+enrichmentColumns+` FROM video_enrichments e WHERE e.video_id=?`, videoID)
	e, err := scanEnrichment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Enrichment{}, ErrNotFound
	}
	return e, err
}

// UploaderStats aggregates views and interactions per uploader id.
func (s *Store) UploaderStats(ctx context.Context) (map[int64]model.UploaderStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uploader_id, COUNT(*), SUM(view_count),
		       SUM(favorite_count + like_count + coin_count + share_count)
		FROM videos
		WHERE uploader_id <> 0
		GROUP BY uploader_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]model.UploaderStats)
	for rows.Next() {
		var st model.UploaderStats
		if err := rows.Scan(&st.UploaderID, &st.Videos, &st.Views, &st.Interactions); err != nil {
			return nil, err
		}
		out[st.UploaderID] = st
	}
	return out, rows.Err()
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_settings(key, value, updated_at) VALUES(?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP
	`, key, value)
	return err
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVideo(row scanner) (model.Video, error) {
	var v model.Video
	var tags string
	var publish, created, updated, crawled any
	if err := row.Scan(&v.ID, &v.AID, &v.URL, &v.Title, &v.UploaderName, &v.UploaderID, &v.CoverURL, &tags,
		&v.Description, &v.Duration, &publish, &v.ViewCount, &v.FavoriteCount, &v.LikeCount,
		&v.CoinCount, &v.ShareCount, &v.DanmakuCount, &v.ReplyCount, &v.SourceKeyword,
		&created, &updated, &crawled); err != nil {
		return model.Video{}, err
	}
	v.Tags = decodeStrings(tags)
	v.PublishTime = parseDBTime(publish)
	v.CreatedAt = parseDBTime(created)
	v.UpdatedAt = parseDBTime(updated)
	v.CrawledAt = parseDBTime(crawled)
	return v, nil
}

func scanEnrichment(row scanner) (model.Enrichment, error) {
	var e model.Enrichment
	var subject, points, difficulty string
	var recommended int
	var updated any
	if err := row.Scan(&e.VideoID, &subject, &points, &difficulty, &e.QualityScore, &e.EngagementScore,
		&e.DurationScore, &e.FreshnessScore, &e.UploaderScore, &recommended, &updated); err != nil {
		return model.Enrichment{}, err
	}
	e.Subject = model.Subject(subject)
	e.KnowledgePoints = decodeStrings(points)
	e.Difficulty = model.Difficulty(difficulty)
	e.IsRecommended = recommended == 1
	e.UpdatedAt = parseDBTime(updated)
	return e, nil
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStrings(raw string) []string {
	out := []string{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	return out
}

func dbTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func nonNeg(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func parseDBTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		return parseDBTimeString(t)
	case []byte:
		return parseDBTimeString(string(t))
	default:
		return time.Time{}
	}
}

func parseDBTimeString(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
