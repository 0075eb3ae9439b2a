package store

import (
	"context"
	"strings"

	"mathvid/internal/model"
)

// JoinedFilter narrows the videos ⋈ enrichments join. Zero values disable a filter.
type JoinedFilter struct {
	Subject         model.Subject
	KnowledgePoint  string
	Difficulty      model.Difficulty
	Keyword         string
	Uploader        string
	OnlyRecommended bool
}

type SortOrder string

const (
	SortQuality      SortOrder = "quality"
	SortPublished    SortOrder = "published"
	SortFavoriteRate SortOrder = "favorite_rate"
)

// Every order ends on v.id so pages are stable across identical queries.
var orderClauses = map[SortOrder]string{
	SortQuality:      `e.quality_score DESC, v.id ASC`,
	SortPublished:    `v.publish_time DESC, v.id ASC`,
	SortFavoriteRate: `CAST(v.favorite_count AS REAL) / MAX(v.view_count, 1) DESC, v.id ASC`,
}

// QueryJoined returns one page of enriched videos plus the total match count.
// An offset past the end yields no rows and the correct total.
func (s *Store) QueryJoined(ctx context.Context, f JoinedFilter, order SortOrder, offset, limit int) ([]model.EnrichedVideo, int, error) {
	where, args := f.where()

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM videos v
		JOIN video_enrichments e ON e.video_id = v.id
	`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || offset >= total {
		return []model.EnrichedVideo{}, total, nil
	}
	if offset < 0 {
		offset = 0
	}

	orderBy, ok := orderClauses[order]
	if !ok {
		orderBy = orderClauses[SortQuality]
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+videoColumns+`, `+enrichmentColumns+`
		FROM videos v
		JOIN video_enrichments e ON e.video_id = v.id
	`+where+`
		ORDER BY `+orderBy+`
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]model.EnrichedVideo, 0, limit)
	for rows.Next() {
		item, err := scanJoined(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (f JoinedFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.OnlyRecommended {
		conds = append(conds, `e.is_recommended = 1`)
	}
	if f.Subject != model.SubjectUnknown {
		conds = append(conds, `e.subject = ?`)
		args = append(args, string(f.Subject))
	}
	if kp := strings.TrimSpace(f.KnowledgePoint); kp != "" {
		conds = append(conds, `EXISTS (SELECT 1 FROM json_each(e.knowledge_points) j WHERE j.value = ?)`)
		args = append(args, kp)
	}
	if f.Difficulty != model.DifficultyUnknown {
		conds = append(conds, `e.difficulty = ?`)
		args = append(args, string(f.Difficulty))
	}
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		pattern := likePattern(kw)
		conds = append(conds, `(LOWER(v.title) LIKE ? ESCAPE '\'
			OR EXISTS (SELECT 1 FROM json_each(v.tags) t WHERE LOWER(t.value) LIKE ? ESCAPE '\')
			OR LOWER(v.uploader_name) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	if up := strings.TrimSpace(f.Uploader); up != "" {
		conds = append(conds, `LOWER(v.uploader_name) LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(up))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func likePattern(v string) string {
	v = strings.ToLower(v)
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(v) + "%"
}

func scanJoined(row scanner) (model.EnrichedVideo, error) {
	var item model.EnrichedVideo
	var tags, subject, points, difficulty string
	var publish, created, updated, crawled, enrichedAt any
	var recommended int
	v := &item.Video
	e := &item.Enrichment
	if err := row.Scan(&v.ID, &v.AID, &v.URL, &v.Title, &v.UploaderName, &v.UploaderID, &v.CoverURL, &tags,
		&v.Description, &v.Duration, &publish, &v.ViewCount, &v.FavoriteCount, &v.LikeCount,
		&v.CoinCount, &v.ShareCount, &v.DanmakuCount, &v.ReplyCount, &v.SourceKeyword,
		&created, &updated, &crawled,
		&e.VideoID, &subject, &points, &difficulty, &e.QualityScore, &e.EngagementScore,
		&e.DurationScore, &e.FreshnessScore, &e.UploaderScore, &recommended, &enrichedAt); err != nil {
		return model.EnrichedVideo{}, err
	}
	v.Tags = decodeStrings(tags)
	v.PublishTime = parseDBTime(publish)
	v.CreatedAt = parseDBTime(created)
	v.UpdatedAt = parseDBTime(updated)
	v.CrawledAt = parseDBTime(crawled)
	e.Subject = model.Subject(subject)
	e.KnowledgePoints = decodeStrings(points)
	e.Difficulty = model.Difficulty(difficulty)
	e.IsRecommended = recommended == 1
	e.UpdatedAt = parseDBTime(enrichedAt)
	return item, nil
}

type TopicCount struct {
	Subject        model.Subject
	KnowledgePoint string
	Count          int
}

// TopicCounts counts enriched videos per (subject, knowledge point).
func (s *Store) TopicCounts(ctx context.Context, onlyRecommended bool) ([]TopicCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.subject, j.value, COUNT(DISTINCT e.video_id)
		FROM video_enrichments e, json_each(e.knowledge_points) j
		WHERE (? = 0 OR e.is_recommended = 1)
		GROUP BY e.subject, j.value
		ORDER BY e.subject, j.value
	`, boolInt(onlyRecommended))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TopicCount
	for rows.Next() {
		var tc TopicCount
		var subject string
		if err := rows.Scan(&subject, &tc.KnowledgePoint, &tc.Count); err != nil {
			return nil, err
		}
		tc.Subject = model.Subject(subject)
		out = append(out, tc)
	}
	return out, rows.Err()
}

// DifficultyCounts counts enriched videos per difficulty, unknown included under "".
func (s *Store) DifficultyCounts(ctx context.Context, onlyRecommended bool) (map[model.Difficulty]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT difficulty, COUNT(*)
		FROM video_enrichments
		WHERE (? = 0 OR is_recommended = 1)
		GROUP BY difficulty
	`, boolInt(onlyRecommended))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[model.Difficulty]int)
	for rows.Next() {
		var d string
		var n int
		if err := rows.Scan(&d, &n); err != nil {
			return nil, err
		}
		out[model.Difficulty(d)] = n
	}
	return out, rows.Err()
}
