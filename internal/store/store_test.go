package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mathvid/internal/db"
	"mathvid/internal/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return New(conn)
}

func at(ts time.Time) func() time.Time { return func() time.Time { return ts } }

func video(id string) model.Video {
	return model.Video{
		ID:            id,
		Title:         "线性代数 " + id,
		UploaderName:  "宋浩老师官方",
		UploaderID:    42,
		CoverURL:      "https://i0.hdslb.com/" + id + ".jpg",
		Tags:          []string{"矩阵", "行列式"},
		Duration:      600,
		PublishTime:   t0.Add(-24 * time.Hour),
		ViewCount:     1000,
		FavoriteCount: 20,
		LikeCount:     50,
		SourceKeyword: "线性代数",
	}
}

func TestUpsertVideoRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openStore(t).WithClock(at(t0))
	require.NoError(t, st.UpsertVideo(ctx, video("BV1")))

	got, err := st.GetVideo(ctx, "BV1")
	require.NoError(t, err)
	require.Equal(t, "线性代数 BV1", got.Title)
	require.Equal(t, []string{"矩阵", "行列式"}, got.Tags)
	require.True(t, got.PublishTime.Equal(t0.Add(-24*time.Hour)))
	require.True(t, got.CreatedAt.Equal(t0))
	require.True(t, got.UpdatedAt.Equal(t0))

	_, err = st.GetVideo(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertVideoRejectsIncomplete(t *testing.T) {
	st := openStore(t)
	require.Error(t, st.UpsertVideo(context.Background(), model.Video{ID: " "}))
	require.Error(t, st.UpsertVideo(context.Background(), model.Video{ID: "BV1"}))
}

func TestUpsertVideoRefreshSemantics(t *testing.T) {
	ctx := context.Background()
	base := openStore(t)
	require.NoError(t, base.WithClock(at(t0)).UpsertVideo(ctx, video("BV1")))

	// Same content later: crawled_at moves, updated_at does not.
	again := video("BV1")
	again.SourceKeyword = "矩阵"
	again.CoverURL = ""
	require.NoError(t, base.WithClock(at(t0.Add(time.Hour))).UpsertVideo(ctx, again))
	got, err := base.GetVideo(ctx, "BV1")
	require.NoError(t, err)
	require.True(t, got.UpdatedAt.Equal(t0))
	require.True(t, got.CrawledAt.Equal(t0.Add(time.Hour)))
	require.Equal(t, "线性代数", got.SourceKeyword)
	require.Equal(t, "https://i0.hdslb.com/BV1.jpg", got.CoverURL)

	changed := video("BV1")
	changed.ViewCount = 5000
	require.NoError(t, base.WithClock(at(t0.Add(2*time.Hour))).UpsertVideo(ctx, changed))
	got, err = base.GetVideo(ctx, "BV1")
	require.NoError(t, err)
	require.EqualValues(t, 5000, got.ViewCount)
	require.True(t, got.UpdatedAt.Equal(t0.Add(2*time.Hour)))
	require.True(t, got.CreatedAt.Equal(t0))

	n, err := base.CountVideos(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestEnrichmentForeignKeyAndCascade(t *testing.T) {
	ctx := context.Background()
	st := openStore(t).WithClock(at(t0))

	err := st.UpsertEnrichment(ctx, model.Enrichment{VideoID: "ghost", Subject: model.SubjectLinear})
	require.Error(t, err)

	require.NoError(t, st.UpsertVideo(ctx, video("BV1")))
	require.NoError(t, st.UpsertEnrichment(ctx, model.Enrichment{
		VideoID:         "BV1",
		Subject:         model.SubjectLinear,
		KnowledgePoints: []string{"矩阵"},
		Difficulty:      model.DifficultyBeginner,
		QualityScore:    72.5,
		IsRecommended:   true,
	}))
	e, err := st.GetEnrichment(ctx, "BV1")
	require.NoError(t, err)
	require.Equal(t, model.SubjectLinear, e.Subject)
	require.Equal(t, []string{"矩阵"}, e.KnowledgePoints)
	require.InDelta(t, 72.5, e.QualityScore, 1e-9)
	require.True(t, e.IsRecommended)

	require.NoError(t, st.DeleteVideo(ctx, "BV1"))
	_, err = st.GetEnrichment(ctx, "BV1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, st.DeleteVideo(ctx, "BV1"), ErrNotFound)
}

func TestListVideosNeedingEnrichment(t *testing.T) {
	ctx := context.Background()
	base := openStore(t)
	st := base.WithClock(at(t0))
	require.NoError(t, st.UpsertVideo(ctx, video("BV2")))
	require.NoError(t, st.UpsertVideo(ctx, video("BV1")))

	pending, err := st.ListVideosNeedingEnrichment(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "BV1", pending[0].ID)

	later := base.WithClock(at(t0.Add(time.Hour)))
	for _, id := range []string{"BV1", "BV2"} {
		require.NoError(t, later.UpsertEnrichment(ctx, model.Enrichment{VideoID: id}))
	}
	pending, err = st.ListVideosNeedingEnrichment(ctx, time.Time{})
	require.NoError(t, err)
	require.Empty(t, pending)

	changed := video("BV2")
	changed.Title = "新的标题"
	require.NoError(t, base.WithClock(at(t0.Add(2*time.Hour))).UpsertVideo(ctx, changed))
	pending, err = st.ListVideosNeedingEnrichment(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "BV2", pending[0].ID)

	pending, err = st.ListVideosNeedingEnrichment(ctx, t0.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestUploaderStats(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	a, b := video("BV1"), video("BV2")
	b.ViewCount = 3000
	anon := video("BV3")
	anon.UploaderID = 0
	for _, v := range []model.Video{a, b, anon} {
		require.NoError(t, st.UpsertVideo(ctx, v))
	}

	stats, err := st.UploaderStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, 2, stats[42].Videos)
	require.EqualValues(t, 4000, stats[42].Views)
	require.EqualValues(t, 140, stats[42].Interactions)
}

func TestQueryJoinedPaging(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	for _, id := range []string{"BV3", "BV1", "BV2"} {
		require.NoError(t, st.UpsertVideo(ctx, video(id)))
		require.NoError(t, st.UpsertEnrichment(ctx, model.Enrichment{
			VideoID:      id,
			Subject:      model.SubjectLinear,
			QualityScore: 50,
			Difficulty:   model.DifficultyBeginner,
		}))
	}

	page, total, err := st.QueryJoined(ctx, JoinedFilter{Subject: model.SubjectLinear}, SortQuality, 0, 2)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, page, 2)
	require.Equal(t, "BV1", page[0].Video.ID)
	require.Equal(t, "BV2", page[1].Video.ID)

	page, total, err = st.QueryJoined(ctx, JoinedFilter{}, SortQuality, 10, 2)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Empty(t, page)

	_, total, err = st.QueryJoined(ctx, JoinedFilter{Subject: model.SubjectCalculus}, SortQuality, 0, 2)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestQueryJoinedKeywordMatchesTagValues(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	tagged := video("BV1")
	tagged.Tags = []string{"微积分 & 极限", "<入门>"}
	plain := video("BV2")
	for _, v := range []model.Video{tagged, plain} {
		require.NoError(t, st.UpsertVideo(ctx, v))
		require.NoError(t, st.UpsertEnrichment(ctx, model.Enrichment{VideoID: v.ID, Subject: model.SubjectLinear}))
	}

	for _, kw := range []string{"& 极限", "<入门>"} {
		page, total, err := st.QueryJoined(ctx, JoinedFilter{Keyword: kw}, SortQuality, 0, 10)
		require.NoError(t, err)
		require.Equal(t, 1, total, kw)
		require.Equal(t, "BV1", page[0].Video.ID)
	}

	// JSON punctuation between tags is not searchable text.
	for _, kw := range []string{`","`, `["`} {
		_, total, err := st.QueryJoined(ctx, JoinedFilter{Keyword: kw}, SortQuality, 0, 10)
		require.NoError(t, err)
		require.Zero(t, total, kw)
	}

	_, total, err := st.QueryJoined(ctx, JoinedFilter{Keyword: "行列式"}, SortQuality, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	_, err := st.GetSetting(ctx, "last_crawl_summary")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.SetSetting(ctx, "last_crawl_summary", "a"))
	require.NoError(t, st.SetSetting(ctx, "last_crawl_summary", "b"))
	v, err := st.GetSetting(ctx, "last_crawl_summary")
	require.NoError(t, err)
	require.Equal(t, "b", v)
}
