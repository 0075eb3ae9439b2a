package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mathvid/internal/bili"
	"mathvid/internal/db"
	"mathvid/internal/model"
	"mathvid/internal/store"
)

type pageKey struct {
	keyword string
	page    int
}

type fakeSource struct {
	mu      sync.Mutex
	pages   map[pageKey]bili.SearchPage
	errs    map[pageKey][]error
	details map[string]bili.Detail
	tags    map[string][]bili.Tag
	tagErrs map[string]error
	calls   map[pageKey]int
	onCall  func(k pageKey)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:   map[pageKey]bili.SearchPage{},
		errs:    map[pageKey][]error{},
		details: map[string]bili.Detail{},
		tags:    map[string][]bili.Tag{},
		tagErrs: map[string]error{},
		calls:   map[pageKey]int{},
	}
}

func (f *fakeSource) Search(ctx context.Context, keyword string, page, pageSize int) (bili.SearchPage, error) {
	k := pageKey{keyword, page}
	f.mu.Lock()
	f.calls[k]++
	var err error
	if q := f.errs[k]; len(q) > 0 {
		err, f.errs[k] = q[0], q[1:]
	}
	res := f.pages[k]
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(k)
	}
	if err != nil {
		return bili.SearchPage{}, err
	}
	return res, nil
}

func (f *fakeSource) Detail(ctx context.Context, bvid string) (bili.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.details[bvid]
	if !ok {
		return bili.Detail{}, fmt.Errorf("%w: no detail", bili.ErrTransient)
	}
	return d, nil
}

func (f *fakeSource) Tags(ctx context.Context, bvid string) ([]bili.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.tagErrs[bvid]; err != nil {
		return nil, err
	}
	return f.tags[bvid], nil
}

func (f *fakeSource) callCount(k pageKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[k]
}

type fakeStore struct {
	mu     sync.Mutex
	videos map[string]model.Video
	order  []string
	ctxErr []error
}

func newFakeStore() *fakeStore { return &fakeStore{videos: map[string]model.Video{}} }

func (s *fakeStore) UpsertVideo(ctx context.Context, v model.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErr = append(s.ctxErr, ctx.Err())
	s.videos[v.ID] = v
	s.order = append(s.order, v.ID)
	return nil
}

func item(bvid string, pubdate int64) bili.SearchItem {
	return bili.SearchItem{
		BVID:      bvid,
		Title:     `<em class="keyword">极限</em>入门 &amp; 练习`,
		Author:    "宋浩老师",
		Mid:       "123",
		Pic:       "//i0.hdslb.com/" + bvid + ".jpg",
		Tag:       "高数, 极限,高数,",
		Play:      "1.2万",
		Favorites: "300",
		Like:      "500",
		Danmaku:   "12",
		Review:    "-",
		Duration:  "12:34",
		PubDate:   bili.Flex(fmt.Sprint(pubdate)),
	}
}

func fastOptions(keywords ...string) Options {
	return Options{
		Keywords:              keywords,
		PagesPerKeyword:       3,
		PageSize:              20,
		MaxConcurrentKeywords: 2,
		RetryAttempts:         3,
		RetryBaseDelay:        time.Millisecond,
		RetryMaxDelay:         2 * time.Millisecond,
	}
}

func TestRunNormalizesAndUpserts(t *testing.T) {
	src := newFakeSource()
	src.pages[pageKey{"极限", 1}] = bili.SearchPage{NumPages: 1, Items: []bili.SearchItem{item("BV1", 1700000000), item("BV2", 1700000000000)}}
	st := newFakeStore()

	sum, err := New(fastOptions("极限"), src, st).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sum.Upserted)
	require.Equal(t, 1, sum.PagesFetched)
	require.Zero(t, src.callCount(pageKey{"极限", 2}), "stops at reported page count")

	v := st.videos["BV1"]
	require.Equal(t, "极限入门 & 练习", v.Title)
	require.Equal(t, []string{"高数", "极限"}, v.Tags)
	require.Equal(t, int64(12000), v.ViewCount)
	require.Equal(t, int64(300), v.FavoriteCount)
	require.Equal(t, int64(0), v.ReplyCount)
	require.Equal(t, 754, v.Duration)
	require.Equal(t, int64(123), v.UploaderID)
	require.Equal(t, "https://i0.hdslb.com/BV1.jpg", v.CoverURL)
	require.Equal(t, "https://www.bilibili.com/video/BV1", v.URL)
	require.Equal(t, "极限", v.SourceKeyword)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), v.PublishTime)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), st.videos["BV2"].PublishTime, "millisecond timestamps")
}

func TestRunDiscardsMalformedEntries(t *testing.T) {
	src := newFakeSource()
	noTime := item("BV3", 0)
	src.pages[pageKey{"k", 1}] = bili.SearchPage{Items: []bili.SearchItem{item("", 1700000000), noTime, item("BV4", 1700000000)}}
	st := newFakeStore()

	sum, err := New(fastOptions("k"), src, st).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sum.Malformed)
	require.Equal(t, 1, sum.Upserted)
	require.Contains(t, st.videos, "BV4")
}

func TestRunDedupesAcrossKeywordsFirstSightingWins(t *testing.T) {
	src := newFakeSource()
	src.pages[pageKey{"a", 1}] = bili.SearchPage{NumPages: 1, Items: []bili.SearchItem{item("BV1", 1700000000)}}
	src.pages[pageKey{"b", 1}] = bili.SearchPage{NumPages: 1, Items: []bili.SearchItem{item("BV1", 1700000000), item("BV2", 1700000000)}}
	st := newFakeStore()
	opts := fastOptions("a", "b")
	opts.MaxConcurrentKeywords = 1

	sum, err := New(opts, src, st).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sum.Upserted)
	require.Equal(t, 1, sum.Duplicates)
	require.Equal(t, "a", st.videos["BV1"].SourceKeyword)
	require.Equal(t, []string{"BV1", "BV2"}, st.order)
}

func TestRunRetriesTransientThenSkipsPage(t *testing.T) {
	src := newFakeSource()
	transient := fmt.Errorf("%w: 503", bili.ErrTransient)
	src.errs[pageKey{"k", 1}] = []error{transient, transient, transient}
	src.errs[pageKey{"k", 2}] = []error{transient}
	src.pages[pageKey{"k", 2}] = bili.SearchPage{NumPages: 3, Items: []bili.SearchItem{item("BV1", 1700000000)}}
	src.pages[pageKey{"k", 3}] = bili.SearchPage{NumPages: 3, Items: []bili.SearchItem{item("BV2", 1700000000)}}
	st := newFakeStore()

	sum, err := New(fastOptions("k"), src, st).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, src.callCount(pageKey{"k", 1}), "bounded attempts")
	require.Equal(t, 2, src.callCount(pageKey{"k", 2}))
	require.Equal(t, 1, sum.PagesSkipped)
	require.Equal(t, 2, sum.PagesFetched)
	require.Equal(t, 2, sum.Upserted)
}

func TestRunAuthAbortsOnlyThatKeyword(t *testing.T) {
	src := newFakeSource()
	src.errs[pageKey{"bad", 1}] = []error{fmt.Errorf("%w: -352", bili.ErrAuth)}
	src.pages[pageKey{"good", 1}] = bili.SearchPage{NumPages: 1, Items: []bili.SearchItem{item("BV1", 1700000000)}}
	st := newFakeStore()

	sum, err := New(fastOptions("bad", "good"), src, st).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.AbortedKeywords)
	require.Equal(t, 1, src.callCount(pageKey{"bad", 1}), "auth errors are not retried")
	require.Zero(t, src.callCount(pageKey{"bad", 2}))
	require.Contains(t, st.videos, "BV1")
}

func TestRunFailsWhenEveryKeywordAborted(t *testing.T) {
	src := newFakeSource()
	src.errs[pageKey{"a", 1}] = []error{bili.ErrAuth}
	src.errs[pageKey{"b", 1}] = []error{bili.ErrAuth}

	sum, err := New(fastOptions("a", "b"), src, newFakeStore()).Run(context.Background())
	require.ErrorIs(t, err, bili.ErrAuth)
	require.Equal(t, 2, sum.AbortedKeywords)
}

func TestRunStopsOnEmptyPage(t *testing.T) {
	src := newFakeSource()
	src.pages[pageKey{"k", 1}] = bili.SearchPage{Items: []bili.SearchItem{item("BV1", 1700000000)}}
	sum, err := New(fastOptions("k"), src, newFakeStore()).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sum.PagesFetched)
	require.Zero(t, src.callCount(pageKey{"k", 3}))
}

func TestRunCancellationFinishesInFlightUpserts(t *testing.T) {
	src := newFakeSource()
	src.pages[pageKey{"k", 1}] = bili.SearchPage{NumPages: 3, Items: []bili.SearchItem{item("BV1", 1700000000), item("BV2", 1700000000)}}
	src.pages[pageKey{"k", 2}] = bili.SearchPage{NumPages: 3, Items: []bili.SearchItem{item("BV3", 1700000000)}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.onCall = func(k pageKey) {
		if k.page == 1 {
			cancel()
		}
	}
	st := newFakeStore()
	opts := fastOptions("k")
	opts.FetchDetail = true

	sum, err := New(opts, src, st).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sum.Upserted)
	require.Zero(t, src.callCount(pageKey{"k", 2}))
	for _, e := range st.ctxErr {
		require.NoError(t, e)
	}
}

func TestRunFetchDetailOverlaysCounters(t *testing.T) {
	src := newFakeSource()
	src.pages[pageKey{"k", 1}] = bili.SearchPage{NumPages: 1, Items: []bili.SearchItem{item("BV1", 1700000000), item("BV2", 1700000000)}}
	src.details["BV1"] = bili.Detail{BVID: "BV1", Desc: "完整简介", Stat: bili.Stat{View: 15000, Favorite: 320, Like: 600, Coin: 80, Share: 20}}
	st := newFakeStore()
	opts := fastOptions("k")
	opts.FetchDetail = true

	sum, err := New(opts, src, st).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.DetailErrors)
	require.Equal(t, int64(80), st.videos["BV1"].CoinCount)
	require.Equal(t, int64(15000), st.videos["BV1"].ViewCount)
	require.Equal(t, int64(320), st.videos["BV1"].FavoriteCount)
	require.Equal(t, int64(600), st.videos["BV1"].LikeCount)
	require.Equal(t, "完整简介", st.videos["BV1"].Description)
	require.Equal(t, int64(12000), st.videos["BV2"].ViewCount, "detail failure keeps the search record")
}

func TestRunDetailCountersReplaceHigherSearchCounters(t *testing.T) {
	src := newFakeSource()
	src.pages[pageKey{"k", 1}] = bili.SearchPage{NumPages: 1, Items: []bili.SearchItem{item("BV1", 1700000000)}}
	src.details["BV1"] = bili.Detail{BVID: "BV1", Stat: bili.Stat{View: 11000, Favorite: 250, Like: 400, Danmaku: 3}}
	st := newFakeStore()
	opts := fastOptions("k")
	opts.FetchDetail = true

	_, err := New(opts, src, st).Run(context.Background())
	require.NoError(t, err)
	v := st.videos["BV1"]
	require.Equal(t, int64(11000), v.ViewCount)
	require.Equal(t, int64(250), v.FavoriteCount)
	require.Equal(t, int64(400), v.LikeCount)
	require.Equal(t, int64(3), v.DanmakuCount)
}

func TestRunFetchDetailReplacesTags(t *testing.T) {
	src := newFakeSource()
	src.pages[pageKey{"k", 1}] = bili.SearchPage{NumPages: 1, Items: []bili.SearchItem{
		item("BV1", 1700000000), item("BV2", 1700000000), item("BV3", 1700000000),
	}}
	for _, id := range []string{"BV1", "BV2", "BV3"} {
		src.details[id] = bili.Detail{BVID: id}
	}
	src.tags["BV1"] = []bili.Tag{{TagID: 1, TagName: "高等数学"}, {TagID: 2, TagName: " 极限 "}, {TagID: 1, TagName: "高等数学"}}
	src.tagErrs["BV2"] = fmt.Errorf("%w: tag endpoint down", bili.ErrTransient)
	st := newFakeStore()
	opts := fastOptions("k")
	opts.FetchDetail = true

	sum, err := New(opts, src, st).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.DetailErrors)
	require.Equal(t, []string{"高等数学", "极限"}, st.videos["BV1"].Tags)
	require.Equal(t, []string{"高数", "极限"}, st.videos["BV2"].Tags, "tag failure keeps search tags")
	require.Equal(t, []string{"高数", "极限"}, st.videos["BV3"].Tags, "empty tag list keeps search tags")
}

func TestRunBoundsConcurrentKeywords(t *testing.T) {
	keywords := []string{"极限", "导数", "积分", "矩阵", "概率", "方差"}
	src := newFakeSource()
	var mu sync.Mutex
	inFlight, peak := 0, 0
	src.onCall = func(k pageKey) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}
	opts := fastOptions(keywords...)
	opts.MaxConcurrentKeywords = 2

	sum, err := New(opts, src, newFakeStore()).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(keywords), sum.PagesFetched)
	for _, kw := range keywords {
		require.Equal(t, 1, src.callCount(pageKey{kw, 1}), kw)
	}
	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, peak, 2)
	require.GreaterOrEqual(t, peak, 1)
}

func TestRunIsIdempotentAgainstStore(t *testing.T) {
	conn, err := db.Open(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	st := store.New(conn)

	src := newFakeSource()
	src.pages[pageKey{"k", 1}] = bili.SearchPage{NumPages: 1, Items: []bili.SearchItem{item("BV1", 1700000000), item("BV2", 1700000000)}}
	svc := New(fastOptions("k"), src, st)

	_, err = svc.Run(context.Background())
	require.NoError(t, err)
	first, err := st.GetVideo(context.Background(), "BV1")
	require.NoError(t, err)

	_, err = svc.Run(context.Background())
	require.NoError(t, err)
	second, err := st.GetVideo(context.Background(), "BV1")
	require.NoError(t, err)

	n, err := st.CountVideos(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, first.Title, second.Title)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, first.UpdatedAt, second.UpdatedAt, "unchanged content keeps updated_at")
	require.False(t, second.CrawledAt.Before(first.CrawledAt))
}

func TestNormalizeHelpers(t *testing.T) {
	for raw, want := range map[string]int64{
		"":       0,
		"-":      0,
		"--":     0,
		"1,234":  1234,
		"1.2万":   12000,
		"3亿":     300000000,
		"42":     42,
		"abc":    0,
		"-5":     0,
		" 7.5万 ": 75000,
	} {
		require.Equal(t, want, parseCount(raw), raw)
	}
	for raw, want := range map[string]int{
		"":        0,
		"12:34":   754,
		"1:02:03": 3723,
		"90":      90,
		"a:b":     0,
		"1:2:3:4": 0,
	} {
		require.Equal(t, want, parseDuration(raw), raw)
	}
	require.Equal(t, "f(x) < 1", cleanHTML(`<em class="keyword">f(x)</em> &lt; 1`))
	require.Equal(t, []string{}, splitTags(""))
	require.Equal(t, "https://x/y.jpg", normalizeCover("http://x/y.jpg"))
	require.True(t, parseTimestamp("").IsZero())
	require.True(t, parseTimestamp("-1").IsZero())
}
