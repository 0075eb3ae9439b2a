package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"mathvid/internal/auth"
	"mathvid/internal/classify"
	"mathvid/internal/config"
	"mathvid/internal/db"
	"mathvid/internal/model"
	"mathvid/internal/recommend"
	"mathvid/internal/scheduler"
	"mathvid/internal/store"
)

const secret = "test-admin-secret"

type fakeJobs struct {
	mu   sync.Mutex
	ran  []string
	err  error
	last scheduler.RunState

	// block makes RunNow wait for ctx and return its error.
	block   bool
	started chan struct{}
}

func (f *fakeJobs) RunNow(ctx context.Context, job, source string) error {
	if f.block {
		close(f.started)
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ran = append(f.ran, job)
	f.last = scheduler.RunState{LastJob: job, LastSource: source}
	return nil
}

func (f *fakeJobs) Snapshot() scheduler.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type testEnv struct {
	st   *store.Store
	jobs *fakeJobs
	api  *API
	h    http.Handler
}

func newEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	st := store.New(conn)

	rules, err := classify.DefaultRules()
	require.NoError(t, err)
	engine := recommend.New(st, rules, recommend.Options{DefaultPageSize: 8, MaxPageSize: 50})
	guard, err := auth.New(secret, nil)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.PublicRateLimit = 0
	jobs := &fakeJobs{}
	subjects := []model.Subject{model.SubjectCalculus, model.SubjectLinear, model.SubjectProbability}
	api := New(cfg, st, engine, subjects, jobs, nil, guard)
	return testEnv{st: st, jobs: jobs, api: api, h: api.Routes()}
}

func (e testEnv) seed(t *testing.T, id string, subject model.Subject, score float64, published time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.st.UpsertVideo(ctx, model.Video{ID: id, Title: "t " + id, PublishTime: published, ViewCount: 100}))
	require.NoError(t, e.st.UpsertEnrichment(ctx, model.Enrichment{
		VideoID:         id,
		Subject:         subject,
		KnowledgePoints: []string{"矩阵"},
		Difficulty:      model.DifficultyBeginner,
		QualityScore:    score,
		IsRecommended:   true,
	}))
}

func (e testEnv) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		req.Header[k] = vs
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRecommendEndpoint(t *testing.T) {
	env := newEnv(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"A", "B", "C"} {
		env.seed(t, id, model.SubjectLinear, 70, base.Add(time.Duration(i)*time.Hour))
	}
	env.seed(t, "D", model.SubjectCalculus, 90, base)

	rec := env.do(t, http.MethodGet, "/api/recommend?strategy=new&course=线性代数&page=1&page_size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	res := decode[recommend.Result](t, rec)
	require.Equal(t, 3, res.Total)
	require.Equal(t, 2, res.Pages)
	require.Len(t, res.Items, 2)
	require.Equal(t, "C", res.Items[0].Video.ID)

	rec = env.do(t, http.MethodGet, "/api/recommend?page=99&page_size=abc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[recommend.Result](t, rec)
	require.Empty(t, res.Items)
	require.Equal(t, 4, res.Total)
	require.Equal(t, 8, res.PageSize)
}

func TestFacetEndpoints(t *testing.T) {
	env := newEnv(t)
	env.seed(t, "A", model.SubjectLinear, 70, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	rec := env.do(t, http.MethodGet, "/api/topics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	topics := decode[struct {
		Subjects []recommend.SubjectTopics `json:"subjects"`
	}](t, rec)
	require.Len(t, topics.Subjects, 1)
	require.Equal(t, model.SubjectLinear, topics.Subjects[0].Subject)

	rec = env.do(t, http.MethodGet, "/api/difficulties?only_recommended=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	diffs := decode[struct {
		Difficulties []recommend.DifficultyCount `json:"difficulties"`
	}](t, rec)
	require.Equal(t, 1, diffs.Difficulties[0].Count)
}

func TestVideoEndpoint(t *testing.T) {
	env := newEnv(t)
	env.seed(t, "A", model.SubjectLinear, 70, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	rec := env.do(t, http.MethodGet, "/api/videos/A", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Video      model.Video       `json:"video"`
		Enrichment *model.Enrichment `json:"enrichment"`
	}](t, rec)
	require.Equal(t, "A", body.Video.ID)
	require.NotNil(t, body.Enrichment)
	require.Equal(t, model.SubjectLinear, body.Enrichment.Subject)

	rec = env.do(t, http.MethodGet, "/api/videos/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	env := newEnv(t)
	env.seed(t, "A", model.SubjectLinear, 70, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	hdr := http.Header{"X-Admin-Secret": {secret}}

	require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/admin/api/crawl", nil).Code)

	rec := env.do(t, http.MethodPost, "/admin/api/enrich", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"enrich"}, env.jobs.ran)

	env.jobs.err = scheduler.ErrAlreadyRunning
	require.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/admin/api/crawl", hdr).Code)
	env.jobs.err = errors.New("boom")
	require.Equal(t, http.StatusInternalServerError, env.do(t, http.MethodPost, "/admin/api/crawl", hdr).Code)
	env.jobs.err = nil

	rec = env.do(t, http.MethodGet, "/admin/api/status", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[struct {
		Videos int `json:"videos"`
	}](t, rec)
	require.Equal(t, 1, status.Videos)

	require.NoError(t, env.st.SetSetting(context.Background(), SummaryKey("crawl"), `{"upserted":3}`))
	rec = env.do(t, http.MethodGet, "/admin/api/status", hdr)
	withSummary := decode[struct {
		Jobs struct {
			Summaries map[string]map[string]int `json:"summaries"`
		} `json:"jobs"`
	}](t, rec)
	require.Equal(t, 3, withSummary.Jobs.Summaries["crawl"]["upserted"])
	require.NotContains(t, withSummary.Jobs.Summaries, "enrich")

	require.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/admin/api/videos/A", hdr).Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/admin/api/videos/A", hdr).Code)

	rec = env.do(t, http.MethodGet, "/api/recommend", nil)
	require.Zero(t, decode[recommend.Result](t, rec).Total)
}

func TestAdminJobStopsWithBaseContext(t *testing.T) {
	env := newEnv(t)
	base, cancel := context.WithCancel(context.Background())
	env.api.WithBaseContext(base)
	env.jobs.block = true
	env.jobs.started = make(chan struct{})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/admin/api/crawl", http.Header{"X-Admin-Secret": {secret}})
	}()
	<-env.jobs.started
	cancel()

	select {
	case rec := <-done:
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Contains(t, rec.Body.String(), context.Canceled.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("admin job ignored shutdown")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)

	env.do(t, http.MethodGet, "/api/recommend?strategy=hot", nil)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "mathvid_recommend_queries_total")
}
