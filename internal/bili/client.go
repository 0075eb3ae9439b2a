// Package bili is a small client for the Bilibili web API: WBI-signed video
// search and the per-video view endpoint.
package bili

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"mathvid/internal/logging"
	"mathvid/internal/metrics"
)

const (
	DefaultBaseURL   = "https://api.bilibili.com"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	referer          = "https://www.bilibili.com/"
	maxBodyBytes     = 8 << 20

	pathNav    = "/x/web-interface/nav"
	pathSearch = "/x/web-interface/wbi/search/type"
	pathView   = "/x/web-interface/view"
	pathTags   = "/x/web-interface/view/detail/tag"
)

type Options struct {
	BaseURL   string
	Cookie    string
	UserAgent string
	Timeout   time.Duration
	// MinInterval is the minimum gap between two requests to the API host.
	MinInterval time.Duration
	// BreakerFailures consecutive transient failures open the breaker for
	// BreakerCooldown. Zero disables tripping.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
	Now             func() time.Time
}

type Client struct {
	base    string
	cookie  string
	ua      string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	keys    wbiKeys
	now     func() time.Time
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}

	log := logging.Component("bili")
	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "bili-api",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return failures > 0 && c.ConsecutiveFailures >= failures
		},
		// Only transient failures say anything about the upstream's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		cookie:  strings.TrimSpace(opts.Cookie),
		ua:      opts.UserAgent,
		http:    hc,
		limiter: rate.NewLimiter(limit, 1),
		breaker: breaker,
		now:     opts.Now,
	}
}

// Search fetches one page of video search results for keyword, ordered by
// play count.
func (c *Client) Search(ctx context.Context, keyword string, page, pageSize int) (SearchPage, error) {
	mixin, err := c.mixinKey(ctx)
	if err != nil {
		return SearchPage{}, err
	}
	params := url.Values{}
	params.Set("search_type", "video")
	params.Set("keyword", keyword)
	params.Set("page", strconv.Itoa(page))
	params.Set("page_size", strconv.Itoa(pageSize))
	params.Set("order", "click")

	data, err := c.call(ctx, pathSearch, signWBI(params, mixin, c.now()))
	if err != nil {
		if errors.Is(err, ErrAuth) {
			// A rotated key looks like a risk-control rejection; refetch next time.
			c.keys.reset()
		}
		return SearchPage{}, err
	}
	var out SearchPage
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &out); err != nil {
			return SearchPage{}, fmt.Errorf("%w: search page: %v", ErrMalformed, err)
		}
	}
	return out, nil
}

// Detail fetches the view payload of one video.
func (c *Client) Detail(ctx context.Context, bvid string) (Detail, error) {
	params := url.Values{}
	params.Set("bvid", bvid)
	data, err := c.call(ctx, pathView, params.Encode())
	if err != nil {
		return Detail{}, err
	}
	var out Detail
	if err := json.Unmarshal(data, &out); err != nil {
		return Detail{}, fmt.Errorf("%w: view %s: %v", ErrMalformed, bvid, err)
	}
	return out, nil
}

// Tags fetches the tag list shown under a video.
func (c *Client) Tags(ctx context.Context, bvid string) ([]Tag, error) {
	params := url.Values{}
	params.Set("bvid", bvid)
	data, err := c.call(ctx, pathTags, params.Encode())
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var out []Tag
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: tags %s: %v", ErrMalformed, bvid, err)
	}
	return out, nil
}

func (c *Client) mixinKey(ctx context.Context) (string, error) {
	if k, ok := c.keys.get(c.now()); ok {
		return k, nil
	}
	body, err := c.fetch(ctx, pathNav, "")
	if err != nil {
		return "", err
	}
	// nav answers -101 to anonymous sessions but still carries the keys.
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("%w: nav: non-JSON body", ErrTransient)
	}
	var nav navData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &nav); err != nil {
			return "", fmt.Errorf("%w: nav: %v", ErrMalformed, err)
		}
	}
	img, sub := keyFromURL(nav.WbiImg.ImgURL), keyFromURL(nav.WbiImg.SubURL)
	if img == "" || sub == "" {
		if env.Code != 0 {
			return "", &APIError{Code: env.Code, Message: env.Message}
		}
		return "", fmt.Errorf("%w: nav: missing wbi keys", ErrMalformed)
	}
	mixin := mixinKey(img, sub)
	c.keys.set(mixin, c.now())
	return mixin, nil
}

// call fetches path and unwraps the response envelope.
func (c *Client) call(ctx context.Context, path, rawQuery string) (json.RawMessage, error) {
	body, err := c.fetch(ctx, path, rawQuery)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: non-JSON body", ErrTransient, path)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("%s: %w", path, &APIError{Code: env.Code, Message: env.Message})
	}
	return env.Data, nil
}

// fetch performs one paced GET through the circuit breaker. Envelope codes
// are checked inside the breaker so throttling responses count as failures.
func (c *Client) fetch(ctx context.Context, path, rawQuery string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := c.breaker.Execute(func() ([]byte, error) {
		body, err := c.get(ctx, path, rawQuery)
		if err != nil {
			return nil, err
		}
		var probe struct {
			Code int `json:"code"`
		}
		if json.Unmarshal(body, &probe) == nil && probe.Code != 0 {
			if apiErr := (&APIError{Code: probe.Code}); errors.Is(apiErr, ErrTransient) {
				return nil, fmt.Errorf("%s: %w", path, apiErr)
			}
		}
		return body, nil
	})
	switch {
	case err == nil:
		metrics.CrawlRequests.WithLabelValues("ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CrawlRequests.WithLabelValues("breaker_open").Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	case errors.Is(err, ErrAuth):
		metrics.CrawlRequests.WithLabelValues("auth").Inc()
	default:
		metrics.CrawlRequests.WithLabelValues("error").Inc()
	}
	return body, err
}

func (c *Client) get(ctx context.Context, path, rawQuery string) ([]byte, error) {
	u := c.base + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Referer", referer)
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	if resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode)
	}
	return body, nil
}
