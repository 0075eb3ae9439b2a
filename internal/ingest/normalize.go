package ingest

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mathvid/internal/bili"
	"mathvid/internal/model"
)

// ErrMalformed marks a search entry that cannot become a Video.
var ErrMalformed = errors.New("malformed entry")

const videoURLPrefix = "https://www.bilibili.com/video/"

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// normalizeItem maps one search entry onto the Video schema.
func normalizeItem(item bili.SearchItem, keyword string, crawledAt time.Time) (model.Video, error) {
	id := strings.TrimSpace(item.BVID)
	if id == "" {
		return model.Video{}, fmt.Errorf("%w: missing bvid", ErrMalformed)
	}
	published := parseTimestamp(item.PubDate)
	if published.IsZero() {
		return model.Video{}, fmt.Errorf("%w: %s: missing publish time", ErrMalformed, id)
	}
	aid, _ := item.AID.Int64()
	mid, _ := item.Mid.Int64()
	return model.Video{
		ID:            id,
		AID:           aid,
		URL:           videoURLPrefix + id,
		Title:         cleanHTML(item.Title),
		UploaderName:  strings.TrimSpace(item.Author),
		UploaderID:    mid,
		CoverURL:      normalizeCover(item.Pic),
		Tags:          splitTags(item.Tag),
		Description:   cleanHTML(item.Description),
		Duration:      parseDuration(item.Duration.String()),
		PublishTime:   published,
		ViewCount:     parseCount(item.Play.String()),
		FavoriteCount: parseCount(item.Favorites.String()),
		LikeCount:     parseCount(item.Like.String()),
		DanmakuCount:  parseCount(item.Danmaku.String()),
		ReplyCount:    parseCount(item.Review.String()),
		SourceKeyword: keyword,
		CrawledAt:     crawledAt,
	}, nil
}

// applyDetail overlays the view payload. Descriptive fields it leaves empty
// keep the search values; counters are always replaced, even when lower.
func applyDetail(v *model.Video, d bili.Detail) {
	if d.AID > 0 {
		v.AID = d.AID
	}
	if t := cleanHTML(d.Title); t != "" {
		v.Title = t
	}
	if desc := strings.TrimSpace(d.Desc); desc != "" {
		v.Description = desc
	}
	if d.Owner.Name != "" {
		v.UploaderName = strings.TrimSpace(d.Owner.Name)
	}
	if d.Owner.Mid > 0 {
		v.UploaderID = d.Owner.Mid
	}
	if c := normalizeCover(d.Pic); c != "" {
		v.CoverURL = c
	}
	if d.Duration > 0 {
		v.Duration = d.Duration
	}
	if d.PubDate > 0 {
		v.PublishTime = unixAuto(d.PubDate)
	}
	v.ViewCount = d.Stat.View
	v.FavoriteCount = d.Stat.Favorite
	v.LikeCount = d.Stat.Like
	v.CoinCount = d.Stat.Coin
	v.ShareCount = d.Stat.Share
	v.DanmakuCount = d.Stat.Danmaku
	v.ReplyCount = d.Stat.Reply
}

// applyTags replaces the search tags with the video's own tag list when it
// has one.
func applyTags(v *model.Video, tags []bili.Tag) {
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.TagName)
	}
	if merged := splitTags(strings.Join(names, ",")); len(merged) > 0 {
		v.Tags = merged
	}
}

// parseCount understands plain integers, "1,234", "1.2万", "3亿" and "-".
func parseCount(raw string) int64 {
	s := strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	if s == "" || strings.Trim(s, "-") == "" {
		return 0
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "万"):
		mult, s = 1e4, strings.TrimSuffix(s, "万")
	case strings.HasSuffix(s, "亿"):
		mult, s = 1e8, strings.TrimSuffix(s, "亿")
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return int64(f*mult + 0.5)
}

// parseDuration accepts seconds, "mm:ss" or "h:mm:ss".
func parseDuration(raw string) int {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return max(n, 0)
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}

func parseTimestamp(f bili.Flex) time.Time {
	n, ok := f.Int64()
	if !ok || n <= 0 {
		return time.Time{}
	}
	return unixAuto(n)
}

// unixAuto reads n as milliseconds when it is too large for seconds.
func unixAuto(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func cleanHTML(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagPattern.ReplaceAllString(s, "")))
}

func splitTags(raw string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func normalizeCover(raw string) string {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return ""
	case strings.HasPrefix(s, "//"):
		return "https:" + s
	case strings.HasPrefix(s, "http://"):
		return "https://" + strings.TrimPrefix(s, "http://")
	}
	return s
}
