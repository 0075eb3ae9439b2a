package bili

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// mixinKeyTable is the fixed permutation applied to img_key+sub_key.
var mixinKeyTable = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 30, 4,
	22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11, 36, 20, 34, 44, 52,
}

const wbiKeyTTL = 6 * time.Hour

func mixinKey(imgKey, subKey string) string {
	raw := imgKey + subKey
	var b strings.Builder
	for _, i := range mixinKeyTable {
		if i < len(raw) {
			b.WriteByte(raw[i])
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

// keyFromURL extracts "abc" from ".../bfs/wbi/abc.png".
func keyFromURL(u string) string {
	base := path.Base(strings.TrimSpace(u))
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if base == "." || base == "/" {
		return ""
	}
	return base
}

var wbiStrip = strings.NewReplacer("!", "", "'", "", "(", "", ")", "", "*", "")

// signWBI returns the encoded query with wts and w_rid appended.
func signWBI(params url.Values, mixin string, now time.Time) string {
	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, wbiStrip.Replace(v))
		}
	}
	signed.Set("wts", strconv.FormatInt(now.Unix(), 10))

	keys := make([]string, 0, len(signed))
	for k := range signed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range signed[k] {
			parts = append(parts, queryEscape(k)+"="+queryEscape(v))
		}
	}
	query := strings.Join(parts, "&")
	sum := md5.Sum([]byte(query + mixin))
	return query + "&w_rid=" + hex.EncodeToString(sum[:])
}

// queryEscape matches the RFC 3986 encoding the signature is computed over
// (space as %20, not +).
func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

type wbiKeys struct {
	mu      sync.Mutex
	mixin   string
	fetched time.Time
}

func (k *wbiKeys) get(now time.Time) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.mixin == "" || now.Sub(k.fetched) > wbiKeyTTL {
		return "", false
	}
	return k.mixin, true
}

func (k *wbiKeys) set(mixin string, now time.Time) {
	k.mu.Lock()
	k.mixin = mixin
	k.fetched = now
	k.mu.Unlock()
}

func (k *wbiKeys) reset() {
	k.mu.Lock()
	k.mixin = ""
	k.mu.Unlock()
}
