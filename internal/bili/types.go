package bili

import (
	"bytes"
	"strconv"

	"github.com/goccy/go-json"
)

// Flex holds a scalar the API sends either as a number or as a string
// ("1.2万", "-", "12:34"). Parsing is left to the caller.
type Flex string

func (f *Flex) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Flex(s)
		return nil
	}
	*f = Flex(b)
	return nil
}

func (f Flex) String() string { return string(f) }

// Int64 returns the value when it is a plain integer.
func (f Flex) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(string(f), 64)
		if ferr != nil {
			return 0, false
		}
		return int64(fl), true
	}
	return n, true
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// SearchItem is one entry of a video search page, as sent.
type SearchItem struct {
	Type        string `json:"type"`
	BVID        string `json:"bvid"`
	AID         Flex   `json:"aid"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Mid         Flex   `json:"mid"`
	Pic         string `json:"pic"`
	ArcURL      string `json:"arcurl"`
	Description string `json:"description"`
	Tag         string `json:"tag"`
	Play        Flex   `json:"play"`
	Favorites   Flex   `json:"favorites"`
	Like        Flex   `json:"like"`
	Danmaku     Flex   `json:"video_review"`
	Review      Flex   `json:"review"`
	Duration    Flex   `json:"duration"`
	PubDate     Flex   `json:"pubdate"`
}

type SearchPage struct {
	Page     int          `json:"page"`
	PageSize int          `json:"pagesize"`
	NumPages int          `json:"numPages"`
	Total    int          `json:"numResults"`
	Items    []SearchItem `json:"result"`
}

type Owner struct {
	Mid  int64  `json:"mid"`
	Name string `json:"name"`
	Face string `json:"face"`
}

type Stat struct {
	View     int64 `json:"view"`
	Danmaku  int64 `json:"danmaku"`
	Reply    int64 `json:"reply"`
	Favorite int64 `json:"favorite"`
	Coin     int64 `json:"coin"`
	Share    int64 `json:"share"`
	Like     int64 `json:"like"`
}

// Detail is the subset of the video view payload the crawler uses.
type Detail struct {
	BVID     string `json:"bvid"`
	AID      int64  `json:"aid"`
	Title    string `json:"title"`
	Desc     string `json:"desc"`
	Pic      string `json:"pic"`
	PubDate  int64  `json:"pubdate"`
	Duration int    `json:"duration"`
	Owner    Owner  `json:"owner"`
	Stat     Stat   `json:"stat"`
}

type Tag struct {
	TagID   int64  `json:"tag_id"`
	TagName string `json:"tag_name"`
}

type navData struct {
	WbiImg struct {
		ImgURL string `json:"img_url"`
		SubURL string `json:"sub_url"`
	} `json:"wbi_img"`
}
