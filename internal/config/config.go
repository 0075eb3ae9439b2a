package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"mathvid/internal/logging"
)

const defaultAdminSecret = "CHANGEME_STRONG_SECRET"

// EnvPrefix marks environment overrides: MATHVID_CRAWLER__COOKIE sets crawler.cookie.
const EnvPrefix = "MATHVID_"

type Config struct {
	ListenAddress    string         `koanf:"listen_address" yaml:"listen_address" validate:"required"`
	EnableTLS        bool           `koanf:"enable_tls" yaml:"enable_tls"`
	TLSCertPath      string         `koanf:"tls_cert_path" yaml:"tls_cert_path"`
	TLSKeyPath       string         `koanf:"tls_key_path" yaml:"tls_key_path"`
	AdminSecret      string         `koanf:"admin_secret" yaml:"admin_secret"`
	AdminBindCIDRs   []string       `koanf:"admin_bind_cidrs" yaml:"admin_bind_cidrs"`
	DatabasePath     string         `koanf:"database_path" yaml:"database_path" validate:"required"`
	DailyRunTime     string         `koanf:"daily_run_time" yaml:"daily_run_time" validate:"required"`
	HTTPReadTimeout  time.Duration  `koanf:"http_read_timeout" yaml:"http_read_timeout" validate:"gt=0"`
	HTTPWriteTimeout time.Duration  `koanf:"http_write_timeout" yaml:"http_write_timeout" validate:"gt=0"`
	HTTPIdleTimeout  time.Duration  `koanf:"http_idle_timeout" yaml:"http_idle_timeout" validate:"gt=0"`
	MaxBodyBytes     int64          `koanf:"max_body_bytes" yaml:"max_body_bytes" validate:"gt=0"`
	PublicRateLimit  int            `koanf:"public_rate_limit" yaml:"public_rate_limit" validate:"gte=0"`
	Log              logging.Config `koanf:"log" yaml:"log"`

	Crawler   CrawlerConfig   `koanf:"crawler" yaml:"crawler"`
	Enrich    EnrichConfig    `koanf:"enrich" yaml:"enrich"`
	Scorer    ScorerConfig    `koanf:"scorer" yaml:"scorer"`
	Recommend RecommendConfig `koanf:"recommend" yaml:"recommend"`
}

type CrawlerConfig struct {
	APIBaseURL            string        `koanf:"api_base_url" yaml:"api_base_url" validate:"required,url"`
	Cookie                string        `koanf:"cookie" yaml:"cookie"`
	Keywords              []string      `koanf:"keywords" yaml:"keywords" validate:"min=1,dive,required"`
	PagesPerKeyword       int           `koanf:"pages_per_keyword" yaml:"pages_per_keyword" validate:"min=1,max=50"`
	PageSize              int           `koanf:"page_size" yaml:"page_size" validate:"min=1,max=50"`
	MaxConcurrentKeywords int           `koanf:"max_concurrent_keywords" yaml:"max_concurrent_keywords" validate:"min=1,max=16"`
	RequestDelay          time.Duration `koanf:"request_delay" yaml:"request_delay" validate:"gte=0"`
	RequestTimeout        time.Duration `koanf:"request_timeout" yaml:"request_timeout" validate:"gt=0"`
	RetryAttempts         int           `koanf:"retry_attempts" yaml:"retry_attempts" validate:"min=1,max=10"`
	RetryBaseDelay        time.Duration `koanf:"retry_base_delay" yaml:"retry_base_delay" validate:"gte=0"`
	RetryMaxDelay         time.Duration `koanf:"retry_max_delay" yaml:"retry_max_delay" validate:"gte=0"`
	FetchDetail           bool          `koanf:"fetch_detail" yaml:"fetch_detail"`
	BreakerFailures       uint32        `koanf:"breaker_failures" yaml:"breaker_failures" validate:"min=1"`
	BreakerCooldown       time.Duration `koanf:"breaker_cooldown" yaml:"breaker_cooldown" validate:"gt=0"`
}

type EnrichConfig struct {
	Workers            int           `koanf:"workers" yaml:"workers" validate:"min=1,max=64"`
	StaleAfter         time.Duration `koanf:"stale_after" yaml:"stale_after" validate:"gte=0"`
	RecommendThreshold float64       `koanf:"recommend_threshold" yaml:"recommend_threshold" validate:"gte=0,lte=100"`
	RulesPath          string        `koanf:"rules_path" yaml:"rules_path"`
}

type ScorerConfig struct {
	Uploaders        map[string]float64 `koanf:"uploaders" yaml:"uploaders"`
	UploaderBaseline float64            `koanf:"uploader_baseline" yaml:"uploader_baseline" validate:"gte=0,lte=100"`
	UploaderNudge    float64            `koanf:"uploader_nudge" yaml:"uploader_nudge" validate:"gte=0,lte=50"`
}

type RecommendConfig struct {
	DefaultPageSize int `koanf:"default_page_size" yaml:"default_page_size" validate:"min=1"`
	MaxPageSize     int `koanf:"max_page_size" yaml:"max_page_size" validate:"min=1,gtefield=DefaultPageSize"`
}

func Default() Config {
	return Config{
		ListenAddress:    ":8080",
		AdminSecret:      defaultAdminSecret,
		AdminBindCIDRs:   []string{"127.0.0.1/32", "::1/128", "192.168.0.0/16", "10.0.0.0/8"},
		DatabasePath:     "mathvid.db",
		DailyRunTime:     "04:30",
		HTTPReadTimeout:  10 * time.Second,
		HTTPWriteTimeout: 20 * time.Second,
		HTTPIdleTimeout:  60 * time.Second,
		MaxBodyBytes:     1 << 20,
		PublicRateLimit:  120,
		Log:              logging.Config{Level: "info", Format: "json"},
		Crawler: CrawlerConfig{
			APIBaseURL:            "https://api.bilibili.com",
			Keywords:              defaultKeywords(),
			PagesPerKeyword:       5,
			PageSize:              20,
			MaxConcurrentKeywords: 2,
			RequestDelay:          2500 * time.Millisecond,
			RequestTimeout:        15 * time.Second,
			RetryAttempts:         3,
			RetryBaseDelay:        time.Second,
			RetryMaxDelay:         10 * time.Second,
			FetchDetail:           true,
			BreakerFailures:       8,
			BreakerCooldown:       2 * time.Minute,
		},
		Enrich: EnrichConfig{
			Workers:            4,
			StaleAfter:         7 * 24 * time.Hour,
			RecommendThreshold: 60,
		},
		Scorer: ScorerConfig{
			Uploaders:        defaultUploaders(),
			UploaderBaseline: 60,
			UploaderNudge:    10,
		},
		Recommend: RecommendConfig{
			DefaultPageSize: 8,
			MaxPageSize:     100,
		},
	}
}

func defaultKeywords() []string {
	return []string{
		"高等数学", "微积分", "极限", "导数", "定积分", "不定积分", "微分方程", "级数", "多元函数", "重积分",
		"线性代数", "行列式", "矩阵", "向量空间", "线性方程组", "特征值", "二次型",
		"概率论", "数理统计", "条件概率", "随机变量", "期望", "方差", "假设检验", "置信区间",
	}
}

func defaultUploaders() map[string]float64 {
	return map[string]float64{
		"宋浩老师官方":        95,
		"宋浩老师":          95,
		"张宇考研数学":        92,
		"汤家凤老师":         90,
		"武忠祥老师":         90,
		"武忠祥":           90,
		"李永乐老师":         88,
		"余丙森老师":         85,
		"3Blue1Brown":   98,
		"3Blue1Brown中国": 95,
		"妈咪说MommyTalk":  85,
	}
}

// LoadOrInit loads path, or writes a default file there and reports created=true.
func LoadOrInit(path string) (Config, bool, error) {
	path = filepath.Clean(path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := writeConfig(path, cfg); err != nil {
			return Config{}, false, err
		}
		return cfg, true, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return Config{}, false, err
	}
	return cfg, false, nil
}

// Load layers defaults, the YAML file at path (if non-empty) and MATHVID_* env vars.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func writeConfig(path string, cfg Config) error {
	b, err := yamlv3.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.EnableTLS && (c.TLSCertPath == "" || c.TLSKeyPath == "") {
		return errors.New("tls_cert_path and tls_key_path are required when enable_tls=true")
	}
	if _, _, err := ParseDailyTime(c.DailyRunTime); err != nil {
		return err
	}
	if c.Crawler.RetryMaxDelay > 0 && c.Crawler.RetryMaxDelay < c.Crawler.RetryBaseDelay {
		return errors.New("crawler.retry_max_delay must be >= crawler.retry_base_delay")
	}
	for name, score := range c.Scorer.Uploaders {
		if score < 0 || score > 100 {
			return fmt.Errorf("scorer.uploaders[%q] must be 0..100", name)
		}
	}
	return nil
}

// ValidateServe adds the checks that only matter when the HTTP API is started.
func (c Config) ValidateServe() error {
	if c.AdminSecret == "" || c.AdminSecret == defaultAdminSecret {
		return errors.New("admin_secret must be set to a non-default value")
	}
	return nil
}

// ParseDailyTime parses "HH:MM".
func ParseDailyTime(hhmm string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(hhmm), ":")
	if len(parts) != 2 {
		return 0, 0, errors.New("daily_run_time must be HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, errors.New("daily_run_time: invalid hour")
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, errors.New("daily_run_time: invalid minute")
	}
	return h, m, nil
}
