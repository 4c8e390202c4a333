// Package config 负责 neuroview.json 的发现、解析与 CLI 合并。
// 实现层只消费 EffectiveConfig，不再做二次默认/优先级判断。
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"neuroview/internal/domain"
	"neuroview/internal/engine"
)

const (
	// DefaultListen 是 serve 的默认监听地址（只绑回环；对外暴露是反代的事）。
	DefaultListen = "127.0.0.1:8080"
	// DefaultLister 是 listing 后端的最终默认值。
	DefaultLister = "local"
	// DefaultMaskOpacity 是分割 mask 的默认透明度。
	DefaultMaskOpacity = 0.5
	// DefaultDataURL 是本地归档静态文件服务的路径前缀。
	// 相对 URL：浏览器会相对页面 origin 解析，反代场景不需要改配置。
	DefaultDataURL = "/data"

	DefaultCacheSize = 64
	DefaultCacheTTL  = 30 * time.Minute
)

// 对象存储凭证优先从环境变量读（.env 由 cmd 层用 godotenv 装载）。
const (
	EnvS3AccessKey = "NEUROVIEW_S3_ACCESS_KEY"
	EnvS3SecretKey = "NEUROVIEW_S3_SECRET_KEY"
)

// CLIArgs 只包含 CLI 暴露的入口，并保留“是否显式指定”的信息，
// 保证覆盖优先级可实现（例如 --lister=local 必须能覆盖 config.lister）。
type CLIArgs struct {
	ConfigPath string

	Listen    string
	ListenSet bool

	Lister    string
	ListerSet bool

	Root    string
	RootSet bool
}

// FileConfig 对应 neuroview.json 的解析结构。
type FileConfig struct {
	Lister      string        `json:"lister"`
	Root        string        `json:"root"`
	DataURL     string        `json:"data_url"`
	IndexURL    string        `json:"index_url"`
	Bucket      *BucketConfig `json:"bucket"`
	Listen      string        `json:"listen"`
	MaskOpacity *float64      `json:"mask_opacity"`
	SliceType   string        `json:"slice_type"`
	Cache       *CacheConfig  `json:"cache"`
	Rules       string        `json:"rules"`
	CacheDir    string        `json:"cache_dir"`
	ReadOnly    bool          `json:"read_only"`
	Proxy       *ProxyConfig  `json:"proxy"`
}

type BucketConfig struct {
	Endpoint        string `json:"endpoint"`
	AccessKey       string `json:"access_key"`
	SecretKey       string `json:"secret_key"`
	UseSSL          bool   `json:"use_ssl"`
	Bucket          string `json:"bucket"`
	PresignTTLHours int    `json:"presign_ttl_hours"`
}

type CacheConfig struct {
	Size       int `json:"size"`
	TTLMinutes int `json:"ttl_minutes"`
}

type ProxyConfig struct {
	URL string `json:"url"`
}

// EffectiveBucket 是合并后的对象存储参数。
type EffectiveBucket struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Bucket     string
	PresignTTL time.Duration
}

// EffectiveConfig 是合并并做最小规范化后的最终配置。
type EffectiveConfig struct {
	Lister string

	// Root 是本地归档根（lister=local 时必填，绝对路径）。
	Root    string
	DataURL string

	// IndexURL 是 autoindex 归档根（lister=httpindex 时必填）。
	IndexURL string

	Bucket EffectiveBucket

	Listen      string
	MaskOpacity float64

	// SliceType 是新会话的默认切面模式；空值交给引擎默认。
	SliceType engine.SliceType

	CacheSize int
	CacheTTL  time.Duration

	// RulesPath 是站点模态词表（YAML，可选，绝对路径）。
	RulesPath string

	// CacheDir 是复查记录等本地数据的根目录（绝对路径，可为空）。
	CacheDir string
	// ReadOnly 禁止写入复查记录（演示/会诊场景）。
	ReadOnly bool

	ProxyURL string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case domain.ErrCodeConfigNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case domain.ErrCodeConfigMissingRoot:
		return fmt.Sprintf("%s：lister=local 需要 root（配置文件 %q 或 --root）", e.Code, e.Path)
	case domain.ErrCodeConfigInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并。
//
// 发现规则（固定）：
// 1) --config 指定：该文件必须存在
// 2) 未指定：读 <cwd>/neuroview.json，不存在不报错（--root 可以独立支撑 local 模式）
//
// 覆盖优先级（固定）：listen/lister/root 按 CLI > config > 默认；
// 其他字段仅由 config 控制（CLI 不暴露）。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: domain.ErrCodeConfigInvalid, Path: cwd, Err: err}
	}

	var (
		cfgPath string
		fc      FileConfig
	)
	if strings.TrimSpace(cli.ConfigPath) != "" {
		cfgPath = absCleanFrom(cwdAbs, cli.ConfigPath)
		exists := false
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: domain.ErrCodeConfigInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: domain.ErrCodeConfigNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else {
		cfgPath = filepath.Join(cwdAbs, "neuroview.json")
		fc, _, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: domain.ErrCodeConfigInvalid, Path: cfgPath, Err: err}
		}
	}

	return merge(cwdAbs, cli, fc, cfgPath)
}

func merge(cwdAbs string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	invalid := func(err error) (EffectiveConfig, error) {
		return EffectiveConfig{}, &Error{Code: domain.ErrCodeConfigInvalid, Path: cfgPath, Err: err}
	}

	lister := DefaultLister
	if cli.ListerSet {
		lister = cli.Lister
	} else if strings.TrimSpace(fc.Lister) != "" {
		lister = fc.Lister
	}
	switch lister {
	case "local", "httpindex", "bucket":
	default:
		return invalid(fmt.Errorf("lister 只能是 local/httpindex/bucket，实际是 %q", lister))
	}

	listen := DefaultListen
	if cli.ListenSet {
		listen = cli.Listen
	} else if strings.TrimSpace(fc.Listen) != "" {
		listen = fc.Listen
	}

	root := ""
	if cli.RootSet {
		root = cli.Root
	} else {
		root = fc.Root
	}
	if strings.TrimSpace(root) != "" {
		root = absCleanFrom(cwdAbs, root)
	} else {
		root = ""
	}
	if lister == "local" && root == "" {
		return EffectiveConfig{}, &Error{Code: domain.ErrCodeConfigMissingRoot, Path: cfgPath}
	}

	dataURL := strings.TrimSpace(fc.DataURL)
	if dataURL == "" {
		dataURL = DefaultDataURL
	}

	indexURL := strings.TrimSpace(fc.IndexURL)
	if lister == "httpindex" {
		u, err := url.Parse(indexURL)
		if err != nil || u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return invalid(fmt.Errorf("lister=httpindex 需要合法的 index_url，实际是 %q", indexURL))
		}
	}

	var bucket EffectiveBucket
	if fc.Bucket != nil {
		ttl := time.Duration(fc.Bucket.PresignTTLHours) * time.Hour
		if fc.Bucket.PresignTTLHours < 0 {
			return invalid(fmt.Errorf("bucket.presign_ttl_hours 不能为负"))
		}
		bucket = EffectiveBucket{
			Endpoint:   strings.TrimSpace(fc.Bucket.Endpoint),
			AccessKey:  fc.Bucket.AccessKey,
			SecretKey:  fc.Bucket.SecretKey,
			UseSSL:     fc.Bucket.UseSSL,
			Bucket:     strings.TrimSpace(fc.Bucket.Bucket),
			PresignTTL: ttl,
		}
	}
	// 凭证以环境变量优先：配置文件进版本库，密钥不进。
	if v := os.Getenv(EnvS3AccessKey); v != "" {
		bucket.AccessKey = v
	}
	if v := os.Getenv(EnvS3SecretKey); v != "" {
		bucket.SecretKey = v
	}
	if lister == "bucket" && (bucket.Endpoint == "" || bucket.Bucket == "") {
		return invalid(fmt.Errorf("lister=bucket 需要 bucket.endpoint 与 bucket.bucket"))
	}

	maskOpacity := DefaultMaskOpacity
	if fc.MaskOpacity != nil {
		maskOpacity = *fc.MaskOpacity
		if maskOpacity <= 0 || maskOpacity > 1 {
			return invalid(fmt.Errorf("mask_opacity 必须在 (0, 1]，实际是 %v", maskOpacity))
		}
	}

	var sliceType engine.SliceType
	if st := strings.TrimSpace(fc.SliceType); st != "" {
		parsed, ok := engine.ParseSliceType(st)
		if !ok {
			return invalid(fmt.Errorf("slice_type 只能是 axial/coronal/sagittal/multiplanar，实际是 %q", st))
		}
		sliceType = parsed
	}

	cacheSize := DefaultCacheSize
	cacheTTL := DefaultCacheTTL
	if fc.Cache != nil {
		if fc.Cache.Size < 0 || fc.Cache.TTLMinutes < 0 {
			return invalid(fmt.Errorf("cache.size / cache.ttl_minutes 不能为负"))
		}
		if fc.Cache.Size > 0 {
			cacheSize = fc.Cache.Size
		}
		if fc.Cache.TTLMinutes > 0 {
			cacheTTL = time.Duration(fc.Cache.TTLMinutes) * time.Minute
		}
	}

	rulesPath := strings.TrimSpace(fc.Rules)
	if rulesPath != "" {
		rulesPath = absCleanFrom(cwdAbs, rulesPath)
	}

	cacheDir := strings.TrimSpace(fc.CacheDir)
	if cacheDir != "" {
		cacheDir = absCleanFrom(cwdAbs, cacheDir)
	}

	proxyURL := ""
	if fc.Proxy != nil {
		proxyURL = strings.TrimSpace(fc.Proxy.URL)
	}
	if proxyURL != "" {
		if _, err := url.Parse(proxyURL); err != nil {
			return invalid(fmt.Errorf("proxy.url 无效：%w", err))
		}
	}

	return EffectiveConfig{
		Lister:      lister,
		Root:        root,
		DataURL:     dataURL,
		IndexURL:    indexURL,
		Bucket:      bucket,
		Listen:      listen,
		MaskOpacity: maskOpacity,
		SliceType:   sliceType,
		CacheSize:   cacheSize,
		CacheTTL:    cacheTTL,
		RulesPath:   rulesPath,
		CacheDir:    cacheDir,
		ReadOnly:    fc.ReadOnly,
		ProxyURL:    proxyURL,
	}, nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 JSON 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
