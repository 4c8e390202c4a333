package listing

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"neuroview/internal/domain"
)

// Cached 用带 TTL 的 LRU 装饰一个 Lister：复查场景里同一病例会被反复打开，
// 列目录（尤其是对象存储的预签名）不值得每次都打出去。
//
// 约束：TTL 必须小于预签名 URL 的有效期，否则缓存会吐出已过期的 URL。
type Cached struct {
	inner Lister
	ttl   time.Duration
	cache *lru.Cache[string, cachedEntry]
}

type cachedEntry struct {
	files []domain.SourceFile
	at    time.Time
}

func NewCached(inner Lister, size int, ttl time.Duration) (*Cached, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner lister 不能为空")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl 必须为正：%v", ttl)
	}
	cache, err := lru.New[string, cachedEntry](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, ttl: ttl, cache: cache}, nil
}

func (c *Cached) Name() string { return c.inner.Name() }

// List 命中且未过期时返回缓存结果的拷贝；错误不缓存。
func (c *Cached) List(ctx context.Context, folder string) ([]domain.SourceFile, error) {
	if e, ok := c.cache.Get(folder); ok && time.Since(e.at) < c.ttl {
		out := make([]domain.SourceFile, len(e.files))
		copy(out, e.files)
		return out, nil
	}

	files, err := c.inner.List(ctx, folder)
	if err != nil {
		return nil, err
	}
	stored := make([]domain.SourceFile, len(files))
	copy(stored, files)
	c.cache.Add(folder, cachedEntry{files: stored, at: time.Now()})
	return files, nil
}

// Invalidate 主动失效一个文件夹的缓存（归档端内容变更时用）。
func (c *Cached) Invalidate(folder string) {
	c.cache.Remove(folder)
}
