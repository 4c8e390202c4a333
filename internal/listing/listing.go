// Package listing 把“归档在哪里、怎么列目录”限制在本包内部；
// 核心流程只依赖统一接口与稳定的 SourceFile 列表。
package listing

import (
	"context"
	"fmt"
	"strings"

	"neuroview/internal/domain"
)

// Lister 列出一个病例文件夹下的候选 NIfTI 文件。
//
// 约束：
// - 只返回 .nii / .nii.gz 文件，且输出顺序稳定（base/mask 选择策略依赖输入顺序）
// - URL 必须能被渲染引擎直接加载（本地文件由 data base URL 映射，对象存储用预签名）
// - 不做缓存、不做重试（缓存见 Cached，重试由 httpx 层统一实现）
type Lister interface {
	Name() string
	List(ctx context.Context, folder string) ([]domain.SourceFile, error)
}

// FolderLister 额外支持枚举归档里可用的病例文件夹（UI 的数据集下拉框用）。
type FolderLister interface {
	Lister
	Folders(ctx context.Context) ([]string, error)
}

// Error 是 listing 阶段的可追溯错误。上层映射为 error_code=listing_failed。
type Error struct {
	Lister string
	Folder string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s 列目录失败（folder=%q）：%v", e.Lister, e.Folder, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Registry 是 lister 的只读注册表（按 name 索引）。
// lister 数量极小，map 查找保持简单即可。
type Registry struct {
	byName map[string]Lister
}

func NewRegistry(listers ...Lister) (Registry, error) {
	byName := make(map[string]Lister, len(listers))
	for _, l := range listers {
		if l == nil {
			return Registry{}, fmt.Errorf("lister 不能为空")
		}
		name := strings.ToLower(strings.TrimSpace(l.Name()))
		if name == "" {
			return Registry{}, fmt.Errorf("lister.Name 不能为空")
		}
		if _, ok := byName[name]; ok {
			return Registry{}, fmt.Errorf("重复的 lister：%q", name)
		}
		byName[name] = l
	}
	return Registry{byName: byName}, nil
}

func (r Registry) Get(name string) (Lister, bool) {
	if r.byName == nil {
		return nil, false
	}
	name = strings.ToLower(strings.TrimSpace(name))
	l, ok := r.byName[name]
	return l, ok
}

// IsNIfTI 判断文件名是否是本系统关心的 NIfTI 文件。
func IsNIfTI(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}
