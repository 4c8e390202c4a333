// Package engine 定义核心对体渲染引擎的最小接口。
// 引擎本体（voxel 采样/合成）在浏览器端，属于外部系统；这里只建模核心
// 真正用到的那几个操作，并用显式接口替代“动态 any 句柄”。
package engine

import (
	"context"
	"fmt"

	"neuroview/internal/domain"
)

// SliceType 对应引擎的切面模式常量。
type SliceType string

const (
	SliceAxial       SliceType = "axial"
	SliceCoronal     SliceType = "coronal"
	SliceSagittal    SliceType = "sagittal"
	SliceMultiplanar SliceType = "multiplanar"
)

func ParseSliceType(s string) (SliceType, bool) {
	switch SliceType(s) {
	case SliceAxial, SliceCoronal, SliceSagittal, SliceMultiplanar:
		return SliceType(s), true
	default:
		return "", false
	}
}

// VolumeSpec 描述一次 volume 加载请求。
type VolumeSpec struct {
	URL      string
	Name     string
	Colormap string
	Opacity  float64
	IsLabel  bool
}

// Engine 是渲染引擎的最小接口。
//
// 约束（实现必须遵守）：
// - Reset 清空全部已加载 volume 并加载 base；失败时引擎必须保持原有
//   volume 列表不变（all-or-nothing，stack 的事务语义依赖这一点）
// - Add 追加一个 overlay；失败时不得扰动已有条目
// - 所有调用由 volume stack 串行化，实现不需要自己做并发控制
// - 句柄只在本引擎实例内有效；Reset 使全部旧句柄失效
type Engine interface {
	Reset(ctx context.Context, base VolumeSpec) (domain.VolumeHandle, error)
	Add(ctx context.Context, spec VolumeSpec) (domain.VolumeHandle, error)
	Remove(h domain.VolumeHandle) error
	SetOpacity(h domain.VolumeHandle, opacity float64) error
	SetSliceType(st SliceType) error
	Redraw()
	Close() error
}

// Error 表示引擎拒绝了一次操作（不支持的格式、损坏的头部、解码失败等）。
// 上层把它映射为 error_code=render_engine_failed。
type Error struct {
	Op   string // "reset" / "add" / "remove" / "opacity" / "slice_type"
	Name string // volume 名（有则填）
	Err  error
}

func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("渲染引擎 %s 失败（volume=%q）：%v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("渲染引擎 %s 失败：%v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
