// Package stack 独占持有当前渲染中的有序 volume 集合。
// 引擎原生对象只通过句柄间接引用，任何其他包都拿不到别名。
package stack

import (
	"context"
	"fmt"
	"sync"

	"neuroview/internal/domain"
	"neuroview/internal/engine"
)

// Stack 的不变量：
// - 至多一个 IsBase=true 的条目，且它必须位于下标 0
// - 至多一个 IsLabelOverlay=true 的条目
// - 所有修改操作串行化：互斥锁把并发请求排队，引擎绝不会在一次变更
//   进行到一半时观察到另一次变更
type Stack struct {
	mu      sync.Mutex
	eng     engine.Engine
	volumes []domain.LoadedVolume
}

func New(eng engine.Engine) *Stack {
	return &Stack{eng: eng}
}

// OverlayOptions 是 AddOverlay 的加载参数。
type OverlayOptions struct {
	IsLabel  bool
	Colormap string
	Opacity  float64
}

// LoadBase 清空全部现有 volume 并加载新的 base。
//
// 事务语义：引擎契约保证 Reset 是 all-or-nothing，所以失败时这里的
// 簿记也保持先前状态——上层看不到“半换了的 stack”。
func (s *Stack) LoadBase(ctx context.Context, file domain.SourceFile, role domain.ModalityRole, colormap string) (domain.LoadedVolume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec := engine.VolumeSpec{
		URL:      file.URL,
		Name:     file.Name,
		Colormap: colormap,
		Opacity:  1.0,
	}
	h, err := s.eng.Reset(ctx, spec)
	if err != nil {
		return domain.LoadedVolume{}, err
	}

	v := domain.LoadedVolume{
		Handle:  h,
		Name:    file.Name,
		Role:    role,
		IsBase:  true,
		Opacity: 1.0,
	}
	s.volumes = []domain.LoadedVolume{v}
	return v, nil
}

// AddOverlay 在 stack 末尾追加一个 overlay。
// 失败时不扰动现有条目（引擎契约 + 簿记只在成功后追加）。
func (s *Stack) AddOverlay(ctx context.Context, file domain.SourceFile, role domain.ModalityRole, opts OverlayOptions) (domain.LoadedVolume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 不变量检查先于引擎调用：非法请求绝不发给引擎。
	if len(s.volumes) == 0 || !s.volumes[0].IsBase {
		return domain.LoadedVolume{}, fmt.Errorf("overlay 必须在 base 之后加载")
	}
	if opts.IsLabel {
		for i := range s.volumes {
			if s.volumes[i].IsLabelOverlay {
				return domain.LoadedVolume{}, fmt.Errorf("已存在 label overlay（%q）：mask 不允许有两个", s.volumes[i].Name)
			}
		}
	}

	opacity := clamp01(opts.Opacity)
	h, err := s.eng.Add(ctx, engine.VolumeSpec{
		URL:      file.URL,
		Name:     file.Name,
		Colormap: opts.Colormap,
		Opacity:  opacity,
		IsLabel:  opts.IsLabel,
	})
	if err != nil {
		return domain.LoadedVolume{}, err
	}

	v := domain.LoadedVolume{
		Handle:         h,
		Name:           file.Name,
		Role:           role,
		Opacity:        opacity,
		IsLabelOverlay: opts.IsLabel,
	}
	s.volumes = append(s.volumes, v)
	return v, nil
}

// RemoveOverlaysFrom 移除下标 >= idx 的全部条目；base（下标 0）永远保留。
func (s *Stack) RemoveOverlaysFrom(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx < 1 {
		return fmt.Errorf("非法下标 %d：base 不允许用 RemoveOverlaysFrom 移除", idx)
	}
	if idx >= len(s.volumes) {
		return nil
	}
	// 倒序移除，引擎端任何时刻看到的都是一个合法前缀。
	for i := len(s.volumes) - 1; i >= idx; i-- {
		if err := s.eng.Remove(s.volumes[i].Handle); err != nil {
			s.volumes = s.volumes[:i+1]
			return err
		}
	}
	s.volumes = s.volumes[:idx]
	return nil
}

// SetOpacityByRole 按角色定位 volume 并设置透明度（越界值截断，不报错）。
// 按角色而不是固定下标寻址：一旦 overlay 数量多于一个，加载顺序没有保证。
func (s *Stack) SetOpacityByRole(role domain.ModalityRole, opacity float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.volumes {
		if s.volumes[i].Role != role {
			continue
		}
		return true, s.setOpacityLocked(i, opacity)
	}
	return false, nil
}

// SetOpacityAt 按下标设置透明度（越界值截断）。幂等。
func (s *Stack) SetOpacityAt(idx int, opacity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx < 0 || idx >= len(s.volumes) {
		return fmt.Errorf("非法下标 %d（当前 %d 个 volume）", idx, len(s.volumes))
	}
	return s.setOpacityLocked(idx, opacity)
}

func (s *Stack) setOpacityLocked(idx int, opacity float64) error {
	opacity = clamp01(opacity)
	if s.volumes[idx].Opacity == opacity {
		// 幂等：不重发引擎命令。
		return nil
	}
	if err := s.eng.SetOpacity(s.volumes[idx].Handle, opacity); err != nil {
		return err
	}
	s.volumes[idx].Opacity = opacity
	return nil
}

// Volumes 返回当前集合的拷贝（按渲染顺序，base 在 0）。
func (s *Stack) Volumes() []domain.LoadedVolume {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LoadedVolume, len(s.volumes))
	copy(out, s.volumes)
	return out
}

// Base 返回当前 base（若有）。
func (s *Stack) Base() (domain.LoadedVolume, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.volumes) == 0 || !s.volumes[0].IsBase {
		return domain.LoadedVolume{}, false
	}
	return s.volumes[0], true
}

// FindRole 按角色查找（第一个命中）。
func (s *Stack) FindRole(role domain.ModalityRole) (domain.LoadedVolume, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.volumes {
		if s.volumes[i].Role == role {
			return s.volumes[i], true
		}
	}
	return domain.LoadedVolume{}, false
}

// Len 返回当前 volume 数。
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.volumes)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
