// Package session 实现 viewer 会话：数据集加载编排、可见性/透明度控制，
// 以及加载状态机的唯一宿主。所有会话操作串行化；渲染引擎绝不会
// 观察到交错的变更。
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"neuroview/internal/dataset"
	"neuroview/internal/domain"
	"neuroview/internal/engine"
	"neuroview/internal/listing"
	"neuroview/internal/modality"
	"neuroview/internal/stack"
)

const (
	// DefaultMaskOpacity 是分割 mask 的初始“开”值（专用滑杆可调）。
	DefaultMaskOpacity = 0.5

	// 解剖 overlay 打开即完全不透明。
	overlayOnOpacity = 1.0

	baseColormap    = "gray"
	overlayColormap = "gray"
	// mask 用固定的类别色板：原系统的肿瘤 overlay 就是红色。
	maskColormap = "red"
)

// Options 是会话的初始参数。零值可用。
type Options struct {
	// MaskOpacity 覆盖 mask 的初始透明度；<=0 时取 DefaultMaskOpacity。
	MaskOpacity float64
	// Rules 叠加站点自定义模态词表；零值等于内置词表。
	Rules modality.Rules
	// SliceType 是每次数据集加载后应用的切面模式；空值交给引擎默认。
	SliceType engine.SliceType
}

// Toggle 是一次可见性切换请求。
type Toggle struct {
	Role    domain.ModalityRole
	Visible bool
}

// Session 持有渲染引擎句柄（显式传入、Close 时确定性释放），
// 是 presence/active 状态与 volume stack 的唯一写入方。
type Session struct {
	eng    engine.Engine
	stk    *stack.Stack
	lister listing.Lister
	rules  modality.Rules
	obs    Observer

	// gen 是单调递增的加载代号：任何完成信号只要代号过期就静默丢弃。
	gen atomic.Uint64

	inflightMu     sync.Mutex
	inflightCancel context.CancelFunc

	mu        sync.Mutex
	state     domain.Snapshot
	baseRole  domain.ModalityRole
	maskOn    float64
	sliceType engine.SliceType
	closed    bool
}

func New(eng engine.Engine, lister listing.Lister, opts Options, obs Observer) *Session {
	maskOn := opts.MaskOpacity
	if maskOn <= 0 {
		maskOn = DefaultMaskOpacity
	}
	if maskOn > 1 {
		maskOn = 1
	}
	s := &Session{
		eng:       eng,
		stk:       stack.New(eng),
		lister:    lister,
		rules:     opts.Rules,
		obs:       obs,
		maskOn:    maskOn,
		sliceType: opts.SliceType,
		state:     Initial(),
	}
	s.state.MaskOpacity = maskOn
	return s
}

// Open 加载一个数据集文件夹，整体替换 stack 与 presence/active 状态。
//
// 时序约束：
// - base 完全加载之后才发 mask/overlay 的加载请求（下标 0 必须稳定）
// - 在途加载被新的 Open 取代时，旧加载的完成信号全部按 stale 丢弃：
//   最终状态只反映最新一次选择，旧 Open 返回 nil（对用户不是错误）
// - 任何失败让 stack 保持先前状态（引擎契约），会话进入 error
func (s *Session) Open(ctx context.Context, folder string) error {
	gen := s.supersede()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("会话已关闭")
	}
	if s.stale(gen) {
		// 等锁期间又有新的选择：本次直接作废。
		return nil
	}

	lctx, cancel := context.WithCancel(ctx)
	s.setInflight(cancel)
	defer func() {
		cancel()
		s.setInflight(nil)
	}()

	s.apply(EvSelect{Dataset: folder, Generation: gen})

	started := time.Now()
	files, err := s.lister.List(lctx, folder)
	if err != nil {
		return s.failLocked(gen, domain.ErrCodeListingFailed, err)
	}
	s.phase("listing", map[string]any{"files": len(files)}, time.Since(started))

	plan, err := dataset.Build(files, s.rules)
	if err != nil {
		return s.failLocked(gen, domain.ErrCodeListingFailed, err)
	}
	total := 1 + len(plan.Overlays)
	if plan.HasMask {
		total++
	}
	s.phase("plan", map[string]any{
		"volumes":  total,
		"has_mask": plan.HasMask,
		"excluded": len(plan.Excluded),
	}, 0)

	t0 := time.Now()
	if _, err := s.stk.LoadBase(lctx, plan.Base, plan.BaseRole, baseColormap); err != nil {
		return s.failLocked(gen, domain.ErrCodeRenderEngineFailed, err)
	}
	s.volumeDone(1, total, plan.BaseRole, plan.Base.Name, time.Since(t0))
	s.apply(EvBaseLoaded{})

	idx := 1
	if plan.HasMask || len(plan.Overlays) > 0 {
		s.apply(EvOverlaysLoading{})
	}
	if plan.HasMask {
		t := time.Now()
		_, err := s.stk.AddOverlay(lctx, plan.Mask, domain.RoleSeg, stack.OverlayOptions{
			IsLabel:  true,
			Colormap: maskColormap,
			Opacity:  s.maskOn,
		})
		if err != nil {
			return s.failLocked(gen, domain.ErrCodeRenderEngineFailed, err)
		}
		idx++
		s.volumeDone(idx, total, domain.RoleSeg, plan.Mask.Name, time.Since(t))
	}
	for _, ov := range plan.Overlays {
		t := time.Now()
		_, err := s.stk.AddOverlay(lctx, ov.File, ov.Role, stack.OverlayOptions{
			Colormap: overlayColormap,
			Opacity:  0, // 初始隐藏，等显式 toggle
		})
		if err != nil {
			return s.failLocked(gen, domain.ErrCodeRenderEngineFailed, err)
		}
		idx++
		s.volumeDone(idx, total, ov.Role, ov.File.Name, time.Since(t))
	}

	active := domain.NewActiveMap()
	if plan.BaseRole.Known() {
		active[plan.BaseRole] = true
	}
	if plan.HasMask {
		active[domain.RoleSeg] = true
	}
	s.baseRole = plan.BaseRole
	s.apply(EvLoaded{Present: plan.Presence, Active: active, MaskOpacity: s.maskOn})
	if s.sliceType != "" {
		// Reset 会让引擎回到它自己的默认切面，配置的默认值每次加载后重申。
		if err := s.eng.SetSliceType(s.sliceType); err != nil {
			return s.failLocked(gen, domain.ErrCodeRenderEngineFailed, err)
		}
	}
	s.eng.Redraw()
	s.phase("load", map[string]any{"volumes": total}, time.Since(t0))
	return nil
}

// SetActive 切换某个角色的可见性，恰好触发一次重绘。
//
// base 角色只改透明度、绝不移除：隐藏状态下它仍要保持可寻址
// （十字线/坐标换算依赖 base）。overlay 角色按角色查找，
// “开”值：mask 用最近一次滑杆值，解剖 overlay 用 1.0。
func (s *Session) SetActive(role domain.ModalityRole, visible bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.toggleLocked(role, visible); err != nil {
		return err
	}
	s.eng.Redraw()
	return nil
}

// ApplyToggles 应用同一 UI tick 里的一批切换，整批只触发一次重绘
// （多余的重绘不是正确性问题，但会毁掉滑杆拖动的流畅度）。
func (s *Session) ApplyToggles(toggles []Toggle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	changed := false
	for _, t := range toggles {
		if err := s.toggleLocked(t.Role, t.Visible); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		changed = true
	}
	if changed {
		s.eng.Redraw()
	}
	return first
}

func (s *Session) toggleLocked(role domain.ModalityRole, visible bool) error {
	if s.state.Phase != domain.PhaseReady {
		return fmt.Errorf("会话未就绪（phase=%s），无法切换 %s", s.state.Phase, role)
	}
	if !role.Known() {
		return fmt.Errorf("未知角色：%q", role)
	}
	if !s.state.Present[role] {
		return fmt.Errorf("当前数据集没有 %s 文件", role)
	}

	var target float64
	if visible {
		switch {
		case role == s.baseRole:
			target = 1.0
		case role == domain.RoleSeg:
			target = s.maskOn
			if target <= 0 {
				// 滑杆拉到 0 之后再打开：回到默认值，而不是“开了但不可见”。
				target = DefaultMaskOpacity
			}
		default:
			target = overlayOnOpacity
		}
	}

	found, err := s.stk.SetOpacityByRole(role, target)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("角色 %s 不在当前 stack 中", role)
	}
	s.apply(EvToggle{Role: role, Visible: visible})
	return nil
}

// SetMaskOpacity 只更新分割 mask 的透明度，其他 volume 一概不动。
// 必须按角色定位 mask：overlay 多于一个之后加载顺序没有保证，
// 固定下标寻址是已知的 bug 温床。
func (s *Session) SetMaskOpacity(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase != domain.PhaseReady {
		return fmt.Errorf("会话未就绪（phase=%s）", s.state.Phase)
	}
	if !s.state.Present[domain.RoleSeg] {
		return fmt.Errorf("当前数据集没有分割 mask")
	}

	found, err := s.stk.SetOpacityByRole(domain.RoleSeg, v)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("分割 mask 不在当前 stack 中")
	}

	switch {
	case v < 0:
		s.maskOn = 0
	case v > 1:
		s.maskOn = 1
	default:
		s.maskOn = v
	}
	s.apply(EvMaskOpacity{Value: v})
	s.eng.Redraw()
	return nil
}

// SetSliceType 切换切面模式（axial/coronal/sagittal/multiplanar）。
func (s *Session) SetSliceType(st engine.SliceType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("会话已关闭")
	}
	if err := s.eng.SetSliceType(st); err != nil {
		return err
	}
	s.eng.Redraw()
	return nil
}

// Snapshot 返回当前状态的拷贝（UI 层消费的唯一结构）。
func (s *Session) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Volumes 返回当前 stack 的拷贝（调试/测试用）。
func (s *Session) Volumes() []domain.LoadedVolume {
	return s.stk.Volumes()
}

// Close 确定性释放渲染引擎资源。WebGL 上下文是唯一共享资源，
// 不释放会跨数据集切换泄漏。幂等。
func (s *Session) Close() error {
	s.supersede()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.apply(EvClear{})
	return s.eng.Close()
}

// supersede 把在途加载作废：先换代号，再取消其 context。
// 顺序是硬约束——先取消后换代会让被取消的加载误判自己仍是最新。
func (s *Session) supersede() uint64 {
	gen := s.gen.Add(1)
	s.inflightMu.Lock()
	if s.inflightCancel != nil {
		s.inflightCancel()
	}
	s.inflightMu.Unlock()
	return gen
}

func (s *Session) stale(gen uint64) bool {
	return gen != s.gen.Load()
}

func (s *Session) setInflight(cancel context.CancelFunc) {
	s.inflightMu.Lock()
	s.inflightCancel = cancel
	s.inflightMu.Unlock()
}

// failLocked 统一处理加载路径上的失败：stale 的失败静默丢弃。
func (s *Session) failLocked(gen uint64, code string, err error) error {
	if s.stale(gen) {
		// stale_operation：被取代的加载，不是错误，不改状态。
		return nil
	}
	s.apply(EvFail{Code: code, Msg: err.Error()})
	return err
}

func (s *Session) apply(ev Event) {
	s.state = Transition(s.state, ev)
	if s.obs != nil {
		s.obs.OnState(s.snapshotLocked())
	}
}

func (s *Session) snapshotLocked() domain.Snapshot {
	snap := s.state
	snap.Present = s.state.Present.Clone()
	snap.Active = s.state.Active.Clone()
	return snap
}

func (s *Session) phase(name string, fields map[string]any, dur time.Duration) {
	if s.obs != nil {
		s.obs.OnPhaseDone(name, fields, dur)
	}
}

func (s *Session) volumeDone(idx, total int, role domain.ModalityRole, name string, dur time.Duration) {
	if s.obs != nil {
		s.obs.OnVolumeDone(idx, total, role, name, dur)
	}
}
