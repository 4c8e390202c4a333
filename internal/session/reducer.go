package session

import "neuroview/internal/domain"

// 状态机用单一的 (state, event) -> state 转移函数表达，而不是在各调用点
// 命令式地改全局 map：每条转移都可以独立测试。
//
// 转移函数是全函数：非法组合原样返回输入状态（调用方负责在入口校验并报错，
// reducer 自己从不 panic、从不产生半新半旧的状态）。
type Event interface{ isEvent() }

type (
	// EvSelect：用户选择了一个新数据集，回到加载路径起点。
	EvSelect struct {
		Dataset    string
		Generation uint64
	}

	// EvBaseLoaded：base volume 加载完成（stack 下标 0 已稳定）。
	EvBaseLoaded struct{}

	// EvOverlaysLoading：开始加载 mask/overlay。
	EvOverlaysLoading struct{}

	// EvLoaded：整个数据集加载完成，进入 ready。
	EvLoaded struct {
		Present     domain.PresenceMap
		Active      domain.ActiveMap
		MaskOpacity float64
	}

	// EvToggle：切换某个角色的可见性（仅 ready 下有效）。
	EvToggle struct {
		Role    domain.ModalityRole
		Visible bool
	}

	// EvMaskOpacity：mask 专用滑杆（仅 ready 下有效，只动 mask）。
	EvMaskOpacity struct{ Value float64 }

	// EvFail：加载失败。只有重新选择数据集能离开 error。
	EvFail struct{ Code, Msg string }

	// EvClear：会话销毁，回到 empty。
	EvClear struct{}
)

func (EvSelect) isEvent()          {}
func (EvBaseLoaded) isEvent()      {}
func (EvOverlaysLoading) isEvent() {}
func (EvLoaded) isEvent()          {}
func (EvToggle) isEvent()          {}
func (EvMaskOpacity) isEvent()     {}
func (EvFail) isEvent()            {}
func (EvClear) isEvent()           {}

// Initial 返回 empty 状态。
func Initial() domain.Snapshot {
	return domain.Snapshot{
		Phase:   domain.PhaseEmpty,
		Present: domain.NewPresenceMap(),
		Active:  domain.NewActiveMap(),
	}
}

func loading(p domain.Phase) bool {
	return p == domain.PhaseLoadingBase || p == domain.PhaseBaseReady || p == domain.PhaseLoadingOverlays
}

// Transition 是唯一的状态转移入口。输入状态不被修改（map 会被克隆）。
func Transition(s domain.Snapshot, ev Event) domain.Snapshot {
	switch e := ev.(type) {
	case EvSelect:
		// 任何阶段都允许重新选择（error 的唯一恢复路径）。
		next := Initial()
		next.Dataset = e.Dataset
		next.Phase = domain.PhaseLoadingBase
		next.Generation = e.Generation
		next.MaskOpacity = s.MaskOpacity
		return next

	case EvBaseLoaded:
		if s.Phase != domain.PhaseLoadingBase {
			return s
		}
		s.Phase = domain.PhaseBaseReady
		return s

	case EvOverlaysLoading:
		if s.Phase != domain.PhaseBaseReady {
			return s
		}
		s.Phase = domain.PhaseLoadingOverlays
		return s

	case EvLoaded:
		if !loading(s.Phase) {
			return s
		}
		s.Phase = domain.PhaseReady
		s.Present = e.Present.Clone()
		s.Active = e.Active.Clone()
		s.MaskOpacity = e.MaskOpacity
		s.ErrorCode = ""
		s.ErrorMsg = ""
		return s

	case EvToggle:
		// ready 可重入：toggle 不离开 ready。
		if s.Phase != domain.PhaseReady || !s.Present[e.Role] {
			return s
		}
		s.Active = s.Active.Clone()
		s.Active[e.Role] = e.Visible
		return s

	case EvMaskOpacity:
		if s.Phase != domain.PhaseReady || !s.Present[domain.RoleSeg] {
			return s
		}
		v := e.Value
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		s.MaskOpacity = v
		return s

	case EvFail:
		if !loading(s.Phase) {
			return s
		}
		s.Phase = domain.PhaseError
		s.ErrorCode = e.Code
		s.ErrorMsg = e.Msg
		return s

	case EvClear:
		next := Initial()
		next.Generation = s.Generation
		return next

	default:
		return s
	}
}
