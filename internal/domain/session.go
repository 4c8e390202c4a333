package domain

// Phase 是 viewer 会话状态机的阶段。
//
// 转移路径（每个数据集会话）：
//
//	empty → loading_base → base_ready → loading_overlays → ready
//
// ready 可重入：toggle/调透明度不离开 ready；选择新文件夹回到 empty 重走一遍。
// 任何加载失败进入 error，只有重新选择数据集才能恢复（不支持单层重试）。
type Phase string

const (
	PhaseEmpty           Phase = "empty"
	PhaseLoadingBase     Phase = "loading_base"
	PhaseBaseReady       Phase = "base_ready"
	PhaseLoadingOverlays Phase = "loading_overlays"
	PhaseReady           Phase = "ready"
	PhaseError           Phase = "error"
)

// Snapshot 是会话对 UI 层的稳定输出：UI 渲染开关面板只需要这一个结构。
// 部分加载状态对 UI 不可见，只会以 loading_* 阶段呈现。
type Snapshot struct {
	Dataset     string      `json:"dataset"`
	Phase       Phase       `json:"phase"`
	Present     PresenceMap `json:"present"`
	Active      ActiveMap   `json:"active"`
	MaskOpacity float64     `json:"mask_opacity"`
	Generation  uint64      `json:"generation"`
	ErrorCode   string      `json:"error_code,omitempty"`
	ErrorMsg    string      `json:"error_msg,omitempty"`
}
