package session

import (
	"time"

	"neuroview/internal/domain"
)

// Observer 把“加载进度/阶段/状态快照”从核心流程中解耦出来。
//
// 约束：
// - session 只负责发事件，不做任何输出（stdout 的 JSON 契约由 cmd 层守护）
// - 实现必须并发安全：事件可能来自不同调用方的 goroutine
type Observer interface {
	// OnPhaseDone 在阶段结束时调用（listing / plan / base / overlays）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnVolumeDone 在单个 volume 加载完成时调用。
	OnVolumeDone(idx, total int, role domain.ModalityRole, name string, dur time.Duration)
	// OnState 在每次对 UI 可见的状态变化后调用（gateway 用它推送快照）。
	OnState(snap domain.Snapshot)
}
