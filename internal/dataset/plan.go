// Package dataset 把一次 listing 的文件集合规划成确定性的加载计划。
// 规划是纯函数：不发加载请求、不碰渲染引擎（副作用都在 internal/session）。
package dataset

import (
	"fmt"

	"neuroview/internal/domain"
	"neuroview/internal/modality"
)

// Plan 是对一个文件夹的最小加载计划。
//
// 加载顺序是硬约束：base 必须完全加载后才允许发 mask/overlay 的加载请求，
// 以保证 base 永远占据 stack 下标 0。
type Plan struct {
	// Entries 按输入顺序保存全部文件的解析结果（含 unknown）。
	Entries []domain.DatasetEntry

	// Base 是背景解剖 volume；只要输入非空就一定存在。
	Base domain.SourceFile

	// BaseRole 是 base 文件自身的解析角色（fallback 时可能不是 flair）。
	BaseRole domain.ModalityRole

	// Mask 是分割 mask（至多一个）。HasMask=false 表示该数据集没有 mask。
	Mask    domain.SourceFile
	HasMask bool

	// Overlays 是其余要加载但初始隐藏（opacity=0）的模态文件，按输入顺序。
	Overlays []domain.DatasetEntry

	// Excluded 是不进入受管集合的文件：unknown，以及未被选中的多余 seg
	// （mask 不做静默合并，多余的 seg 按 unrecognized 对待）。
	Excluded []domain.DatasetEntry

	Presence domain.PresenceMap
}

// Build 分类所有文件并按固定策略选择 base/mask。
//
// 策略（显式、可测试，而不是“猜测正确行为”）：
// - base：第一个解析为 flair 的文件；一个都没有则回退到输入顺序第一个文件
//   （稳定回退，绝不静默丢掉整个数据集）
// - mask：第一个解析为 seg 且不是 base 的文件；其余 seg 全部排除
func Build(files []domain.SourceFile, rules modality.Rules) (Plan, error) {
	if len(files) == 0 {
		return Plan{}, fmt.Errorf("数据集为空：没有可加载的文件")
	}

	seen := make(map[string]struct{}, len(files))
	entries := make([]domain.DatasetEntry, 0, len(files))
	for _, f := range files {
		if f.Name == "" {
			return Plan{}, fmt.Errorf("文件名不能为空（url=%q）", f.URL)
		}
		if _, ok := seen[f.Name]; ok {
			return Plan{}, fmt.Errorf("重复的文件名：%q", f.Name)
		}
		seen[f.Name] = struct{}{}
		entries = append(entries, domain.DatasetEntry{Role: rules.Resolve(f.Name), File: f})
	}

	p := Plan{
		Entries:  entries,
		Presence: domain.NewPresenceMap(),
	}

	// base：第一个 flair，否则输入顺序第一个。
	baseIdx := 0
	for i := range entries {
		if entries[i].Role == domain.RoleFLAIR {
			baseIdx = i
			break
		}
	}
	p.Base = entries[baseIdx].File
	p.BaseRole = entries[baseIdx].Role

	// mask：第一个不是 base 的 seg。
	maskIdx := -1
	for i := range entries {
		if i == baseIdx || entries[i].Role != domain.RoleSeg {
			continue
		}
		maskIdx = i
		break
	}
	if maskIdx >= 0 {
		p.Mask = entries[maskIdx].File
		p.HasMask = true
	}

	for i := range entries {
		e := entries[i]
		switch {
		case i == baseIdx || i == maskIdx:
			// 已选中。
		case e.Role == domain.RoleUnknown, e.Role == domain.RoleSeg:
			p.Excluded = append(p.Excluded, e)
			continue
		default:
			p.Overlays = append(p.Overlays, e)
		}
		if e.Role.Known() {
			p.Presence[e.Role] = true
		}
	}
	if p.BaseRole.Known() {
		p.Presence[p.BaseRole] = true
	}

	return p, nil
}

// Describe 把 plan 展开成 report 条目（保持输入顺序）。
func Describe(p Plan) []domain.EntryResult {
	out := make([]domain.EntryResult, 0, len(p.Entries))
	for _, e := range p.Entries {
		r := domain.EntryResult{
			Name: e.File.Name,
			Role: string(e.Role),
		}
		switch {
		case e.File == p.Base:
			r.Disposition = domain.DispositionBase
		case p.HasMask && e.File == p.Mask:
			r.Disposition = domain.DispositionMask
		case e.Role == domain.RoleUnknown:
			r.Disposition = domain.DispositionIgnored
			r.ErrorCode = domain.ErrCodeResolutionUnknown
			r.ErrorMsg = "文件名匹配不到任何已知模态"
		case e.Role == domain.RoleSeg:
			r.Disposition = domain.DispositionIgnored
			r.ErrorCode = domain.ErrCodeResolutionUnknown
			r.ErrorMsg = "多余的分割文件：mask 不做静默合并，只取输入顺序第一个"
		default:
			r.Disposition = domain.DispositionOverlay
		}
		out = append(out, r)
	}
	return out
}
