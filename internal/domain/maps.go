package domain

// PresenceMap 记录“该角色在当前数据集里有没有文件”。
// ActiveMap 记录“该角色当前是否可见”。
//
// 生命周期：每次选择新数据集时整体重建；toggle 只原地修改 ActiveMap；
// 从不跨 viewer 会话持久化。
type PresenceMap map[ModalityRole]bool

type ActiveMap map[ModalityRole]bool

// NewPresenceMap 返回覆盖全部已知角色、全为 false 的 map。
// 显式铺满全部 key，保证 JSON 输出稳定（UI 依赖字段齐全）。
func NewPresenceMap() PresenceMap {
	m := make(PresenceMap, len(Roles))
	for _, r := range Roles {
		m[r] = false
	}
	return m
}

func NewActiveMap() ActiveMap {
	m := make(ActiveMap, len(Roles))
	for _, r := range Roles {
		m[r] = false
	}
	return m
}

func (m PresenceMap) Clone() PresenceMap {
	out := make(PresenceMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m ActiveMap) Clone() ActiveMap {
	out := make(ActiveMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
