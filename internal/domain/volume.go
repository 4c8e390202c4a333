package domain

// VolumeHandle 是渲染引擎内部 volume 对象的不透明引用。
// 由引擎分配，除引擎与 volume stack 外任何代码不得解释其取值。
type VolumeHandle int64

// LoadedVolume 是 volume stack 对一个已加载 volume 的唯一记录。
//
// 不变量：
// - 引擎原生对象永远不在 stack 之外被别名持有，只通过 Handle 间接引用
// - 整个 stack 中至多一个 IsBase=true 的条目，且它必须位于下标 0
// - 至多一个 IsLabelOverlay=true 的条目（分割 mask）
type LoadedVolume struct {
	Handle         VolumeHandle
	Name           string
	Role           ModalityRole
	IsBase         bool
	Opacity        float64
	IsLabelOverlay bool
}
