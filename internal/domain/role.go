package domain

// ModalityRole 标识一个 NIfTI 文件在数据集中的角色。
//
// 约束：要么解析出一个已知角色，要么是 RoleUnknown；解析规则集中在
// internal/modality，这里只定义枚举与判定辅助，不做任何字符串匹配。
type ModalityRole string

const (
	RoleFLAIR   ModalityRole = "flair"
	RoleSeg     ModalityRole = "seg"
	RoleT1ce    ModalityRole = "t1ce"
	RoleT1      ModalityRole = "t1"
	RoleT2      ModalityRole = "t2"
	RoleUnknown ModalityRole = "unknown"
)

// Roles 是全部已知角色，按解析优先级排序（FLAIR > SEG > T1CE > T1 > T2）。
// 该顺序是解析的硬约束：包含 t1ce 的文件名绝不允许被判成 t1。
var Roles = []ModalityRole{RoleFLAIR, RoleSeg, RoleT1ce, RoleT1, RoleT2}

// Known 判断 r 是否为已知角色（RoleUnknown 不算）。
func (r ModalityRole) Known() bool {
	switch r {
	case RoleFLAIR, RoleSeg, RoleT1ce, RoleT1, RoleT2:
		return true
	default:
		return false
	}
}

func (r ModalityRole) String() string { return string(r) }
