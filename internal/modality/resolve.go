// Package modality 负责把文件名解析成模态角色。
// 解析是纯函数：无 I/O、无副作用，相同输入 => 相同输出。
package modality

import (
	"strings"

	"neuroview/internal/domain"
)

// 内置 token 表。key 的优先级由 domain.Roles 的顺序决定，这里只提供词表。
//
// 硬约束：
// - 匹配大小写不敏感，且必须是词边界感知的子串测试（见 containsToken），
//   否则 t1 会命中 t1ce、seg 会命中 segmented 之类的噪音
// - 更具体的 token 永远先于更短的 token 被测试（FLAIR > SEG > T1CE > T1 > T2）
var builtin = map[domain.ModalityRole][]string{
	domain.RoleFLAIR: {"flair"},
	domain.RoleSeg:   {"seg", "segmentation", "mask", "label"},
	domain.RoleT1ce:  {"t1ce", "t1c", "t1gd"},
	domain.RoleT1:    {"t1"},
	domain.RoleT2:    {"t2"},
}

// Resolve 用内置词表解析文件名。解析不出已知角色时返回 RoleUnknown；
// 这不是错误（resolution_unknown 的条目只是不进入受管集合）。
func Resolve(name string) domain.ModalityRole {
	return Default().Resolve(name)
}

// Resolve 按固定优先级逐角色测试 token；命中即返回，保证确定性。
func (r Rules) Resolve(name string) domain.ModalityRole {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return domain.RoleUnknown
	}

	for _, role := range domain.Roles {
		for _, tok := range builtin[role] {
			if containsToken(lower, tok) {
				return role
			}
		}
		for _, tok := range r.extra[role] {
			if containsToken(lower, tok) {
				return role
			}
		}
	}
	return domain.RoleUnknown
}

// containsToken 做词边界感知的子串测试：token 两侧都不能是 [a-z0-9]。
// 输入必须已经是小写。
func containsToken(s, tok string) bool {
	if tok == "" {
		return false
	}
	for from := 0; ; {
		i := strings.Index(s[from:], tok)
		if i < 0 {
			return false
		}
		i += from
		j := i + len(tok)

		okLeft := i == 0 || !isWordByte(s[i-1])
		okRight := j == len(s) || !isWordByte(s[j])
		if okLeft && okRight {
			return true
		}
		from = i + 1
	}
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}
