package modality

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"neuroview/internal/domain"
)

// Rules 在内置词表之上叠加站点自定义 token（临床归档的命名五花八门）。
//
// 约束：
// - 只能追加 token，不能删除内置词表，优先级顺序也不可配置
// - token 只允许 [a-z0-9_-]+，统一转小写后参与匹配
type Rules struct {
	extra map[domain.ModalityRole][]string
}

// Default 返回只含内置词表的规则。
func Default() Rules {
	return Rules{}
}

var tokenRE = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Load 从 YAML 文件读取站点自定义词表并叠加到内置词表上。
//
// 文件格式（key 必须是已知角色名）：
//
//	flair: ["flr"]
//	seg: ["tumormask"]
func Load(path string) (Rules, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, err
	}
	return Parse(b)
}

// Parse 与 Load 相同，但直接消费 YAML 字节（便于测试）。
func Parse(b []byte) (Rules, error) {
	raw := map[string][]string{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Rules{}, fmt.Errorf("modality 规则文件无效：%w", err)
	}

	extra := make(map[domain.ModalityRole][]string, len(raw))
	for key, toks := range raw {
		role := domain.ModalityRole(strings.ToLower(strings.TrimSpace(key)))
		if !role.Known() {
			return Rules{}, fmt.Errorf("modality 规则文件含未知角色：%q", key)
		}
		for _, t := range toks {
			t = strings.ToLower(strings.TrimSpace(t))
			if !tokenRE.MatchString(t) {
				return Rules{}, fmt.Errorf("非法 token %q（角色 %s）：只允许 [a-z0-9_-]+", t, role)
			}
			extra[role] = append(extra[role], t)
		}
	}
	return Rules{extra: extra}, nil
}
