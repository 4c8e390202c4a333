// Package assess 持久化复查记录：医生看完一个病例后保存的结论与
// 面板状态。每个病例一个 JSON 文件，原子写入。
package assess

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"neuroview/internal/domain"
	"neuroview/internal/infra/fsx"
)

// Assessment 是一条复查记录。Active/MaskOpacity 随记录保存，
// 重新打开病例时恢复医生上次的面板状态。
type Assessment struct {
	Folder      string           `json:"folder"`
	Reviewer    string           `json:"reviewer,omitempty"`
	Note        string           `json:"note"`
	Active      domain.ActiveMap `json:"active,omitempty"`
	MaskOpacity float64          `json:"mask_opacity,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Store 提供 <root>/assessments/ 下的记录读写。
//
// 约束：
// - 只读模式（check 等只读入口）拒绝写入
// - folder 名是文件名的一部分，必须先过校验
type Store struct {
	Root     string
	ReadOnly bool
}

var ErrReadOnly = errors.New("assess: read-only")

var folderRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func New(root string, readOnly bool) Store {
	return Store{
		Root:     filepath.Clean(strings.TrimSpace(root)),
		ReadOnly: readOnly,
	}
}

func (s Store) path(folder string) (string, error) {
	if !folderRE.MatchString(folder) {
		return "", fmt.Errorf("非法的 folder 名：%q", folder)
	}
	return filepath.Join(s.Root, "assessments", folder+".json"), nil
}

// Read 读取一个病例的复查记录；不存在不算错误。
func (s Store) Read(folder string) (Assessment, bool, error) {
	path, err := s.path(folder)
	if err != nil {
		return Assessment{}, false, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Assessment{}, false, nil
		}
		return Assessment{}, false, err
	}
	var a Assessment
	if err := json.Unmarshal(b, &a); err != nil {
		return Assessment{}, false, fmt.Errorf("复查记录损坏（%s）：%w", path, err)
	}
	return a, true, nil
}

// Write 保存一条复查记录（覆盖旧记录）。UpdatedAt 为零值时取当前时间。
func (s Store) Write(a Assessment) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	path, err := s.path(a.Folder)
	if err != nil {
		return err
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}
	a.UpdatedAt = a.UpdatedAt.UTC()

	b, err := json.MarshalIndent(&a, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(filepath.Dir(path), filepath.Base(path), b)
}

// Folders 列出已有复查记录的病例（按名称排序）。
func (s Store) Folders() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, "assessments"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(out)
	return out, nil
}
