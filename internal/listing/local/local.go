// Package local 在本地磁盘归档上实现 listing.Lister。
//
// 目录布局：root/<case>/<case>_<modality>.nii(.gz)。文件本身由静态文件
// 服务按 dataURL/<case>/<file> 暴露，渲染引擎直接用 URL 加载。
package local

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"neuroview/internal/domain"
	"neuroview/internal/listing"
)

type Lister struct {
	root    string
	dataURL string
}

var _ listing.FolderLister = (*Lister)(nil)

// New 构造本地归档 lister。dataURL 是静态文件服务的根（不带末尾斜杠）。
func New(root, dataURL string) *Lister {
	return &Lister{
		root:    filepath.Clean(root),
		dataURL: strings.TrimRight(dataURL, "/"),
	}
}

func (l *Lister) Name() string { return "local" }

// List 列出一个病例文件夹下的 NIfTI 文件。
// 只做 ReadDir，不读文件内容；输出按文件名排序，保证跨平台稳定。
func (l *Lister) List(ctx context.Context, folder string) ([]domain.SourceFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, &listing.Error{Lister: l.Name(), Folder: folder, Err: err}
	}
	if err := validFolder(folder); err != nil {
		return nil, &listing.Error{Lister: l.Name(), Folder: folder, Err: err}
	}

	entries, err := os.ReadDir(filepath.Join(l.root, folder))
	if err != nil {
		return nil, &listing.Error{Lister: l.Name(), Folder: folder, Err: err}
	}

	files := make([]domain.SourceFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !listing.IsNIfTI(e.Name()) {
			continue
		}
		files = append(files, domain.SourceFile{
			Name: e.Name(),
			URL:  l.dataURL + "/" + url.PathEscape(folder) + "/" + url.PathEscape(e.Name()),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Folders 枚举归档根下的病例文件夹（按名称排序）。
func (l *Lister) Folders(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &listing.Error{Lister: l.Name(), Err: err}
	}
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, &listing.Error{Lister: l.Name(), Err: err}
	}

	folders := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		folders = append(folders, e.Name())
	}
	sort.Strings(folders)
	return folders, nil
}

// validFolder 拒绝能逃出归档根的文件夹名。folder 来自客户端输入，
// 这里是唯一的路径校验点。
func validFolder(folder string) error {
	if folder == "" {
		return fmt.Errorf("folder 不能为空")
	}
	if strings.ContainsAny(folder, `/\`) || folder == "." || folder == ".." {
		return fmt.Errorf("非法的 folder 名：%q", folder)
	}
	return nil
}
