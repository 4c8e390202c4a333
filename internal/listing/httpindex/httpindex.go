// Package httpindex 从 HTTP 文件索引页（nginx autoindex / Apache mod_autoindex）
// 解析病例文件列表。很多研究归档只以这种只读形态对内网开放。
package httpindex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"neuroview/internal/domain"
	"neuroview/internal/listing"
)

type Lister struct {
	client *http.Client
	base   *url.URL
}

var _ listing.FolderLister = (*Lister)(nil)

// New 构造 autoindex lister。baseURL 是归档根（例如 http://archive:8080/brats/）。
func New(client *http.Client, baseURL string) (*Lister, error) {
	if client == nil {
		return nil, fmt.Errorf("client 不能为空")
	}
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("非法的 base URL %q：%w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL 必须是 http(s)：%q", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return &Lister{client: client, base: u}, nil
}

func (l *Lister) Name() string { return "httpindex" }

// List 抓取 base/<folder>/ 的索引页并解析其中的 NIfTI 链接。
// 返回的 URL 是相对索引页解析出的绝对地址，渲染引擎直接加载。
func (l *Lister) List(ctx context.Context, folder string) ([]domain.SourceFile, error) {
	page, err := l.base.Parse(url.PathEscape(folder) + "/")
	if err != nil {
		return nil, &listing.Error{Lister: l.Name(), Folder: folder, Err: err}
	}

	doc, err := l.fetch(ctx, page)
	if err != nil {
		return nil, &listing.Error{Lister: l.Name(), Folder: folder, Err: err}
	}

	seen := map[string]bool{}
	files := make([]domain.SourceFile, 0, 8)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		ref, err := url.Parse(href)
		if err != nil || ref.RawQuery != "" {
			// 排序链接（?C=M;O=A）与坏链接一律跳过。
			return
		}
		abs := page.ResolveReference(ref)
		name, err := url.PathUnescape(path.Base(abs.Path))
		if err != nil || !listing.IsNIfTI(name) {
			return
		}
		if seen[name] {
			return
		}
		seen[name] = true
		files = append(files, domain.SourceFile{Name: name, URL: abs.String()})
	})

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Folders 解析归档根索引页里的子目录链接。
func (l *Lister) Folders(ctx context.Context) ([]string, error) {
	doc, err := l.fetch(ctx, l.base)
	if err != nil {
		return nil, &listing.Error{Lister: l.Name(), Err: err}
	}

	seen := map[string]bool{}
	folders := make([]string, 0, 16)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if !strings.HasSuffix(href, "/") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil || ref.RawQuery != "" {
			return
		}
		abs := l.base.ResolveReference(ref)
		// 父目录链接解析后会落在 base 之外。
		if !strings.HasPrefix(abs.Path, l.base.Path) || abs.Path == l.base.Path {
			return
		}
		name, err := url.PathUnescape(path.Base(abs.Path))
		if err != nil || name == "" || seen[name] {
			return
		}
		seen[name] = true
		folders = append(folders, name)
	})

	sort.Strings(folders)
	return folders, nil
}

func (l *Lister) fetch(ctx context.Context, page *url.URL) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("索引页返回 %s", resp.Status)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}
