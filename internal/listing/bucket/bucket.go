// Package bucket 在 S3 兼容对象存储上实现 listing.Lister。
// 渲染引擎在浏览器端直接加载数据，所以 URL 用预签名 GET，
// 不经过本服务中转。
package bucket

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"neuroview/internal/domain"
	"neuroview/internal/listing"
)

// 预签名有效期要盖住一次完整的复查会话。
const defaultPresignTTL = 4 * time.Hour

// Config 是对象存储归档的连接参数。
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// PresignTTL 为 0 时取 defaultPresignTTL。
	PresignTTL time.Duration
}

type Lister struct {
	client     *minio.Client
	bucket     string
	presignTTL time.Duration
}

var _ listing.FolderLister = (*Lister)(nil)

func New(cfg Config) (*Lister, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("endpoint 与 bucket 不能为空")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("连接对象存储失败：%w", err)
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	return &Lister{client: client, bucket: cfg.Bucket, presignTTL: ttl}, nil
}

func (l *Lister) Name() string { return "bucket" }

// List 列出 <folder>/ 前缀下的 NIfTI 对象，每个对象生成预签名 GET URL。
func (l *Lister) List(ctx context.Context, folder string) ([]domain.SourceFile, error) {
	if strings.ContainsAny(folder, "/\\") || folder == "" {
		return nil, &listing.Error{Lister: l.Name(), Folder: folder, Err: fmt.Errorf("非法的 folder 名：%q", folder)}
	}

	files := make([]domain.SourceFile, 0, 8)
	objects := l.client.ListObjects(ctx, l.bucket, minio.ListObjectsOptions{
		Prefix:    folder + "/",
		Recursive: false,
	})
	for obj := range objects {
		if obj.Err != nil {
			return nil, &listing.Error{Lister: l.Name(), Folder: folder, Err: obj.Err}
		}
		name := path.Base(obj.Key)
		if strings.HasSuffix(obj.Key, "/") || !listing.IsNIfTI(name) {
			continue
		}
		u, err := l.client.PresignedGetObject(ctx, l.bucket, obj.Key, l.presignTTL, nil)
		if err != nil {
			return nil, &listing.Error{Lister: l.Name(), Folder: folder, Err: err}
		}
		files = append(files, domain.SourceFile{Name: name, URL: u.String()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Folders 枚举 bucket 根层的公共前缀（每个前缀是一个病例文件夹）。
func (l *Lister) Folders(ctx context.Context) ([]string, error) {
	folders := make([]string, 0, 16)
	objects := l.client.ListObjects(ctx, l.bucket, minio.ListObjectsOptions{Recursive: false})
	for obj := range objects {
		if obj.Err != nil {
			return nil, &listing.Error{Lister: l.Name(), Err: obj.Err}
		}
		if !strings.HasSuffix(obj.Key, "/") {
			continue
		}
		folders = append(folders, strings.TrimSuffix(obj.Key, "/"))
	}
	sort.Strings(folders)
	return folders, nil
}
