package storage

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"im-sync/internal/config"
	"im-sync/internal/imtypes"
)

// LocalStorageService 实现了 imtypes.AttachmentStore，把附件写到本地目录。
type LocalStorageService struct {
	basePath string // 本地存储的基础路径，例如 "./uploads"
	baseURL  string // 用于构建文件访问 URL 的基础 URL，例如 "/uploads"
	maxBytes int64
}

// NewLocalStorageService 创建一个新的 LocalStorageService 实例。
func NewLocalStorageService(cfg config.StorageConfig) (*LocalStorageService, error) {
	if err := os.MkdirAll(cfg.LocalPath, 0755); err != nil {
		return nil, fmt.Errorf("创建本地存储目录失败 '%s': %w", cfg.LocalPath, err)
	}
	return &LocalStorageService{
		basePath: cfg.LocalPath,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		maxBytes: cfg.MaxFileSizeMB << 20,
	}, nil
}

// UploadAttachment 把 data 保存到 folder 下，文件名为随机 UUID 加原始扩展名。
func (s *LocalStorageService) UploadAttachment(ctx context.Context, data []byte, folder, fileName string) (*imtypes.FileInfo, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("附件数据为空: %s", fileName)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("附件 %s 超过大小限制 %d 字节", fileName, s.maxBytes)
	}
	folder, err := cleanFolder(folder)
	if err != nil {
		return nil, err
	}

	ext := filepath.Ext(fileName)
	uniqueFileName := uuid.New().String() + ext
	dir := filepath.Join(s.basePath, filepath.FromSlash(folder))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建目录失败 '%s': %w", dir, err)
	}

	dstPath := filepath.Join(dir, uniqueFileName)
	if err := os.WriteFile(dstPath, data, 0644); err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("写入文件失败: %w", err)
	}

	rel := path.Join(folder, uniqueFileName)
	return &imtypes.FileInfo{
		URL:      s.baseURL + "/" + escapePath(rel),
		Path:     dstPath,
		Folder:   folder,
		Size:     int64(len(data)),
		MimeType: mime.TypeByExtension(ext),
		FileName: fileName,
	}, nil
}

// DeleteAttachment 删除 URL 对应的本地文件，文件不存在视为成功。
func (s *LocalStorageService) DeleteAttachment(ctx context.Context, fileURL string) error {
	if !strings.HasPrefix(fileURL, s.baseURL+"/") {
		return fmt.Errorf("不属于本地存储的 URL: %s", fileURL)
	}
	rel, err := url.PathUnescape(strings.TrimPrefix(fileURL, s.baseURL+"/"))
	if err != nil {
		return fmt.Errorf("解析 URL 失败: %w", err)
	}
	rel, err = cleanFolder(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.basePath, filepath.FromSlash(rel))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除文件失败: %w", err)
	}
	return nil
}

// cleanFolder 规范化相对路径，拒绝跳出存储目录。
func cleanFolder(p string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("非法路径: %q", p)
	}
	return cleaned, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

var _ imtypes.AttachmentStore = (*LocalStorageService)(nil)
