// internal/imtypes/storage_service_iface.go
package imtypes

import "context"

// AttachmentStore 定义了附件存储操作的接口。
// 将接口定义放在 imtypes 中以打破 storage 和 composer/messagestore 之间的循环依赖。
type AttachmentStore interface {
	// UploadAttachment 把 data 保存到 folder 下，返回包含访问 URL 的 FileInfo。
	UploadAttachment(ctx context.Context, data []byte, folder string, fileName string) (*FileInfo, error)

	// DeleteAttachment 根据 UploadAttachment 返回的 URL 删除文件。
	DeleteAttachment(ctx context.Context, url string) error
}
