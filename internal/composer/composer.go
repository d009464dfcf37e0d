// Package composer 实现发送消息的完整流程：乐观插入、按需创建频道、并行上传附件、最终写入。
package composer

import (
	"context"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"

	"im-sync/internal/apperrors"
	"im-sync/internal/cleanup"
	"im-sync/internal/directory"
	"im-sync/internal/imtypes"
	"im-sync/internal/messagestore"
	"im-sync/internal/models"
)

// Upload 是一个待上传的附件。
type Upload struct {
	Kind     models.AttachmentKind
	FileName string
	Data     []byte
	Width    int
	Height   int
}

// Composer 把消息写入 MessageStore 与后端。
type Composer struct {
	store   *messagestore.Store
	dir     *directory.Directory
	backend imtypes.MessageBackend
	files   imtypes.AttachmentStore
	cleanup *cleanup.Queue
}

func New(store *messagestore.Store, dir *directory.Directory, backend imtypes.MessageBackend, files imtypes.AttachmentStore, queue *cleanup.Queue) *Composer {
	return &Composer{store: store, dir: dir, backend: backend, files: files, cleanup: queue}
}

// Send 发送一条消息并返回其 clientId。
//
// 消息先以待发送状态插入本地；若频道尚未创建，则先创建频道并把待发送消息迁移到真实 id 下。
// 附件并行上传，单个失败只会从消息中去掉该附件。最终写入失败时移除待发送消息。
func (c *Composer) Send(ctx context.Context, ref models.ChannelRef, senderID, text string, uploads []Upload) (string, error) {
	key := models.KeyOf(ref)
	if key == "" {
		return "", apperrors.Validation("unknown channel")
	}
	if senderID == "" {
		return "", apperrors.Validation("sender id is required")
	}
	text = strings.TrimSpace(text)
	if text == "" && len(uploads) == 0 {
		return "", apperrors.Validation("message is empty")
	}
	for _, u := range uploads {
		if len(u.Data) == 0 {
			return "", apperrors.Validation("attachment data is missing")
		}
		if u.FileName == "" {
			return "", apperrors.Validation("attachment file name is missing")
		}
	}

	clientID, err := c.store.AppendPending(ctx, key, models.Message{SenderID: senderID, Text: text})
	if err != nil {
		return "", err
	}

	channelID, err := c.resolve(ctx, ref, key)
	if err != nil {
		c.discard(key, clientID)
		return "", err
	}
	opened := true
	if err := c.store.OpenChannel(ctx, channelID); err != nil {
		opened = false
		log.Printf("[composer] 打开频道 %s 失败, 发送后重试: %v", channelID, err)
	}

	attachments := c.upload(ctx, channelID, uploads)
	if text == "" && len(attachments) == 0 {
		c.discard(channelID, clientID)
		return "", apperrors.Validation("no attachment could be uploaded")
	}

	msg := models.Message{ClientID: clientID, SenderID: senderID, Text: text, Attachments: attachments}
	if err := c.backend.SendMessage(ctx, channelID, msg); err != nil {
		log.Printf("[composer] 发送消息 %s 到频道 %s 失败: %v", clientID, channelID, err)
		c.discard(channelID, clientID)
		for _, a := range attachments {
			c.cleanup.Enqueue("delete orphan attachment "+a.URL, func(ctx context.Context) error {
				return c.files.DeleteAttachment(ctx, a.URL)
			})
		}
		return "", apperrors.AsTransient("send message failed", err)
	}
	if !opened {
		c.reopen(ctx, channelID)
	}
	return clientID, nil
}

// reopen 重新打开之前订阅失败的频道。首页里带着刚写入的消息，待发送的那条随之确认；
// 仍然失败时交给清理队列在后台再试一次。
func (c *Composer) reopen(ctx context.Context, channelID string) {
	err := c.store.OpenChannel(ctx, channelID)
	if err == nil {
		return
	}
	log.Printf("[composer] 重新打开频道 %s 失败, 转入后台重试: %v", channelID, err)
	c.cleanup.Enqueue("reopen channel "+channelID, func(ctx context.Context) error {
		return c.store.OpenChannel(ctx, channelID)
	})
}

// resolve 返回可写入的频道 id，必要时创建频道。
func (c *Composer) resolve(ctx context.Context, ref models.ChannelRef, key string) (string, error) {
	var transient models.TransientChannel
	switch ch := ref.(type) {
	case models.Channel:
		return ch.ID, nil
	case *models.Channel:
		return ch.ID, nil
	case models.TransientChannel:
		transient = ch
	case *models.TransientChannel:
		transient = *ch
	default:
		return "", apperrors.Validation(fmt.Sprintf("unsupported channel reference %T", ref))
	}

	created, err := c.dir.Persist(ctx, transient)
	if err != nil {
		return "", err
	}
	if err := c.store.MigrateChannel(ctx, key, created.ID); err != nil {
		return "", err
	}
	return created.ID, nil
}

// upload 并行上传附件，保持原有顺序，丢弃失败的附件。
func (c *Composer) upload(ctx context.Context, channelID string, uploads []Upload) []models.Attachment {
	if len(uploads) == 0 {
		return nil
	}
	results := make([]*models.Attachment, len(uploads))

	var g errgroup.Group
	for i, u := range uploads {
		g.Go(func() error {
			folder := "channels/" + channelID + "/" + u.Kind.Folder()
			info, err := c.files.UploadAttachment(ctx, u.Data, folder, u.FileName)
			if err != nil {
				log.Printf("[composer] 附件 %s 上传失败, 已从消息中移除: %v", u.FileName, err)
				return nil
			}
			a := models.Attachment{Kind: u.Kind, URL: info.URL, Width: u.Width, Height: u.Height}
			if u.Kind == models.FileAttachment {
				a.FileName = u.FileName
				a.Size = info.Size
			}
			results[i] = &a
			return nil
		})
	}
	_ = g.Wait()

	var out []models.Attachment
	for _, a := range results {
		if a != nil {
			out = append(out, *a)
		}
	}
	return out
}

func (c *Composer) discard(key, clientID string) {
	if err := c.store.DiscardPending(context.Background(), key, clientID); err != nil {
		log.Printf("[composer] 移除待发送消息 %s 失败: %v", clientID, err)
	}
}
