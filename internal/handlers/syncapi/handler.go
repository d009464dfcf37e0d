// Package syncapi 通过 HTTP 把同步核心暴露给本地 UI。
package syncapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"im-sync/internal/apperrors"
	"im-sync/internal/composer"
	"im-sync/internal/directory"
	"im-sync/internal/grouper"
	"im-sync/internal/messagestore"
	"im-sync/internal/middleware"
	"im-sync/internal/models"
)

const (
	defaultMaxMemory = 32 << 20 // 32 MB default max memory for multipart forms
)

// Handler 封装了同步核心相关的 HTTP 处理器方法。
type Handler struct {
	store    *messagestore.Store
	dir      *directory.Directory
	composer *composer.Composer
	userID   string
	maxBody  int64
	// sendTimeout 限制一次发送（含上传附件）的总时长，0 表示只受请求本身约束。
	sendTimeout time.Duration
}

// NewHandler 创建一个新的 Handler 实例。maxUploadMB 为 0 时使用 32 MB。
func NewHandler(store *messagestore.Store, dir *directory.Directory, comp *composer.Composer, userID string, maxUploadMB int64, sendTimeout time.Duration) *Handler {
	maxBody := maxUploadMB << 20
	if maxBody <= 0 {
		maxBody = defaultMaxMemory
	}
	return &Handler{store: store, dir: dir, composer: comp, userID: userID, maxBody: maxBody, sendTimeout: sendTimeout}
}

// Register 在 r 上注册全部路由，r 通常是已挂好认证中间件的 /api/v1 子路由。
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/channels", h.ListChannels).Methods(http.MethodGet)
	r.HandleFunc("/channels/dm", h.FindOrCreateDM).Methods(http.MethodPost)
	r.HandleFunc("/channels/{id}/subscription", h.OpenChannel).Methods(http.MethodPost)
	r.HandleFunc("/channels/{id}/subscription", h.CloseChannel).Methods(http.MethodDelete)
	r.HandleFunc("/channels/{key}/messages", h.GetMessages).Methods(http.MethodGet)
	r.HandleFunc("/channels/{id}/messages/older", h.FetchOlder).Methods(http.MethodPost)
	r.HandleFunc("/channels/{id}/messages", h.SendToChannel).Methods(http.MethodPost)
	r.HandleFunc("/dm/{userId}/messages", h.SendToUser).Methods(http.MethodPost)
	r.HandleFunc("/channels/{id}/messages/{messageId}", h.EditMessage).Methods(http.MethodPatch)
	r.HandleFunc("/channels/{id}/messages/{messageId}", h.DeleteMessage).Methods(http.MethodDelete)
}

// currentUser 返回请求的用户。中间件已保证它就是同步用户，缺失时退回到配置值。
func (h *Handler) currentUser(r *http.Request) string {
	if id, ok := middleware.GetUserIDFromContext(r.Context()); ok && id != "" {
		return id
	}
	return h.userID
}

// ListChannels 返回当前频道集合，按最近活动倒序。
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, map[string]interface{}{"channels": h.dir.Channels()})
}

type dmRequest struct {
	UserID string `json:"userId"`
}

type channelRefResponse struct {
	Key       string                   `json:"key"`
	Transient bool                     `json:"transient"`
	Channel   *models.Channel          `json:"channel,omitempty"`
	Pending   *models.TransientChannel `json:"pending,omitempty"`
}

func refResponse(ref models.ChannelRef) channelRefResponse {
	resp := channelRefResponse{Key: models.KeyOf(ref)}
	switch c := ref.(type) {
	case models.Channel:
		resp.Channel = &c
	case models.TransientChannel:
		resp.Transient = true
		resp.Pending = &c
	}
	return resp
}

// FindOrCreateDM 查找与某个用户的私聊频道；不存在时返回临时频道，首次发送时才会创建。
func (h *Handler) FindOrCreateDM(w http.ResponseWriter, r *http.Request) {
	var req dmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.HandleError(w, apperrors.Validation("无效的请求体"))
		return
	}
	ref, err := h.dir.FindOrCreateDMChannel(h.currentUser(r), strings.TrimSpace(req.UserID))
	if err != nil {
		apperrors.HandleError(w, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, refResponse(ref))
}

// OpenChannel 开始同步一个频道，加载最新一页并订阅变更。
func (h *Handler) OpenChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.OpenChannel(r.Context(), id); err != nil {
		apperrors.HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloseChannel 停止同步一个频道并丢弃它的本地消息。
func (h *Handler) CloseChannel(w http.ResponseWriter, r *http.Request) {
	h.store.CloseChannel(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

type messagesResponse struct {
	Key     string             `json:"key"`
	Open    bool               `json:"open"`
	Cursor  models.Cursor      `json:"cursor,omitempty"`
	HasMore bool               `json:"hasMore"`
	Days    []grouper.DayGroup `json:"days"`
	Flat    []models.Message   `json:"messages,omitempty"`
}

// GetMessages 返回本地已同步的消息，按日、分钟、发送者分组。
// 查询参数 tz 指定分组使用的时区，flat=1 时额外返回平铺列表。
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	loc := time.Local
	if tz := r.URL.Query().Get("tz"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			apperrors.HandleError(w, apperrors.Validation("未知的时区: "+tz))
			return
		}
		loc = l
	}

	msgs := h.store.Messages(key)
	cursor := h.store.Cursor(key)
	resp := messagesResponse{
		Key:     key,
		Open:    h.store.IsOpen(key),
		Cursor:  cursor,
		HasMore: cursor != "",
		Days:    grouper.Group(msgs, loc),
	}
	if resp.Days == nil {
		resp.Days = []grouper.DayGroup{}
	}
	if r.URL.Query().Get("flat") == "1" {
		resp.Flat = msgs
	}
	apperrors.WriteJSON(w, http.StatusOK, resp)
}

// FetchOlder 加载更早的一页。没有游标或已有请求在进行时直接返回。
func (h *Handler) FetchOlder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.FetchOlderPage(r.Context(), id); err != nil {
		apperrors.HandleError(w, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"cursor":  h.store.Cursor(id),
		"hasMore": h.store.Cursor(id) != "",
	})
}

type sendResponse struct {
	ClientID string `json:"clientId"`
	Key      string `json:"key"`
}

// SendToChannel 向已存在的频道发送消息。
func (h *Handler) SendToChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ch, ok := h.dir.Channel(id)
	if !ok {
		apperrors.HandleError(w, apperrors.NotFound("频道不存在: "+id, nil))
		return
	}
	h.send(w, r, ch)
}

// SendToUser 向某个用户发送私聊消息，频道不存在时随首条消息创建。
func (h *Handler) SendToUser(w http.ResponseWriter, r *http.Request) {
	ref, err := h.dir.FindOrCreateDMChannel(h.currentUser(r), mux.Vars(r)["userId"])
	if err != nil {
		apperrors.HandleError(w, err)
		return
	}
	h.send(w, r, ref)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request, ref models.ChannelRef) {
	text, uploads, err := h.readMessage(w, r)
	if err != nil {
		apperrors.HandleError(w, err)
		return
	}
	ctx := r.Context()
	if h.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.sendTimeout)
		defer cancel()
	}
	clientID, err := h.composer.Send(ctx, ref, h.currentUser(r), text, uploads)
	if err != nil {
		apperrors.HandleError(w, err)
		return
	}
	key := models.KeyOf(ref)
	if _, transient := ref.(models.TransientChannel); transient {
		// 频道已随发送创建，返回真实 id
		if ch, ok := h.findDM(ref); ok {
			key = ch.ID
		}
	}
	apperrors.WriteJSON(w, http.StatusCreated, sendResponse{ClientID: clientID, Key: key})
}

func (h *Handler) findDM(ref models.ChannelRef) (models.Channel, bool) {
	members := ref.Members()
	if len(members) != 2 {
		return models.Channel{}, false
	}
	found, err := h.dir.FindOrCreateDMChannel(members[0], members[1])
	if err != nil {
		return models.Channel{}, false
	}
	ch, ok := found.(models.Channel)
	return ch, ok
}

type textRequest struct {
	Text string `json:"text"`
}

// readMessage 支持 JSON 正文 {"text": ...} 和 multipart 表单。
// 表单中 text 字段为正文，photo / video / file 字段为对应类型的附件，可重复。
func (h *Handler) readMessage(w http.ResponseWriter, r *http.Request) (string, []composer.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		var req textRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", nil, apperrors.Validation("无效的请求体")
		}
		return req.Text, nil, nil
	}

	if err := r.ParseMultipartForm(defaultMaxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, apperrors.Validation("上传内容过大")
		}
		return "", nil, apperrors.Validation("解析表单失败")
	}

	var uploads []composer.Upload
	for _, kind := range []models.AttachmentKind{models.PhotoAttachment, models.VideoAttachment, models.FileAttachment} {
		for _, fh := range r.MultipartForm.File[string(kind)] {
			data, err := readPart(fh)
			if err != nil {
				log.Printf("[syncapi] 读取上传文件 %s 失败: %v", fh.Filename, err)
				return "", nil, apperrors.Validation("读取上传文件失败: " + fh.Filename)
			}
			uploads = append(uploads, composer.Upload{Kind: kind, FileName: fh.Filename, Data: data})
		}
	}
	return r.FormValue("text"), uploads, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// EditMessage 修改一条消息的文本。
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.HandleError(w, apperrors.Validation("无效的请求体"))
		return
	}
	if err := h.store.EditMessage(r.Context(), vars["id"], vars["messageId"], req.Text); err != nil {
		apperrors.HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteMessage 删除一条消息，附件在后台清理。
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.store.DeleteMessage(r.Context(), vars["id"], vars["messageId"]); err != nil {
		apperrors.HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
