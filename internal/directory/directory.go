// Package directory 维护当前用户所属频道的实时集合，并负责把临时私聊频道落库。
package directory

import (
	"context"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"im-sync/internal/apperrors"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

// Options 配置 Directory。
type Options struct {
	// OnChange 在频道集合被替换或修改后调用（不持有锁）。
	OnChange func()
}

type listenToken struct {
	userID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Directory 是频道目录。同一时间只有一个活跃的 listen 订阅。
type Directory struct {
	backend  imtypes.ChannelBackend
	onChange func()
	creates  singleflight.Group

	mu       sync.RWMutex
	channels []models.Channel
	token    *listenToken
}

// New 创建 Directory。
func New(backend imtypes.ChannelBackend, opts Options) *Directory {
	return &Directory{backend: backend, onChange: opts.OnChange}
}

// Listen 订阅 userID 所属的频道集合。之前的订阅（无论是否同一用户）会先被取消。
// 每次推送都整体替换本地集合。
func (d *Directory) Listen(userID string) error {
	if userID == "" {
		return apperrors.Validation("user id is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	tok := &listenToken{userID: userID, cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	prev := d.token
	d.token = tok
	d.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	go func() {
		defer close(tok.done)
		err := d.backend.WatchChannels(ctx, userID, func(set []models.Channel) {
			d.replace(tok, set)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[directory] 用户 %s 的频道订阅出错: %v", userID, err)
		} else {
			log.Printf("[directory] 用户 %s 的频道订阅已结束", userID)
		}
	}()
	log.Printf("[directory] 开始监听用户 %s 的频道", userID)
	return nil
}

func (d *Directory) replace(tok *listenToken, set []models.Channel) {
	next := make([]models.Channel, len(set))
	for i, ch := range set {
		next[i] = cloneChannel(ch)
	}

	d.mu.Lock()
	if d.token != tok {
		d.mu.Unlock()
		return
	}
	d.channels = next
	d.mu.Unlock()
	d.notify()
}

// Stop 取消当前订阅并等待其退出。
func (d *Directory) Stop() {
	d.mu.Lock()
	tok := d.token
	d.token = nil
	d.mu.Unlock()
	if tok != nil {
		tok.cancel()
		<-tok.done
	}
}

// Channels 返回当前频道集合的副本，按 lastActivity 倒序。
func (d *Directory) Channels() []models.Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Channel, len(d.channels))
	for i, ch := range d.channels {
		out[i] = cloneChannel(ch)
	}
	return out
}

// Channel 按 id 查找频道。
func (d *Directory) Channel(id string) (models.Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.indexLocked(id); i >= 0 {
		return cloneChannel(d.channels[i]), true
	}
	return models.Channel{}, false
}

// LastMessage 返回频道当前的预览。
func (d *Directory) LastMessage(channelID string) (models.LastMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := d.indexLocked(channelID)
	if i < 0 || d.channels[i].LastMessage == nil {
		return models.LastMessage{}, false
	}
	return *d.channels[i].LastMessage, true
}

// FindOrCreateDMChannel 返回成员恰好为两人的已有私聊频道；
// 不存在时返回一个尚未落库的临时频道。
func (d *Directory) FindOrCreateDMChannel(currentUserID, otherUserID string) (models.ChannelRef, error) {
	if currentUserID == "" || otherUserID == "" {
		return nil, apperrors.Validation("both user ids are required")
	}
	members := []string{currentUserID, otherUserID}
	if ch, ok := d.findExisting(members, models.DMChannel); ok {
		return ch, nil
	}
	return models.NewTransientDM(currentUserID, otherUserID), nil
}

func (d *Directory) findExisting(members []string, typ models.ChannelType) (models.Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ch := range d.channels {
		if ch.Type == typ && ch.HasExactMembers(members) {
			return cloneChannel(ch), true
		}
	}
	return models.Channel{}, false
}

// Persist 创建临时频道对应的服务端频道，并为每个成员写入频道引用。
//
// 引用写入互相独立：某个成员失败只记录日志，不重试，也不影响其他成员，
// 频道对写入成功的成员依然可用。
func (d *Directory) Persist(ctx context.Context, t models.TransientChannel) (models.Channel, error) {
	members := models.NormalizeMembers(t.MemberIDs)
	if len(members) == 0 {
		return models.Channel{}, apperrors.Validation("channel has no members")
	}
	typ := t.Type
	if typ == "" {
		typ = models.DMChannel
	}

	v, err, _ := d.creates.Do(string(typ)+"|"+models.MemberKey(members), func() (interface{}, error) {
		if ch, ok := d.findExisting(members, typ); ok {
			return ch, nil
		}

		id, err := d.backend.CreateChannel(ctx, members, typ)
		if err != nil {
			log.Printf("[directory] 创建频道失败 (成员 %v): %v", members, err)
			return nil, apperrors.AsTransient("create channel failed", err)
		}

		var g errgroup.Group
		for _, userID := range members {
			g.Go(func() error {
				if err := d.backend.AddChannelReference(ctx, userID, id); err != nil {
					log.Printf("[directory] 为用户 %s 添加频道 %s 引用失败: %v", userID, id, err)
				}
				return nil
			})
		}
		_ = g.Wait()

		ch := models.Channel{ID: id, MemberIDs: members, Type: typ}
		d.insert(ch)
		log.Printf("[directory] 频道 %s 已创建, 成员 %v", id, members)
		return ch, nil
	})
	if err != nil {
		return models.Channel{}, err
	}
	return cloneChannel(v.(models.Channel)), nil
}

// insert 把新建的频道放到本地集合最前面；若推送已经带来了它则不做任何事。
func (d *Directory) insert(ch models.Channel) {
	d.mu.Lock()
	if d.indexLocked(ch.ID) >= 0 {
		d.mu.Unlock()
		return
	}
	d.channels = append([]models.Channel{cloneChannel(ch)}, d.channels...)
	d.mu.Unlock()
	d.notify()
}

// UpdateLastMessage 把预览写到后端，成功后更新本地副本。频道必须已存在于本地集合中。
func (d *Directory) UpdateLastMessage(ctx context.Context, channelID string, lm models.LastMessage) error {
	if _, ok := d.Channel(channelID); !ok {
		return apperrors.NotFound("channel not found", nil)
	}
	if err := d.backend.UpdateLastMessage(ctx, channelID, lm); err != nil {
		return apperrors.AsTransient("update last message failed", err)
	}

	d.mu.Lock()
	i := d.indexLocked(channelID)
	if i < 0 {
		d.mu.Unlock()
		return nil
	}
	preview := lm
	activity := lm.Timestamp
	d.channels[i].LastMessage = &preview
	if d.channels[i].LastActivity == nil || activity.After(*d.channels[i].LastActivity) {
		d.channels[i].LastActivity = &activity
	}
	sortByActivity(d.channels)
	d.mu.Unlock()
	d.notify()
	return nil
}

func (d *Directory) indexLocked(id string) int {
	for i := range d.channels {
		if d.channels[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *Directory) notify() {
	if d.onChange != nil {
		d.onChange()
	}
}

// sortByActivity 按 lastActivity 倒序，没有活动时间的频道排在最前（刚创建）。
func sortByActivity(chs []models.Channel) {
	sort.SliceStable(chs, func(i, j int) bool {
		ai, aj := chs[i].LastActivity, chs[j].LastActivity
		if ai == nil {
			return aj != nil
		}
		if aj == nil {
			return false
		}
		return ai.After(*aj)
	})
}

func cloneChannel(ch models.Channel) models.Channel {
	out := ch
	out.MemberIDs = append([]string(nil), ch.MemberIDs...)
	if ch.LastMessage != nil {
		lm := *ch.LastMessage
		out.LastMessage = &lm
	}
	if ch.LastActivity != nil {
		ts := *ch.LastActivity
		out.LastActivity = &ts
	}
	return out
}
