package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"roomchat/internal/bus"
	"roomchat/internal/metrics"
	"roomchat/internal/models"
	"roomchat/internal/protocol"
	"roomchat/internal/store"
)

const (
	MaxContentLen   = 1000
	defaultPageSize = 50
	maxPageSize     = 100
	publishTimeout  = 5 * time.Second
)

// MessageService 负责消息的接收与历史读取。
// 同一房间的消息接收在房间锁内完成容量检查、落库与发布，发布顺序即接收顺序。
type MessageService struct {
	sessions *SessionStore
	rooms    *RoomRegistry
	msgs     store.Messages
	audit    *AuditLog
	bus      bus.Bus
	now      func() time.Time

	locks sync.Map // room id -> *sync.Mutex
}

func NewMessageService(sessions *SessionStore, rooms *RoomRegistry, msgs store.Messages, audit *AuditLog, b bus.Bus) *MessageService {
	return &MessageService{sessions: sessions, rooms: rooms, msgs: msgs, audit: audit, bus: b, now: time.Now}
}

// MessageView 是对外输出的消息数据，发送者昵称在读取时解析，会话已不存在时为空。
type MessageView struct {
	ID              uint      `json:"id"`
	SessionNickname string    `json:"session_nickname"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	ReportedCount   int       `json:"reported_count"`
}

// HistoryPage 是分页后的历史消息，按时间倒序。
type HistoryPage struct {
	Results    []MessageView `json:"results"`
	Count      int64         `json:"count"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalPages int           `json:"total_pages"`
}

// roomLock 返回房间独占的锁，不同房间互不等待。
func (s *MessageService) roomLock(roomID uint) *sync.Mutex {
	if mu, ok := s.locks.Load(roomID); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := s.locks.LoadOrStore(roomID, new(sync.Mutex))
	return mu.(*sync.Mutex)
}

// ValidateContent 检查去掉首尾空白后的原始内容。
func ValidateContent(content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return invalid("content", "must not be empty")
	}
	if utf8.RuneCountInString(trimmed) > MaxContentLen {
		return invalid("content", fmt.Sprintf("must be at most %d characters", MaxContentLen))
	}
	return nil
}

// Accept 接收一条聊天消息：容量检查、清洗、落库、审计、发布到房间 topic。
// 落库或发布失败都返回错误，落库失败时不会发布。
// 落库成功后审计与发布不再受调用方取消影响，已接收的消息一定会尝试广播。
func (s *MessageService) Accept(ctx context.Context, sess *models.Session, room *models.Room, content, origin string) (protocol.ChatMessage, error) {
	if err := ValidateContent(content); err != nil {
		return protocol.ChatMessage{}, err
	}

	mu := s.roomLock(room.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.rooms.Join(ctx, room, sess); err != nil {
		return protocol.ChatMessage{}, err
	}
	sid := sess.ID
	msg := &models.Message{
		RoomID:    room.ID,
		SessionID: &sid,
		Content:   Sanitize(content, MaxContentLen),
		Timestamp: s.now(),
	}
	if err := s.msgs.CreateMessage(ctx, msg); err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("persist message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	_ = s.audit.Record(ctx, Entry{
		Kind:      models.AuditMessageSent,
		SessionID: sess.ID,
		RoomID:    room.ID,
		IPAddress: origin,
		Details:   map[string]any{"message_id": msg.ID},
	})

	out := protocol.ChatMessage{
		ID:              msg.ID,
		SessionNickname: sess.Nickname,
		Content:         msg.Content,
		Timestamp:       msg.Timestamp,
	}
	payload, err := protocol.Encode(out)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	if err := s.bus.Publish(ctx, bus.RoomTopic(room.Code), payload); err != nil {
		metrics.BusPublishErrors.WithLabelValues(protocol.TypeChatMessage).Inc()
		return protocol.ChatMessage{}, fmt.Errorf("publish message: %w", err)
	}
	return out, nil
}

// Send 是 REST 发送入口，与网关走同一条接收流程。
func (s *MessageService) Send(ctx context.Context, sess *models.Session, code, content, origin string) (protocol.ChatMessage, error) {
	if err := ValidateContent(content); err != nil {
		return protocol.ChatMessage{}, err
	}
	room, err := s.rooms.GetActive(ctx, code)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	return s.Accept(ctx, sess, room, content, origin)
}

// History 分页读取活跃房间的未删除消息。
func (s *MessageService) History(ctx context.Context, code string, page, pageSize int) (*HistoryPage, error) {
	room, err := s.rooms.GetActive(ctx, code)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	msgs, total, err := s.msgs.ListMessages(ctx, room.ID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	views, err := toViews(ctx, s.sessions, msgs)
	if err != nil {
		return nil, err
	}
	pages := int((total + int64(pageSize) - 1) / int64(pageSize))
	if pages == 0 {
		pages = 1
	}
	return &HistoryPage{Results: views, Count: total, Page: page, PageSize: pageSize, TotalPages: pages}, nil
}

// toViews 批量解析发送者昵称。
func toViews(ctx context.Context, sessions *SessionStore, msgs []models.Message) ([]MessageView, error) {
	seen := make(map[uint]struct{}, len(msgs))
	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if m.SessionID == nil {
			continue
		}
		if _, ok := seen[*m.SessionID]; ok {
			continue
		}
		seen[*m.SessionID] = struct{}{}
		ids = append(ids, *m.SessionID)
	}
	names := map[uint]string{}
	if len(ids) > 0 {
		var err error
		names, err = sessions.Nicknames(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("resolve nicknames: %w", err)
		}
	}
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		v := MessageView{ID: m.ID, Content: m.Content, Timestamp: m.Timestamp, ReportedCount: m.ReportedCount}
		if m.SessionID != nil {
			v.SessionNickname = names[*m.SessionID]
		}
		out = append(out, v)
	}
	return out, nil
}

// messageByID 读取消息，includeDeleted 为 false 时已删除的消息视为不存在。
func messageByID(ctx context.Context, msgs store.Messages, id uint, includeDeleted bool) (*models.Message, error) {
	m, err := msgs.MessageByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if m.IsDeleted && !includeDeleted {
		return nil, ErrNotFound
	}
	return m, nil
}
