package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"roomchat/internal/metrics"
	"roomchat/internal/models"
	"roomchat/internal/store"

	"github.com/jaevor/go-nanoid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	CodeAlphabet         = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	CodeLength           = 6
	DefaultRetentionDays = 30
	MaxRetentionDays     = 365
	MaxRoomNameLen       = 100
	maxCodeAttempts      = 16
)

// RoomRegistry 管理房间元数据、房间码生成与参与者计数。
type RoomRegistry struct {
	rooms   store.Rooms
	msgs    store.Messages
	audit   *AuditLog
	now     func() time.Time
	newCode func() string
}

func NewRoomRegistry(rooms store.Rooms, msgs store.Messages, audit *AuditLog) (*RoomRegistry, error) {
	gen, err := nanoid.CustomASCII(CodeAlphabet, CodeLength)
	if err != nil {
		return nil, fmt.Errorf("room code generator: %w", err)
	}
	return &RoomRegistry{rooms: rooms, msgs: msgs, audit: audit, now: time.Now, newCode: gen}, nil
}

// CreateRoomParams 中 RetentionDays 为 0 时取默认值 30。
type CreateRoomParams struct {
	Name            string
	RetentionDays   int
	MaxParticipants *int
}

// Create 通过拒绝采样生成与所有活跃房间都不冲突的房间码。
// 先查再插；并发创建撞码时由唯一索引拒绝，换一个码重试。
func (r *RoomRegistry) Create(ctx context.Context, owner *models.Session, p CreateRoomParams, origin string) (*models.Room, error) {
	retention := p.RetentionDays
	if retention == 0 {
		retention = DefaultRetentionDays
	}
	if retention < 1 || retention > MaxRetentionDays {
		return nil, invalid("retention_days", "must be between 1 and 365")
	}
	if p.MaxParticipants != nil && *p.MaxParticipants <= 0 {
		return nil, invalid("max_participants", "must be positive")
	}
	name := Sanitize(p.Name, 0)
	if utf8.RuneCountInString(name) > MaxRoomNameLen {
		return nil, invalid("name", fmt.Sprintf("must be at most %d characters", MaxRoomNameLen))
	}

	var ownerID *uint
	if owner != nil {
		id := owner.ID
		ownerID = &id
	}
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := r.newCode()
		taken, err := r.rooms.ActiveCodeExists(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("check room code: %w", err)
		}
		if taken {
			continue
		}
		room := &models.Room{
			Code:            code,
			Name:            name,
			OwnerSessionID:  ownerID,
			RetentionDays:   retention,
			MaxParticipants: p.MaxParticipants,
			IsActive:        true,
			CreatedAt:       r.now(),
		}
		err = r.rooms.CreateRoom(ctx, room)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}
		_ = r.audit.Record(ctx, Entry{
			Kind:      models.AuditRoomCreated,
			SessionID: derefID(ownerID),
			RoomID:    room.ID,
			IPAddress: origin,
			Details:   map[string]any{"room_code": room.Code},
		})
		return room, nil
	}
	return nil, fmt.Errorf("create room: no free code after %d attempts", maxCodeAttempts)
}

// NormalizeCode 房间码不区分大小写。
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GetActive 按房间码查找活跃房间，找不到返回 ErrNotFound。
func (r *RoomRegistry) GetActive(ctx context.Context, code string) (*models.Room, error) {
	room, err := r.rooms.ActiveRoomByCode(ctx, NormalizeCode(code))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	return room, nil
}

// Lookup 查找房间，包括已停用的，优先返回活跃房间。
func (r *RoomRegistry) Lookup(ctx context.Context, code string) (*models.Room, error) {
	room, err := r.rooms.RoomByCode(ctx, NormalizeCode(code))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	return room, nil
}

// Enter 解析待加入的房间。房间不存在时记录带房间码的 room_joined 审计，便于追查扫码行为。
func (r *RoomRegistry) Enter(ctx context.Context, sess *models.Session, code, origin string) (*models.Room, error) {
	room, err := r.GetActive(ctx, code)
	if errors.Is(err, ErrNotFound) {
		var sid uint
		if sess != nil {
			sid = sess.ID
		}
		_ = r.audit.Record(ctx, Entry{
			Kind:      models.AuditRoomJoined,
			SessionID: sid,
			IPAddress: origin,
			Details:   map[string]any{"room_code": NormalizeCode(code), "error": "Room not found"},
		})
	}
	return room, err
}

// RecordJoin 记录一次成功加入。
func (r *RoomRegistry) RecordJoin(ctx context.Context, sess *models.Session, room *models.Room, origin string) {
	_ = r.audit.Record(ctx, Entry{
		Kind:      models.AuditRoomJoined,
		SessionID: sess.ID,
		RoomID:    room.ID,
		IPAddress: origin,
		Details:   map[string]any{"room_code": room.Code},
	})
}

// ParticipantCount 是在房间里发过未删除消息的不同会话数，不是在线连接数。
func (r *RoomRegistry) ParticipantCount(ctx context.Context, room *models.Room) (int64, error) {
	return r.msgs.DistinctSenders(ctx, room.ID)
}

// Join 检查会话能否在房间发言。只有会话的第一条消息会新增参与者，
// 已经发过言的会话即使房间已满也可以继续发言。房间已停用时返回 ErrRoomInactive。
func (r *RoomRegistry) Join(ctx context.Context, room *models.Room, sess *models.Session) error {
	cur, err := r.rooms.ActiveRoomByCode(ctx, room.Code)
	if errors.Is(err, store.ErrNotFound) || (err == nil && cur.ID != room.ID) {
		return ErrRoomInactive
	}
	if err != nil {
		return fmt.Errorf("load room: %w", err)
	}
	if cur.MaxParticipants == nil {
		return nil
	}
	sent, err := r.msgs.HasSent(ctx, cur.ID, sess.ID)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if sent {
		return nil
	}
	n, err := r.msgs.DistinctSenders(ctx, cur.ID)
	if err != nil {
		return fmt.Errorf("count participants: %w", err)
	}
	if n >= int64(*cur.MaxParticipants) {
		return ErrCapacityExceeded
	}
	return nil
}

// Activate 重新启用房间。房间码已被另一个活跃房间占用时返回 ErrCodeInUse。
func (r *RoomRegistry) Activate(ctx context.Context, room *models.Room) error {
	return r.setActive(ctx, room, true)
}

func (r *RoomRegistry) Deactivate(ctx context.Context, room *models.Room) error {
	return r.setActive(ctx, room, false)
}

func (r *RoomRegistry) setActive(ctx context.Context, room *models.Room, active bool) error {
	err := r.rooms.SetRoomActive(ctx, room.ID, active)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return ErrCodeInUse
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("set room active: %w", err)
	}
	room.IsActive = active
	return nil
}

// PurgeBefore 软删除房间内 cutoff 之前的消息，并为该房间写一条带数量的 admin_action 审计。
func (r *RoomRegistry) PurgeBefore(ctx context.Context, room *models.Room, cutoff time.Time, actor string) (int64, error) {
	n, err := r.msgs.SoftDeleteBefore(ctx, room.ID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge room %s: %w", room.Code, err)
	}
	if actor == "" {
		actor = systemActor
	}
	metrics.MessagesPurgedTotal.Add(float64(n))
	_ = r.audit.Record(ctx, Entry{
		Kind:   models.AuditAdminAction,
		RoomID: room.ID,
		Details: map[string]any{
			"action":    "purge_messages",
			"actor":     actor,
			"room_code": room.Code,
			"cutoff":    cutoff.UTC().Format(time.RFC3339),
			"count":     n,
		},
	})
	return n, nil
}

// PurgeResult 是单个房间的清理结果。
type PurgeResult struct {
	RoomCode string    `json:"room_code"`
	Cutoff   time.Time `json:"cutoff"`
	Count    int64     `json:"count"`
}

type PurgeReport struct {
	DryRun bool          `json:"dry_run"`
	Rooms  []PurgeResult `json:"rooms"`
	Total  int64         `json:"total"`
}

// PurgeExpired 按各房间的保留天数清理所有活跃房间，最多 parallel 个房间并发处理。
// dryRun 时只统计将被清理的条数。
func (r *RoomRegistry) PurgeExpired(ctx context.Context, dryRun bool, parallel int) (*PurgeReport, error) {
	rooms, err := r.rooms.ListActiveRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	if parallel <= 0 {
		parallel = 4
	}
	now := r.now()
	report := &PurgeReport{DryRun: dryRun}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i := range rooms {
		room := rooms[i]
		g.Go(func() error {
			cutoff := now.Add(-time.Duration(room.RetentionDays) * 24 * time.Hour)
			var n int64
			var err error
			if dryRun {
				n, err = r.msgs.CountBefore(gctx, room.ID, cutoff)
			} else {
				n, err = r.PurgeBefore(gctx, &room, cutoff, systemActor)
			}
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info().Str("room_code", room.Code).Int64("count", n).Bool("dry_run", dryRun).Msg("purge messages")
			}
			mu.Lock()
			report.Rooms = append(report.Rooms, PurgeResult{RoomCode: room.Code, Cutoff: cutoff, Count: n})
			report.Total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

func (r *RoomRegistry) CountActive(ctx context.Context) (int64, error) {
	return r.rooms.CountActiveRooms(ctx)
}

func derefID(id *uint) uint {
	if id == nil {
		return 0
	}
	return *id
}
