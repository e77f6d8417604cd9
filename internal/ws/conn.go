package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"roomchat/internal/bus"
	"roomchat/internal/metrics"
	"roomchat/internal/models"
	"roomchat/internal/protocol"
	"roomchat/internal/service"
)

// State 是连接的生命周期阶段。
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var errConnClosed = errors.New("ws: connection closed")

// Conn 是一条网关连接。token、nickname、room 在加入后不再变化。
type Conn struct {
	gw     *Gateway
	ws     *websocket.Conn
	origin string

	session  *models.Session
	token    string
	nickname string
	room     *models.Room
	sub      bus.Subscription
	send     chan []byte

	mu    sync.Mutex
	state State

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(g *Gateway, ws *websocket.Conn, origin string) *Conn {
	ctx, cancel := context.WithCancel(g.ctx)
	return &Conn{
		gw:     g,
		ws:     ws,
		origin: origin,
		send:   make(chan []byte, g.cfg.SendBuffer),
		state:  StateConnecting,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// authenticate 校验会话与房间，任一失败返回 false，由调用方关闭连接。
func (c *Conn) authenticate(token, code string) bool {
	sess, err := c.gw.sessions.Validate(c.ctx, token)
	if err != nil {
		log.Error().Err(err).Msg("ws validate session")
		return false
	}
	if sess == nil {
		c.gw.auditBanEnforced(c.ctx, token, code, 0, c.origin, "handshake")
		return false
	}
	c.session, c.token, c.nickname = sess, sess.Token, sess.Nickname

	c.mu.Lock()
	c.state = StateAuthenticated
	c.mu.Unlock()

	room, err := c.gw.rooms.Enter(c.ctx, sess, code, c.origin)
	if err != nil {
		if !errors.Is(err, service.ErrNotFound) {
			log.Error().Err(err).Str("room", code).Msg("ws load room")
		}
		return false
	}
	c.room = room
	return true
}

// join 订阅房间 topic 并登记到本地索引。与 close 互斥，已关闭的连接不会再登记。
func (c *Conn) join() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return errConnClosed
	}
	sub, err := c.gw.bus.Subscribe(c.ctx, bus.RoomTopic(c.room.Code))
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.sub = sub
	c.gw.hub.add(c.room.Code, c)
	c.state = StateJoined
	metrics.WsConnections.Inc()
	c.gw.rooms.RecordJoin(c.ctx, c.session, c.room, c.origin)
	log.Debug().Uint("session_id", c.session.ID).Str("room", c.room.Code).Msg("ws joined")
	return nil
}

func (c *Conn) run() {
	go c.writePump()
	go c.deliver()
	c.readPump()
}

// close 在所有退出路径上执行一次：退订、移出索引、发送关闭帧。
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.state = StateClosed
		c.mu.Unlock()

		c.cancel()
		if c.sub != nil {
			_ = c.sub.Close()
		}
		if prev == StateJoined {
			c.gw.hub.remove(c.room.Code, c)
			metrics.WsConnections.Dec()
		}
		_ = c.ws.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(c.gw.cfg.WriteWait))
		_ = c.ws.Close()
	})
}

func (c *Conn) readPump() {
	cfg := c.gw.cfg
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Str("room", c.room.Code).Msg("ws read")
			}
			return
		}
		in, err := protocol.DecodeInbound(data)
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			c.replyError("Unknown message type")
			continue
		case err != nil:
			c.replyError("Invalid message format")
			continue
		}
		switch ev := in.(type) {
		case protocol.ChatIn:
			if !c.handleChat(ev) {
				return
			}
		case protocol.TypingIn:
			c.handleTyping(ev)
		}
	}
}

// handleChat 返回 false 表示会话已失效，连接需要关闭。
func (c *Conn) handleChat(in protocol.ChatIn) bool {
	if err := service.ValidateContent(in.Content); err != nil {
		c.replyError("Invalid message content")
		return true
	}
	sess, err := c.gw.sessions.Validate(c.ctx, c.token)
	if err != nil {
		log.Error().Err(err).Str("room", c.room.Code).Msg("ws revalidate session")
		c.replyError("Failed to send message")
		return true
	}
	if sess == nil {
		log.Info().Uint("session_id", c.session.ID).Msg("session no longer active, closing")
		c.gw.auditBanEnforced(c.ctx, c.token, c.room.Code, c.room.ID, c.origin, "message")
		return false
	}
	c.session = sess

	if !c.gw.AllowSend(c.ctx, sess, c.room, c.origin, "websocket") {
		c.replyError("Rate limit exceeded. Please slow down.")
		return true
	}
	if _, err := c.gw.messages.Accept(c.ctx, sess, c.room, in.Content, c.origin); err != nil {
		switch {
		case errors.Is(err, service.ErrCapacityExceeded):
			c.replyError("Room is full")
		case errors.Is(err, service.ErrRoomInactive):
			c.replyError("Room is no longer active")
		case service.IsValidation(err):
			c.replyError("Invalid message content")
		default:
			log.Error().Err(err).Str("room", c.room.Code).Msg("accept message")
			c.replyError("Failed to send message")
		}
		return true
	}
	metrics.WsMessagesTotal.Inc()
	return true
}

func (c *Conn) handleTyping(in protocol.TypingIn) {
	payload := protocol.MustEncode(protocol.Typing{Nickname: c.nickname, IsTyping: in.IsTyping})
	if err := c.gw.bus.Publish(c.ctx, bus.RoomTopic(c.room.Code), payload); err != nil {
		metrics.BusPublishErrors.WithLabelValues(protocol.TypeTyping).Inc()
		log.Warn().Err(err).Str("room", c.room.Code).Msg("publish typing")
	}
}

func (c *Conn) replyError(msg string) {
	c.enqueue(protocol.MustEncode(protocol.Error{Message: msg}))
}

// deliver 把总线消息转入发送队列。订阅被撤销（慢消费者）时连接随之关闭。
func (c *Conn) deliver() {
	defer c.close()
	for payload := range c.sub.C() {
		if c.ownTyping(payload) {
			continue
		}
		if !c.enqueue(payload) {
			return
		}
	}
}

func (c *Conn) ownTyping(payload []byte) bool {
	ev, err := protocol.DecodeOutbound(payload)
	if err != nil {
		return false
	}
	t, ok := ev.(protocol.Typing)
	return ok && t.Nickname == c.nickname
}

// enqueue 不阻塞；队列满说明客户端读得太慢，直接断开。
func (c *Conn) enqueue(b []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		metrics.WsSlowConsumers.Inc()
		log.Warn().Str("room", c.room.Code).Msg("send queue full, closing slow consumer")
		c.close()
		return false
	}
}

func (c *Conn) writePump() {
	cfg := c.gw.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.ctx.Done():
			return
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
