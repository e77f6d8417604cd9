// Package protocol 定义网关与客户端之间的 JSON 帧。入站与出站事件都是封闭的带标签联合体，
// 未知类型在解码阶段即被拒绝。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 帧类型标签。
const (
	TypeChatMessage = "chat_message"
	TypeTyping      = "typing"
	TypeError       = "error"
)

var (
	ErrMalformed   = errors.New("protocol: malformed frame")
	ErrUnknownType = errors.New("protocol: unknown frame type")
)

// Inbound 是客户端可以发送的事件，只有 ChatIn 与 TypingIn 两种实现。
type Inbound interface {
	inbound()
}

type ChatIn struct {
	Content string
}

type TypingIn struct {
	IsTyping bool
}

func (ChatIn) inbound()   {}
func (TypingIn) inbound() {}

type envelope struct {
	Type     string          `json:"type"`
	Content  *string         `json:"content,omitempty"`
	IsTyping *bool           `json:"is_typing,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Nickname string          `json:"nickname,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// DecodeInbound 解析一帧客户端数据。客户端附带的 timestamp 等多余字段被忽略。
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeChatMessage:
		if env.Content == nil {
			return nil, fmt.Errorf("%w: missing content", ErrMalformed)
		}
		return ChatIn{Content: *env.Content}, nil
	case TypeTyping:
		typing := false
		if env.IsTyping != nil {
			typing = *env.IsTyping
		}
		return TypingIn{IsTyping: typing}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Outbound 是服务端推送给客户端的事件。
type Outbound interface {
	outbound()
}

// ChatMessage 的 ID 与 Timestamp 以服务端为准。
type ChatMessage struct {
	ID              uint      `json:"id"`
	SessionNickname string    `json:"session_nickname"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
}

type Typing struct {
	Nickname string `json:"nickname"`
	IsTyping bool   `json:"is_typing"`
}

type Error struct {
	Message string `json:"message"`
}

func (ChatMessage) outbound() {}
func (Typing) outbound()      {}
func (Error) outbound()       {}

// Encode 把出站事件编码为一帧。
func Encode(ev Outbound) ([]byte, error) {
	switch e := ev.(type) {
	case ChatMessage:
		return json.Marshal(struct {
			Type string      `json:"type"`
			Data ChatMessage `json:"data"`
		}{TypeChatMessage, e})
	case Typing:
		return json.Marshal(struct {
			Type string `json:"type"`
			Typing
		}{TypeTyping, e})
	case Error:
		return json.Marshal(struct {
			Type string `json:"type"`
			Error
		}{TypeError, e})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, ev)
	}
}

// MustEncode 用于编码不会失败的固定事件。
func MustEncode(ev Outbound) []byte {
	b, err := Encode(ev)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeOutbound 解析总线上收到的出站帧，网关据此决定是否推送。
func DecodeOutbound(data []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeChatMessage:
		var m ChatMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil
	case TypeTyping:
		t := Typing{Nickname: env.Nickname}
		if env.IsTyping != nil {
			t.IsTyping = *env.IsTyping
		}
		return t, nil
	case TypeError:
		return Error{Message: env.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
