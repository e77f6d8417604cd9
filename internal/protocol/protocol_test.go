package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Inbound
		wantErr error
	}{
		{"chat", `{"type":"chat_message","content":"hi"}`, ChatIn{Content: "hi"}, nil},
		{"chat ignores client timestamp", `{"type":"chat_message","content":"hi","timestamp":"2020-01-01T00:00:00Z"}`, ChatIn{Content: "hi"}, nil},
		{"typing on", `{"type":"typing","is_typing":true}`, TypingIn{IsTyping: true}, nil},
		{"typing default off", `{"type":"typing"}`, TypingIn{}, nil},
		{"chat without content", `{"type":"chat_message"}`, nil, ErrMalformed},
		{"not json", `hello`, nil, ErrMalformed},
		{"missing type", `{"content":"x"}`, nil, ErrMalformed},
		{"wrong field type", `{"type":"chat_message","content":5}`, nil, ErrMalformed},
		{"unknown type", `{"type":"join"}`, nil, ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.in))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeInbound() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeInbound() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeInbound() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEncode_Shapes(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		ev   Outbound
		want map[string]any
	}{
		{
			name: "chat message nests data",
			ev:   ChatMessage{ID: 7, SessionNickname: "ann", Content: "hi", Timestamp: ts},
			want: map[string]any{
				"type": "chat_message",
				"data": map[string]any{"id": float64(7), "session_nickname": "ann", "content": "hi", "timestamp": "2024-05-01T10:00:00Z"},
			},
		},
		{
			name: "typing is flat",
			ev:   Typing{Nickname: "ann", IsTyping: false},
			want: map[string]any{"type": "typing", "nickname": "ann", "is_typing": false},
		},
		{
			name: "error",
			ev:   Error{Message: "boom"},
			want: map[string]any{"type": "error", "message": "boom"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.ev)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(b, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			gb, _ := json.Marshal(got)
			wb, _ := json.Marshal(tt.want)
			if string(gb) != string(wb) {
				t.Errorf("Encode() = %s, want %s", gb, wb)
			}
		})
	}
}

func TestDecodeOutbound_RoundTripsTyping(t *testing.T) {
	b := MustEncode(Typing{Nickname: "bob", IsTyping: true})
	ev, err := DecodeOutbound(b)
	if err != nil {
		t.Fatalf("DecodeOutbound() error = %v", err)
	}
	if ev != (Typing{Nickname: "bob", IsTyping: true}) {
		t.Errorf("DecodeOutbound() = %#v", ev)
	}
	if _, err := DecodeOutbound([]byte(`{"type":"nope"}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("DecodeOutbound(unknown) error = %v, want ErrUnknownType", err)
	}
}
