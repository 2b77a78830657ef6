package ws

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Gopher0727/Nyx/internal/apperr"
	"github.com/Gopher0727/Nyx/internal/pipeline"
)

// 客户端 -> 服务端
const (
	EventAuth        = "auth"
	EventSendMessage = "message:send"
	EventTyping      = "message:typing"
	EventChatJoin    = "chat:join"
	EventChatLeave   = "chat:leave"
)

// 服务端 -> 客户端
const (
	EventAuthOK      = "auth:ok"
	EventMessageNew  = pipeline.EventMessageNew
	EventMessageSent = "message:sent"
	EventUserOnline  = "user:online"
	EventUserOffline = "user:offline"
	EventChatCreated = "chat:created"
	EventError       = "error"
)

// Frame 是线上的一帧: {"event": "...", "data": ...}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	// Ref 由客户端填写, 原样带回 ack 与 error
	Ref string `json:"ref,omitempty"`
}

// Inbound 是解析后的客户端事件
type Inbound interface {
	name() string
}

type AuthEvent struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

type SendEvent struct {
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId,omitempty"`
	Content  string `json:"content"`
	// 旧客户端使用 encryptedContent
	EncryptedContent string `json:"encryptedContent,omitempty"`
	Nonce            string `json:"nonce"`
	Type             string `json:"type,omitempty"`
	ReplyTo          string `json:"replyTo,omitempty"`
}

type TypingEvent struct {
	ChatID string `json:"chatId"`
}

type JoinEvent struct {
	ChatID string `json:"chatId"`
}

type LeaveEvent struct {
	ChatID string `json:"chatId"`
}

func (AuthEvent) name() string   { return EventAuth }
func (SendEvent) name() string   { return EventSendMessage }
func (TypingEvent) name() string { return EventTyping }
func (JoinEvent) name() string   { return EventChatJoin }
func (LeaveEvent) name() string  { return EventChatLeave }

// ParseFrame 解析一帧并按事件名解码 data
func ParseFrame(raw []byte) (*Frame, Inbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed frame", apperr.ErrValidation)
	}

	switch f.Event {
	case EventAuth:
		var ev AuthEvent
		if err := decodeData(f.Data, &ev); err != nil {
			return &f, nil, err
		}
		if ev.UserID == "" {
			return &f, nil, fmt.Errorf("%w: userId is required", apperr.ErrValidation)
		}
		return &f, ev, nil

	case EventSendMessage:
		var ev SendEvent
		if err := decodeData(f.Data, &ev); err != nil {
			return &f, nil, err
		}
		if ev.Content == "" {
			ev.Content = ev.EncryptedContent
		}
		return &f, ev, nil

	case EventTyping:
		var ev TypingEvent
		if err := decodeData(f.Data, &ev); err != nil {
			return &f, nil, err
		}
		if ev.ChatID == "" {
			return &f, nil, fmt.Errorf("%w: chatId is required", apperr.ErrValidation)
		}
		return &f, ev, nil

	case EventChatJoin, EventChatLeave:
		chatID, err := decodeChatID(f.Data)
		if err != nil {
			return &f, nil, err
		}
		if f.Event == EventChatJoin {
			return &f, JoinEvent{ChatID: chatID}, nil
		}
		return &f, LeaveEvent{ChatID: chatID}, nil

	case "":
		return &f, nil, fmt.Errorf("%w: event is required", apperr.ErrValidation)
	default:
		return &f, nil, fmt.Errorf("%w: unknown event %q", apperr.ErrValidation, f.Event)
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data is required", apperr.ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed data", apperr.ErrValidation)
	}
	return nil
}

// decodeChatID 同时接受 "chat_1" 与 {"chatId":"chat_1"}
func decodeChatID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		id = strings.TrimSpace(id)
	} else {
		var ev JoinEvent
		if err := decodeData(data, &ev); err != nil {
			return "", err
		}
		id = strings.TrimSpace(ev.ChatID)
	}
	if id == "" {
		return "", fmt.Errorf("%w: chatId is required", apperr.ErrValidation)
	}
	return id, nil
}

// 出站数据

type AuthOK struct {
	UserID string   `json:"userId"`
	ConnID string   `json:"connId"`
	Chats  []string `json:"chats"`
}

type MessageSent struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	Seq       int64  `json:"seq"`
	Timestamp string `json:"timestamp"`
}

type Typing struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func encodeFrame(event, ref string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw, Ref: ref})
}

func errorFrame(event, ref string, err error) []byte {
	b, _ := encodeFrame(EventError, ref, ErrorPayload{
		Code:    apperr.Code(err),
		Message: apperr.Message(err),
		Event:   event,
	})
	return b
}

func encodeData(data any) (json.RawMessage, error) {
	return json.Marshal(data)
}
