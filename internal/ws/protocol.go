package ws

import (
	"encoding/json"

	"github.com/afk-console/backend/internal/eventlog"
	"github.com/afk-console/backend/internal/protocol"
	"github.com/afk-console/backend/internal/session"
)

type MessageType string

// Server to client.
const (
	MsgHello      MessageType = "hello"
	MsgSessions   MessageType = "sessions"
	MsgLog        MessageType = "log"
	MsgDeviceCode MessageType = "deviceCode"
	MsgLogs       MessageType = "logs"
	MsgAuthDone   MessageType = "authDone"
	MsgAuthError  MessageType = "authError"
	MsgError      MessageType = "error"
)

// Client to server.
const (
	MsgSubscribe  MessageType = "subscribe"
	MsgSpawn      MessageType = "spawn"
	MsgChat       MessageType = "chat"
	MsgDisconnect MessageType = "disconnect"
	MsgRemove     MessageType = "remove"
	MsgList       MessageType = "list"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// inboundMessage is a client message before its payload is decoded.
type inboundMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type HelloPayload struct {
	MaxSessions int `json:"maxSessions"`
}

type SessionsPayload struct {
	Sessions []session.Summary `json:"sessions"`
}

type LogPayload struct {
	AccountID string         `json:"accountId"`
	Entry     eventlog.Entry `json:"entry"`
}

type DeviceCodePayload struct {
	AccountID string `json:"accountId,omitempty"`
	protocol.DeviceCode
}

type LogsPayload struct {
	AccountID string           `json:"accountId"`
	Entries   []eventlog.Entry `json:"entries"`
}

type AuthDonePayload struct{}

type ErrorPayload struct {
	Message string `json:"message"`
}

type SubscribePayload struct {
	All      bool     `json:"all"`
	Accounts []string `json:"accounts"`
}

type ChatPayload struct {
	AccountID string `json:"accountId"`
	Text      string `json:"text"`
}

// AccountPayload addresses one session; disconnect, remove and logs use it.
type AccountPayload struct {
	AccountID string `json:"accountId"`
}
