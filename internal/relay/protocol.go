package relay

import (
	"encoding/json"
	"time"

	"chatbridge/internal/domain"
)

// Frame types exchanged with the visitor's browser.
const (
	TypeRegister   = "register"
	TypeMessage    = "message"
	TypeError      = "error"
	TypeRegistered = "registered"
)

// ClientFrame is any frame sent by the visitor.
type ClientFrame struct {
	Type    string `json:"type"`
	Email   string `json:"email,omitempty"`
	Message string `json:"message,omitempty"`
	Sender  string `json:"sender,omitempty"`
}

// MessageFrame relays a staff reply to the visitor.
type MessageFrame struct {
	Type      string    `json:"type"`
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorFrame reports a failed registration or delivery to one connection.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RegisteredFrame acknowledges a successful registration.
type RegisteredFrame struct {
	Type        string `json:"type"`
	ChannelID   string `json:"channelId"`
	DisplayName string `json:"displayName"`
	Exists      bool   `json:"exists"`
}

func decodeFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, &domain.ProtocolError{Reason: "malformed frame", Err: err}
	}
	switch f.Type {
	case TypeRegister, TypeMessage:
		return f, nil
	case "":
		return ClientFrame{}, &domain.ProtocolError{Reason: "missing frame type"}
	default:
		return ClientFrame{}, &domain.ProtocolError{Reason: "unknown frame type " + f.Type}
	}
}

func newMessageFrame(ev domain.InboundEvent) MessageFrame {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return MessageFrame{Type: TypeMessage, Sender: ev.AuthorName, Message: ev.Body, Timestamp: ts.UTC()}
}

func newErrorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: msg}
}

func newRegisteredFrame(ch domain.Channel) RegisteredFrame {
	return RegisteredFrame{Type: TypeRegistered, ChannelID: ch.ID, DisplayName: ch.DisplayName, Exists: ch.Exists}
}
