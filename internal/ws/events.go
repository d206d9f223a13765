package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"rentsync/internal/errs"
)

// Client events.
const (
	EventAuthenticate           = "authenticate"
	EventJoinChat               = "join-chat"
	EventLeaveChat              = "leave-chat"
	EventSubscribeProperty      = "subscribe-property"
	EventUnsubscribeProperty    = "unsubscribe-property"
	EventSubscribeNotifications = "subscribe-notifications"
	EventSendMessage            = "send-message"
	EventPrivateMessage         = "private-message"
)

// Server events.
const (
	EventAuthenticated    = "authenticated"
	EventPrivateMessageTo = "private_message"
	EventNotification     = "notification"
	EventNewMessage       = "new-message"
	EventPropertyUpdate   = "property-update"
	EventBookingUpdate    = "booking-update"
	EventBroadcastMessage = "broadcast_message"
)

// Bus topics owned by the gateway.
const (
	TopicChat      = "chat"
	TopicDirect    = "direct"
	TopicBroadcast = "broadcast"
)

// Frame is the wire form of every message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ID is an entity identifier that clients may send as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// inbound is implemented by every client event.
type inbound interface {
	validate() error
}

type AuthenticateRequest struct {
	Token string `json:"token"`
	App   string `json:"app,omitempty"`
}

type JoinChat struct {
	ChatID ID `json:"chatId"`
}

type LeaveChat struct {
	ChatID ID `json:"chatId"`
}

type SubscribeProperty struct {
	PropertyID ID `json:"propertyId"`
}

type UnsubscribeProperty struct {
	PropertyID ID `json:"propertyId"`
}

type SubscribeNotifications struct {
	UserID ID `json:"userId"`
}

type SendMessage struct {
	ChatID  ID              `json:"chatId"`
	Message json.RawMessage `json:"message"`
}

type PrivateMessageRequest struct {
	To         ID              `json:"to"`
	Message    json.RawMessage `json:"message"`
	PropertyID ID              `json:"propertyId,omitempty"`
}

func (AuthenticateRequest) validate() error { return nil }

func (m JoinChat) validate() error               { return required("chatId", m.ChatID) }
func (m LeaveChat) validate() error              { return required("chatId", m.ChatID) }
func (m SubscribeProperty) validate() error      { return required("propertyId", m.PropertyID) }
func (m UnsubscribeProperty) validate() error    { return required("propertyId", m.PropertyID) }
func (m SubscribeNotifications) validate() error { return required("userId", m.UserID) }

func (m SendMessage) validate() error {
	if err := required("chatId", m.ChatID); err != nil {
		return err
	}
	if len(m.Message) == 0 {
		return fmt.Errorf("%w: message is required", errs.ErrInvalidFrame)
	}
	return nil
}

func (m PrivateMessageRequest) validate() error {
	if err := required("to", m.To); err != nil {
		return err
	}
	if len(m.Message) == 0 {
		return fmt.Errorf("%w: message is required", errs.ErrInvalidFrame)
	}
	return nil
}

func required(field string, v ID) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", errs.ErrInvalidFrame, field)
	}
	return nil
}

// parseInbound decodes a client frame into its typed event.
func parseInbound(raw []byte) (inbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidFrame, err)
	}

	var msg inbound
	switch f.Event {
	case EventAuthenticate:
		msg = &AuthenticateRequest{}
	case EventJoinChat:
		msg = &JoinChat{}
	case EventLeaveChat:
		msg = &LeaveChat{}
	case EventSubscribeProperty:
		msg = &SubscribeProperty{}
	case EventUnsubscribeProperty:
		msg = &UnsubscribeProperty{}
	case EventSubscribeNotifications:
		msg = &SubscribeNotifications{}
	case EventSendMessage:
		msg = &SendMessage{}
	case EventPrivateMessage:
		msg = &PrivateMessageRequest{}
	default:
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownEvent, f.Event)
	}

	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errs.ErrInvalidFrame, f.Event, err)
		}
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Outbound is implemented by every server event.
type Outbound interface {
	EventName() string
}

type Authenticated struct {
	UserID string `json:"userId"`
	App    string `json:"app,omitempty"`
	ConnID string `json:"connId"`
}

type PrivateMessage struct {
	From       string          `json:"from"`
	Message    json.RawMessage `json:"message"`
	PropertyID string          `json:"propertyId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

type Notification struct {
	From      string          `json:"from,omitempty"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage is the room form of a chat message.
type NewMessage struct {
	ChatID    string          `json:"chatId"`
	From      string          `json:"from"`
	Message   json.RawMessage `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

type PropertyUpdate struct {
	PropertyID string          `json:"propertyId"`
	Data       json.RawMessage `json:"data,omitempty"`
	Operation  string          `json:"operation"`
}

type BookingUpdate struct {
	BookingID string          `json:"bookingId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Operation string          `json:"operation"`
}

type BroadcastMessage struct {
	Message   json.RawMessage `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

func (Authenticated) EventName() string    { return EventAuthenticated }
func (PrivateMessage) EventName() string   { return EventPrivateMessageTo }
func (Notification) EventName() string     { return EventNotification }
func (NewMessage) EventName() string       { return EventNewMessage }
func (PropertyUpdate) EventName() string   { return EventPropertyUpdate }
func (BookingUpdate) EventName() string    { return EventBookingUpdate }
func (BroadcastMessage) EventName() string { return EventBroadcastMessage }

// EncodeFrame renders ev in its wire form.
func EncodeFrame(ev Outbound) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.EventName(), err)
	}
	return json.Marshal(Frame{Event: ev.EventName(), Data: data})
}

// Bus payloads.

// ChatPosted is published on TopicChat for every send-message.
type ChatPosted struct {
	ChatID    string          `json:"chatId"`
	From      string          `json:"from"`
	ConnID    string          `json:"connId"`
	Message   json.RawMessage `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// DirectEnvelope carries a direct delivery another instance may be able to make.
type DirectEnvelope struct {
	UserID string          `json:"userId"`
	Frame  json.RawMessage `json:"frame"`
}

// BroadcastEnvelope carries a broadcast to the other instances.
type BroadcastEnvelope struct {
	App   string          `json:"app,omitempty"`
	Frame json.RawMessage `json:"frame"`
}
