// Package fanout turns bus events into websocket deliveries.
package fanout

import (
	"context"
	"encoding/json"
	"slices"

	"rentsync/internal/bridge"
	"rentsync/internal/bus"
	"rentsync/internal/ws"

	"go.uber.org/zap"
)

// Topics names the bus topics carrying store changes.
type Topics struct {
	Properties  string
	Bookings    string
	// SharedStore is set when every instance watches the same store. Each
	// instance then publishes every change itself, so only its own copy
	// is delivered.
	SharedStore bool
}

// Wire subscribes the gateway to every topic it delivers from and returns a
// function that removes all the subscriptions.
//
// Room topics also take this instance's own events: rooms are only ever
// filled from the bus. Direct and broadcast events are delivered locally by
// the sender, so only other instances' copies are handled here. With a shared
// store every instance publishes each change, so store topics take only the
// own instance's copy.
func Wire(b *bus.Bus, g *ws.Gateway, topics Topics, logger *zap.Logger) func() {
	f := &fanout{gateway: g, logger: logger.Named("fanout")}

	unsubs := []func(){
		b.Subscribe(ws.TopicChat, f.chat, bus.WithLocal()),
		b.Subscribe(ws.TopicDirect, f.direct),
		b.Subscribe(ws.TopicBroadcast, f.broadcast),
	}
	store := bus.WithLocal()
	if topics.SharedStore {
		store = bus.LocalOnly()
	}
	if topics.Properties != "" {
		unsubs = append(unsubs, b.Subscribe(topics.Properties, f.property, store))
	}
	if topics.Bookings != "" {
		unsubs = append(unsubs, b.Subscribe(topics.Bookings, f.booking, store))
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

type fanout struct {
	gateway *ws.Gateway
	logger  *zap.Logger
}

func (f *fanout) chat(_ context.Context, ev bus.Event) error {
	var p ws.ChatPosted
	if err := ev.Decode(&p); err != nil {
		return err
	}
	msg := ws.NewMessage{ChatID: p.ChatID, From: p.From, Message: p.Message, Timestamp: p.Timestamp}
	f.gateway.EmitToRoom(ws.ChatRoom(p.ChatID), msg, p.ConnID)
	return nil
}

func (f *fanout) direct(_ context.Context, ev bus.Event) error {
	var env ws.DirectEnvelope
	if err := ev.Decode(&env); err != nil {
		return err
	}
	f.gateway.DeliverLocal(env.UserID, env.Frame)
	return nil
}

func (f *fanout) broadcast(_ context.Context, ev bus.Event) error {
	var env ws.BroadcastEnvelope
	if err := ev.Decode(&env); err != nil {
		return err
	}
	f.gateway.BroadcastLocal(env.Frame, env.App)
	return nil
}

func (f *fanout) property(_ context.Context, ev bus.Event) error {
	var c bridge.Change
	if err := ev.Decode(&c); err != nil {
		return err
	}
	update := ws.PropertyUpdate{PropertyID: c.ID, Data: c.Document, Operation: string(c.Operation)}
	f.gateway.EmitToRoom(ws.PropertyRoom(c.ID), update)
	return nil
}

// parties are the users a booking concerns. Stores differ in key style.
type parties struct {
	TenantID        ws.ID `json:"tenantId"`
	LandlordID      ws.ID `json:"landlordId"`
	TenantIDSnake   ws.ID `json:"tenant_id"`
	LandlordIDSnake ws.ID `json:"landlord_id"`
}

func (p parties) users() []string {
	var out []string
	for _, id := range []ws.ID{p.TenantID, p.TenantIDSnake, p.LandlordID, p.LandlordIDSnake} {
		if id != "" && !slices.Contains(out, string(id)) {
			out = append(out, string(id))
		}
	}
	return out
}

func (f *fanout) booking(_ context.Context, ev bus.Event) error {
	var c bridge.Change
	if err := ev.Decode(&c); err != nil {
		return err
	}
	var p parties
	if len(c.Document) > 0 {
		if err := json.Unmarshal(c.Document, &p); err != nil {
			return err
		}
	}

	users := p.users()
	if len(users) == 0 {
		f.logger.Debug("booking change without parties", zap.String("booking_id", c.ID), zap.String("operation", string(c.Operation)))
		return nil
	}
	update := ws.BookingUpdate{BookingID: c.ID, Data: c.Document, Operation: string(c.Operation)}
	for _, userID := range users {
		f.gateway.EmitToRoom(ws.UserRoom(userID), update)
	}
	return nil
}
