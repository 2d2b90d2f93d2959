// Package events fans out chat events to connected websocket clients so they
// can refresh ahead of their polling cadence. The refresh/markRead contract is
// unchanged; this channel is purely additive.
package events

import (
	"encoding/json"

	"github.com/konfihub/konfichat/core"
	"github.com/konfihub/konfichat/core/chat"
)

// Event is what subscribers receive; payloads stay intentionally thin, the
// client re-fetches through the REST surface.
type Event struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

type broadcast struct {
	room  chat.Room
	event Event
}

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan broadcast
	register   chan *Client
	unregister chan *Client
	logger     core.Logger
}

var _ chat.Notifier = (*Hub)(nil)

func NewHub(logger core.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan broadcast, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case b := <-h.broadcast:
			data, err := json.Marshal(b.event)
			if err != nil {
				h.logger.Error("marshalling event", err)
				continue
			}
			for client := range h.clients {
				if !b.room.HasParticipant(client.actor) {
					continue
				}
				select {
				case client.send <- data:
				default: // slow consumer; drop it
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// MessageCreated implements chat.Notifier. Non-blocking: when the hub is
// saturated the event is dropped, the next poll cycle catches the room up.
func (h *Hub) MessageCreated(room chat.Room, msg chat.Message) {
	select {
	case h.broadcast <- broadcast{room: room, event: Event{Type: "message", RoomID: room.ID}}:
	default:
	}
}
