package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vedran77/relay/internal/logging"
)

// Hub manages all active WebSocket clients and routes events to them.
// Only the Run goroutine touches the client set.
type Hub struct {
	// clients maps userID → that user's connections.
	clients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMsg
	stopped    chan struct{}

	logger zerolog.Logger
}

// broadcastMsg reaches clients subscribed to channelID and every connection
// of the listed users. With neither set it reaches everyone.
type broadcastMsg struct {
	channelID *uuid.UUID
	userIDs   []string
	data      []byte
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMsg, 256),
		stopped:    make(chan struct{}),
		logger:     logging.Component(logger, "ws_hub"),
	}
}

// Run is the Hub's event loop. It returns when ctx is done, after closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.clients {
				for c := range conns {
					h.drop(c)
				}
			}
			return

		case client := <-h.register:
			conns, ok := h.clients[client.userID]
			if !ok {
				conns = make(map[*Client]struct{})
				h.clients[client.userID] = conns
			}
			conns[client] = struct{}{}
			h.logger.Debug().Str("user_id", client.userID).Int("users", len(h.clients)).Msg("client connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client.userID][client]; ok {
				h.drop(client)
				h.logger.Debug().Str("user_id", client.userID).Int("users", len(h.clients)).Msg("client disconnected")
			}

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *broadcastMsg) {
	targeted := make(map[string]struct{}, len(msg.userIDs))
	for _, id := range msg.userIDs {
		targeted[id] = struct{}{}
	}
	everyone := msg.channelID == nil && len(msg.userIDs) == 0

	for userID, conns := range h.clients {
		_, isTarget := targeted[userID]
		for client := range conns {
			if !everyone && !isTarget && (msg.channelID == nil || !client.IsSubscribed(*msg.channelID)) {
				continue
			}
			select {
			case client.send <- msg.data:
			default:
				h.logger.Warn().Str("user_id", userID).Msg("client buffer full, disconnecting")
				h.drop(client)
			}
		}
	}
}

func (h *Hub) drop(c *Client) {
	conns := h.clients[c.userID]
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.done)
}

// Broadcast sends an event to channel listeners and to the given users.
// A user matched both ways receives it once.
func (h *Hub) Broadcast(channelID *uuid.UUID, userIDs []string, event *Event) {
	h.enqueue(&broadcastMsg{channelID: channelID, userIDs: userIDs}, event)
}

// enqueue never blocks; events are dropped when the hub is saturated.
func (h *Hub) enqueue(msg *broadcastMsg, event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("marshal error")
		return
	}
	msg.data = data
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn().Str("type", event.Type).Msg("hub backlog full, event dropped")
	}
}
