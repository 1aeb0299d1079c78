package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/service"
	"github.com/vedran77/relay/pkg/apperror"
)

const (
	writeWait      = 10 * time.Second
	requestTimeout = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBufSize    = 256
)

// Dispatcher is the part of the message dispatcher reachable over a socket.
type Dispatcher interface {
	Send(ctx context.Context, senderID string, recipients []string, content string, opts service.SendOptions) (*domain.Message, error)
	MarkMessagesAsRead(ctx context.Context, userID string, ids []uuid.UUID) ([]uuid.UUID, error)
	AuthorizeListener(ctx context.Context, userID string, channelID uuid.UUID) error
}

// Client represents a single WebSocket connection.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	userID     string
	dispatcher Dispatcher
	logger     zerolog.Logger

	// subscribedChannels tracks which channels this client listens to.
	subscribedChannels map[uuid.UUID]struct{}
	mu                 sync.RWMutex

	send chan []byte
	done chan struct{}
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, dispatcher Dispatcher, logger zerolog.Logger) *Client {
	conn.SetReadLimit(maxMessageSize)
	return &Client{
		hub:                hub,
		conn:               conn,
		userID:             userID,
		dispatcher:         dispatcher,
		logger:             logger.With().Str("user_id", userID).Logger(),
		subscribedChannels: make(map[uuid.UUID]struct{}),
		send:               make(chan []byte, sendBufSize),
		done:               make(chan struct{}),
	}
}

// IsSubscribed checks if this client is subscribed to a channel.
func (c *Client) IsSubscribed(channelID uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscribedChannels[channelID]
	return ok
}

func (c *Client) Subscribe(channelID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribedChannels[channelID] = struct{}{}
}

func (c *Client) Unsubscribe(channelID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribedChannels, channelID)
}

// ReadPump reads events from the WebSocket until it closes or ctx ends.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var event Event
		err := wsjson.Read(ctx, c.conn, &event)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				c.logger.Debug().Msg("client disconnected")
			} else {
				c.logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		c.handleEvent(ctx, &event)
	}
}

// WritePump writes queued events to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.logger.Warn().Err(err).Msg("write error")
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.logger.Warn().Err(err).Msg("ping error")
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleEvent routes an incoming client event.
func (c *Client) handleEvent(ctx context.Context, event *Event) {
	switch event.Type {
	case EventTypeChannelSubscribe:
		var p ChannelPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			c.sendError("INVALID_PAYLOAD", "invalid channel.subscribe payload", "")
			return
		}
		c.handleListen(ctx, p.ChannelID)

	case EventTypeChannelUnsubscribe:
		var p ChannelPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			c.sendError("INVALID_PAYLOAD", "invalid channel.unsubscribe payload", "")
			return
		}
		c.Unsubscribe(p.ChannelID)

	case EventTypeMessageSend:
		c.handleSend(ctx, event)

	case EventTypeMessageRead:
		c.handleRead(ctx, event)

	case EventTypePing:
		c.queue(&Event{Type: EventTypePong})

	default:
		c.sendError("UNKNOWN_EVENT", "unknown event type: "+event.Type, "")
	}
}

// handleListen starts delivering a channel's events to this connection once
// the user is allowed to see them.
func (c *Client) handleListen(ctx context.Context, channelID uuid.UUID) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if err := c.dispatcher.AuthorizeListener(ctx, c.userID, channelID); err != nil {
		if apperror.Is(err, apperror.CodeUnavailable) {
			c.logger.Error().Err(err).Str("channel_id", channelID.String()).Msg("listen check failed")
		}
		c.sendError(string(apperror.CodeOf(err)), err.Error(), "")
		return
	}
	c.Subscribe(channelID)
	c.logger.Debug().Str("channel_id", channelID.String()).Msg("listening on channel")
}

func (c *Client) handleSend(ctx context.Context, event *Event) {
	var p MessageSendPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		c.sendError("INVALID_PAYLOAD", "invalid message.send payload", "")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	opts := service.SendOptions{
		Type:     domain.MessageType(p.Type),
		Channel:  p.Channel,
		Metadata: p.Metadata,
	}
	if opts.Channel == "" && event.ChannelID != nil {
		opts.Channel = event.ChannelID.String()
	}

	msg, err := c.dispatcher.Send(ctx, c.userID, p.Recipients, p.Content, opts)
	if msg == nil {
		c.sendError(string(apperror.CodeOf(err)), err.Error(), p.Nonce)
		return
	}

	ack := AckPayload{Nonce: p.Nonce, MessageID: &msg.ID}
	if err != nil {
		ack.Warning = err.Error()
	}
	evt, err := NewEvent(EventTypeAck, msg.ChannelID, ack)
	if err != nil {
		return
	}
	c.queue(evt)
}

func (c *Client) handleRead(ctx context.Context, event *Event) {
	var p MessageReadPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		c.sendError("INVALID_PAYLOAD", "invalid message.read payload", "")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if _, err := c.dispatcher.MarkMessagesAsRead(ctx, c.userID, p.MessageIDs); err != nil {
		c.sendError(string(apperror.CodeOf(err)), err.Error(), "")
	}
}

// queue hands an event to the write pump, dropping it if the buffer is full.
func (c *Client) queue(evt *Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(code, message, nonce string) {
	evt, err := NewEvent(EventTypeError, nil, ErrorPayload{Code: code, Message: message, Nonce: nonce})
	if err != nil {
		return
	}
	c.queue(evt)
}
