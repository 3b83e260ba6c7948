package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/epubpress/courier/internal/model"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	actionPing = "ping"
	actionPong = "pong"

	sendBuffer   = 256
	pingInterval = 30 * time.Second
)

// Submitter starts a publish orchestration for an inbound download request
type Submitter interface {
	Submit(ctx context.Context, req *model.PublishRequest) (model.PublishAccepted, error)
}

// Client is one connected observer
type Client struct {
	ID   string
	Send chan []byte
}

type envelope struct {
	client *Client
	data   []byte
}

// Hub fans notifications out to every connected client and turns inbound
// download messages into submissions.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	unicast    chan envelope
	done       chan struct{}

	submitter Submitter
	validator *validator.Validate
	log       *zap.Logger
}

func NewHub(submitter Submitter, v *validator.Validate, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, sendBuffer),
		unicast:    make(chan envelope, sendBuffer),
		done:       make(chan struct{}),
		submitter:  submitter,
		validator:  v,
		log:        log.Named("ws"),
	}
}

// SetSubmitter wires the orchestrator after construction, since the
// orchestrator itself notifies through the hub.
func (h *Hub) SetSubmitter(s Submitter) {
	h.submitter = s
}

// Run owns the client set until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.Send)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("client registered", zap.String("client", client.ID), zap.Int("clients", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.log.Debug("client unregistered", zap.String("client", client.ID))

		case msg := <-h.broadcast:
			for client := range h.clients {
				h.deliver(client, msg)
			}

		case env := <-h.unicast:
			if h.clients[env.client] {
				h.deliver(env.client, env.data)
			}
		}
	}
}

// deliver must only be called from Run
func (h *Hub) deliver(client *Client, msg []byte) {
	select {
	case client.Send <- msg:
	default:
		h.log.Warn("dropping slow client", zap.String("client", client.ID))
		close(client.Send)
		delete(h.clients, client)
	}
}

// Register adds a client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Notify broadcasts n to every client. It never blocks the orchestrator: a
// full broadcast queue drops the message.
func (h *Hub) Notify(_ context.Context, n model.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		h.log.Error("failed to marshal notification", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("broadcast queue full, notification dropped", zap.String("action", n.Action))
	}
}

// handleMessage processes one inbound frame from client
func (h *Hub) handleMessage(ctx context.Context, client *Client, raw []byte) {
	var msg model.InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.log.Debug("ignoring malformed frame", zap.String("client", client.ID), zap.Error(err))
		return
	}

	switch msg.Action {
	case actionPing:
		h.reply(client, map[string]string{"action": actionPong})

	case model.ActionDownload:
		if msg.Book == nil {
			h.reply(client, model.DownloadFailed(model.ErrorKindPublish, "Missing book."))
			return
		}
		if err := h.validator.Struct(msg.Book); err != nil {
			h.reply(client, model.DownloadFailed(model.ErrorKindPublish, "Invalid book: "+err.Error()))
			return
		}
		if h.submitter == nil {
			h.reply(client, model.DownloadFailed(model.ErrorKindPublish, "Publishing unavailable."))
			return
		}
		accepted, err := h.submitter.Submit(ctx, msg.Book)
		if err != nil {
			h.log.Error("submit from websocket failed", zap.String("client", client.ID), zap.Error(err))
			h.reply(client, model.DownloadFailed(model.ErrorKindPublish, err.Error()))
			return
		}
		h.log.Info("publish requested over websocket",
			zap.String("client", client.ID),
			zap.String("orchestrationId", accepted.OrchestrationID),
			zap.Bool("replaced", accepted.Replaced))

	default:
		h.log.Debug("ignoring unknown action", zap.String("action", msg.Action))
	}
}

// reply sends v to client only
func (h *Hub) reply(client *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to marshal reply", zap.Error(err))
		return
	}
	select {
	case h.unicast <- envelope{client: client, data: data}:
	case <-h.done:
	}
}

// HandleConnection serves a websocket connection until it closes
func (h *Hub) HandleConnection(c *websocket.Conn) {
	client := &Client{
		ID:   uuid.NewString(),
		Send: make(chan []byte, sendBuffer),
	}

	if !h.Register(client) {
		_ = c.WriteMessage(websocket.CloseMessage, []byte{})
		return
	}
	defer h.Unregister(client)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	ctx := context.Background()
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", zap.String("client", client.ID), zap.Error(err))
			}
			break
		}
		h.handleMessage(ctx, client, message)
	}
}
