package channel

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type outbound struct {
	token   string
	payload []byte
}

// Hub owns all live websocket connections, keyed by channel token. It
// implements Notifier: engines hand it a token and a payload and the
// hub routes to whichever connection presented that token, if any.
type Hub struct {
	log    *log.Logger
	issuer *TokenIssuer

	clients        map[string]*Client
	registerChan   chan *Client
	deregisterChan chan *Client
	sendChan       chan outbound
	stop           chan struct{}
	done           chan struct{}
}

func NewHub(logger *log.Logger, issuer *TokenIssuer) *Hub {
	return &Hub{
		log:            logger,
		issuer:         issuer,
		clients:        make(map[string]*Client),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		sendChan:       make(chan outbound, 256),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.registerChan:
			// A reconnect with the same token replaces the old connection.
			if old, ok := h.clients[client.token]; ok {
				old.stopClient()
			}
			h.clients[client.token] = client
		case client := <-h.deregisterChan:
			if cur, ok := h.clients[client.token]; ok && cur == client {
				delete(h.clients, client.token)
			}
		case msg := <-h.sendChan:
			client, ok := h.clients[msg.token]
			if !ok {
				continue
			}
			if !client.queueMessage(msg.payload) {
				h.log.Printf("dropping message for token, client send buffer full")
			}
		case <-h.stop:
			h.log.Println("shutting down connections")
			for _, client := range h.clients {
				client.stopClient()
			}
			close(h.done)
			return
		}
	}
}

func (h *Hub) Shutdown() {
	close(h.stop)
	<-h.done
}

func (h *Hub) CreateToken(userId, shardId string, ttl time.Duration) (string, error) {
	return h.issuer.CreateToken(userId, shardId, ttl)
}

// Send routes a payload to the connection holding token. Unknown tokens
// are dropped.
func (h *Hub) Send(token string, payload []byte) error {
	select {
	case h.sendChan <- outbound{token: token, payload: payload}:
	default:
		h.log.Println("hub send channel full, dropping message")
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeWs upgrades an authenticated request to a websocket. The token
// must verify before the upgrade is attempted.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, token string) error {
	if _, _, err := h.issuer.VerifyToken(token); err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, h, token, h.log)
	h.registerChan <- client

	go client.Write()
	go client.Read()
	return nil
}
