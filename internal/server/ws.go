package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/radiowatch/radiowatch/internal/events"
	"github.com/radiowatch/radiowatch/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 32
)

// eventFeed relays bus events to connected websocket clients. A client
// that cannot keep up is disconnected rather than back-pressuring the
// bus.
type eventFeed struct {
	bus     events.EventBus
	clients map[*wsClient]struct{}
	mu      sync.Mutex
	subID   string
}

type wsClient struct {
	conn *websocket.Conn
	send chan events.Event
}

func newEventFeed(bus events.EventBus) *eventFeed {
	return &eventFeed{
		bus:     bus,
		clients: make(map[*wsClient]struct{}),
	}
}

// start subscribes the feed to every bus event.
func (f *eventFeed) start() {
	if f.bus == nil {
		return
	}
	f.subID = f.bus.Subscribe(nil, f.broadcast)
}

// stop detaches from the bus and closes every client.
func (f *eventFeed) stop() {
	if f.bus != nil && f.subID != "" {
		f.bus.Unsubscribe(f.subID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for client := range f.clients {
		close(client.send)
		delete(f.clients, client)
	}
}

func (f *eventFeed) broadcast(event events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for client := range f.clients {
		select {
		case client.send <- event:
		default:
			// Slow client; drop it.
			close(client.send)
			delete(f.clients, client)
		}
	}
}

func (f *eventFeed) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan events.Event, wsSendBuffer),
	}
	f.mu.Lock()
	f.clients[client] = struct{}{}
	f.mu.Unlock()

	go f.writePump(client)
	f.readPump(client)
}

func (f *eventFeed) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and detects disconnects.
func (f *eventFeed) readPump(client *wsClient) {
	defer func() {
		f.mu.Lock()
		if _, ok := f.clients[client]; ok {
			close(client.send)
			delete(f.clients, client)
		}
		f.mu.Unlock()
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
