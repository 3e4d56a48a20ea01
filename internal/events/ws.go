package events

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// wsFrame is the JSON frame sent to connected clients
type wsFrame struct {
	Channel string       `json:"channel"`
	Event   models.Event `json:"event"`
}

// Broadcaster fans published events out to websocket clients. It is an
// http.Handler the embedding gateway mounts wherever it wires routes;
// clients subscribe by passing ?channels=a,b (default system:jobs).
type Broadcaster struct {
	bus     interfaces.EventService
	logger  arbor.ILogger
	mu      sync.Mutex
	clients map[*websocket.Conn]*client
}

type client struct {
	writeMu     sync.Mutex
	unsubscribe []func()
}

// NewBroadcaster creates a websocket event broadcaster
func NewBroadcaster(bus interfaces.EventService, logger arbor.ILogger) *Broadcaster {
	return &Broadcaster{
		bus:     bus,
		logger:  logger,
		clients: make(map[*websocket.Conn]*client),
	}
}

// ServeHTTP upgrades the connection and streams subscribed channels until
// the client disconnects
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	var channels []string
	for _, raw := range r.URL.Query()["channels"] {
		for _, ch := range strings.Split(raw, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				channels = append(channels, ch)
			}
		}
	}
	if len(channels) == 0 {
		channels = []string{models.ChannelSystemJobs}
	}

	c := &client{}
	for _, channel := range channels {
		unsub := b.bus.Subscribe(channel, func(ch string, event models.Event) {
			c.writeMu.Lock()
			defer c.writeMu.Unlock()
			if err := conn.WriteJSON(wsFrame{Channel: ch, Event: event}); err != nil {
				b.logger.Debug().Err(err).Msg("WebSocket write failed")
			}
		})
		c.unsubscribe = append(c.unsubscribe, unsub)
	}

	b.mu.Lock()
	b.clients[conn] = c
	b.mu.Unlock()

	b.logger.Debug().Strs("channels", channels).Msg("WebSocket client connected")

	// Read loop exists only to detect disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	b.drop(conn)
}

func (b *Broadcaster) drop(conn *websocket.Conn) {
	b.mu.Lock()
	c, ok := b.clients[conn]
	delete(b.clients, conn)
	b.mu.Unlock()

	if ok {
		for _, unsub := range c.unsubscribe {
			unsub()
		}
	}
	conn.Close()
	b.logger.Debug().Msg("WebSocket client disconnected")
}

// Close disconnects all clients
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		b.drop(conn)
	}
	return nil
}
