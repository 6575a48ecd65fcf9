package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
	"github.com/sjwalker189/mongodb-tools/pkg/logging"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Disconnect reasons reported to metrics.
const (
	reasonClient   = "client"
	reasonSlow     = "slow"
	reasonWrite    = "write_error"
	reasonShutdown = "shutdown"
)

// message is the wire form of a change event. JSON payloads are embedded
// as-is; anything else is sent as a string.
type message struct {
	ID          string    `json:"id"`
	Operation   string    `json:"operation"`
	Namespace   string    `json:"namespace,omitempty"`
	DocumentKey string    `json:"document_key,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Time        time.Time `json:"time"`
}

func newMessage(ev changefeed.Event) message {
	m := message{
		ID:          ev.ID,
		Operation:   ev.Operation,
		Namespace:   ev.Namespace,
		DocumentKey: ev.DocumentKey,
		Time:        ev.Time,
	}
	if len(ev.Payload) > 0 {
		if json.Valid(ev.Payload) {
			m.Payload = json.RawMessage(ev.Payload)
		} else {
			m.Payload = string(ev.Payload)
		}
	}
	return m
}

// subscriber queues events for one websocket. The listener never blocks:
// when the queue is full the subscriber is marked slow and disconnected.
type subscriber struct {
	id     string
	queue  chan changefeed.Event
	slow   chan struct{}
	once   sync.Once
	ops    map[string]struct{}
	prefix string
}

func (s *subscriber) listen(ev changefeed.Event) {
	if !s.wants(ev) {
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.once.Do(func() { close(s.slow) })
	}
}

func (s *subscriber) wants(ev changefeed.Event) bool {
	if len(s.ops) > 0 {
		if _, ok := s.ops[ev.Operation]; !ok {
			return false
		}
	}
	return strings.HasPrefix(ev.Namespace, s.prefix)
}

// changesHandler upgrades to WS and streams feed events until the client
// disconnects, falls behind or the gateway shuts down. Optional query
// parameters "op" (repeatable) and "ns" (namespace prefix) filter events.
func (g *Gateway) changesHandler(w http.ResponseWriter, r *http.Request) {
	sub := &subscriber{
		id:     uuid.NewString(),
		queue:  make(chan changefeed.Event, g.cfg.ClientBuffer),
		slow:   make(chan struct{}),
		prefix: r.URL.Query().Get("ns"),
	}
	if ops := r.URL.Query()["op"]; len(ops) > 0 {
		sub.ops = make(map[string]struct{}, len(ops))
		for _, op := range ops {
			sub.ops[op] = struct{}{}
		}
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.ComponentWarn(logging.ComponentGateway, "changes ws: upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	g.conns.Add(1)
	defer g.conns.Done()

	listenerID := g.feed.AddListener(sub.listen)
	defer g.feed.RemoveListener(listenerID)

	g.metrics.ClientConnected()
	log := g.logger.For(logging.ComponentGateway).With(
		zap.String("client", sub.id),
		zap.String("ip", getClientIP(r)))
	log.Info("changes ws: client connected")

	reason := g.serve(conn, sub)

	g.metrics.ClientDisconnected(reason)
	log.Info("changes ws: client disconnected", zap.String("reason", reason))
}

func (g *Gateway) serve(conn *websocket.Conn, sub *subscriber) string {
	// Reader loop: only control frames are expected; it detects disconnects.
	gone := make(chan struct{})
	pongWait := 2 * g.cfg.PingInterval
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sub.queue:
			_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := conn.WriteJSON(newMessage(ev)); err != nil {
				return reasonWrite
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.WriteTimeout)); err != nil {
				return reasonWrite
			}
		case <-sub.slow:
			g.closeWith(conn, websocket.CloseTryAgainLater, "client too slow")
			return reasonSlow
		case <-g.closing:
			g.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return reasonShutdown
		case <-gone:
			return reasonClient
		}
	}
}

func (g *Gateway) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteTimeout))
}
