// Copyright 2023 StreamNative, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ecs-project/ecs/common/metric"
	"github.com/ecs-project/ecs/coordinator/model"
)

const (
	MessageTypeState = "state"
	MessageTypeLog   = "log"

	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	outgoingSize = 256
)

// Message is what the observers of an origin receive.
type Message struct {
	Type    string `json:"type"`
	Message any    `json:"message"`
	Origin  string `json:"origin"`
}

// Hub fans the coordinator updates out to websocket observers. Observers
// subscribe to one origin: a partition, a global system, the unmapped pool
// or the coordinator itself.
type Hub struct {
	sync.Mutex
	groups   map[string]map[*observer]struct{}
	upgrader websocket.Upgrader
	closed   bool
	dropped  rate.Sometimes
	log      *slog.Logger

	connections metric.Gauge
	messages    metric.Counter
}

type observer struct {
	hub      *Hub
	origin   string
	conn     *websocket.Conn
	outgoing chan Message
	done     chan struct{}
	once     sync.Once
}

func NewHub() *Hub {
	h := &Hub{
		groups: map[string]map[*observer]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dropped: rate.Sometimes{Interval: 10 * time.Second},
		log: slog.With(
			slog.String("component", "web-hub"),
		),
		messages: metric.NewCounter("ecs_web_messages",
			"The number of messages pushed to web observers", metric.Dimensionless, map[string]any{}),
	}
	h.connections = metric.NewGauge("ecs_web_connections",
		"The number of connected web observers", metric.Dimensionless, map[string]any{}, func() int64 {
			return int64(h.count())
		})
	return h
}

func (h *Hub) PublishUpdate(update model.WebUpdate, origin string) {
	h.broadcast(Message{Type: MessageTypeState, Message: update, Origin: origin})
}

func (h *Hub) PublishLog(message string, origin string) {
	h.broadcast(Message{Type: MessageTypeLog, Message: message, Origin: origin})
}

func (h *Hub) broadcast(msg Message) {
	h.Lock()
	defer h.Unlock()

	for o := range h.groups[msg.Origin] {
		select {
		case o.outgoing <- msg:
			h.messages.Inc()
		default:
			h.dropped.Do(func() {
				h.log.Warn("Observer is too slow, dropping message",
					slog.String("origin", msg.Origin),
					slog.String("remote-addr", o.conn.RemoteAddr().String()))
			})
		}
	}
}

// ServeWs upgrades the request and subscribes the connection to the origin
// named in the path.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	origin := mux.Vars(r)["origin"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade web connection", slog.Any("error", err))
		return
	}

	o := &observer{
		hub:      h,
		origin:   origin,
		conn:     conn,
		outgoing: make(chan Message, outgoingSize),
		done:     make(chan struct{}),
	}
	if !h.add(o) {
		o.close(websocket.CloseGoingAway)
		return
	}

	h.log.Debug("Observer connected",
		slog.String("origin", origin),
		slog.String("remote-addr", conn.RemoteAddr().String()))

	go o.writeLoop()
	go o.readLoop()
}

func (h *Hub) add(o *observer) bool {
	h.Lock()
	defer h.Unlock()
	if h.closed {
		return false
	}
	group, ok := h.groups[o.origin]
	if !ok {
		group = map[*observer]struct{}{}
		h.groups[o.origin] = group
	}
	group[o] = struct{}{}
	return true
}

func (h *Hub) remove(o *observer) {
	h.Lock()
	defer h.Unlock()
	group := h.groups[o.origin]
	delete(group, o)
	if len(group) == 0 {
		delete(h.groups, o.origin)
	}
}

func (h *Hub) count() int {
	h.Lock()
	defer h.Unlock()
	n := 0
	for _, group := range h.groups {
		n += len(group)
	}
	return n
}

// Observers returns the number of connections subscribed to the origin.
func (h *Hub) Observers(origin string) int {
	h.Lock()
	defer h.Unlock()
	return len(h.groups[origin])
}

func (h *Hub) Close() error {
	h.Lock()
	if h.closed {
		h.Unlock()
		return nil
	}
	h.closed = true
	var all []*observer
	for _, group := range h.groups {
		for o := range group {
			all = append(all, o)
		}
	}
	h.groups = map[string]map[*observer]struct{}{}
	h.Unlock()

	for _, o := range all {
		o.close(websocket.CloseGoingAway)
	}
	h.connections.Unregister()
	return nil
}

func (o *observer) writeLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case msg := <-o.outgoing:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteJSON(msg); err != nil {
				o.hub.log.Debug("Failed to write to observer",
					slog.String("origin", o.origin),
					slog.Any("error", err))
				o.close(websocket.CloseAbnormalClosure)
				return
			}
		case <-pingTicker.C:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				o.close(websocket.CloseAbnormalClosure)
				return
			}
		case <-o.done:
			return
		}
	}
}

// readLoop discards what the observer sends and notices when it goes away.
func (o *observer) readLoop() {
	_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			o.close(websocket.CloseNormalClosure)
			return
		}
	}
}

func (o *observer) close(code int) {
	o.once.Do(func() {
		close(o.done)
		o.hub.remove(o)

		if code != websocket.CloseAbnormalClosure {
			_ = o.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
		}
		_ = o.conn.Close()
	})
}
