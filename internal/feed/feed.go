// Package feed streams bridge events to websocket subscribers.
package feed

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Feed fans incoming event payloads out to connected subscribers.
// Slow subscribers are dropped rather than allowed to stall the rest.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*subscriber
	upgrader    websocket.Upgrader
}

type subscriber struct {
	id   uuid.UUID
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func New() *Feed {
	return &Feed{
		subscribers: make(map[uuid.UUID]*subscriber),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Broadcast queues a payload for every subscriber.
func (f *Feed) Broadcast(payload []byte) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, sub := range f.subscribers {
		select {
		case sub.send <- payload:
		default:
			log.Printf("feed subscriber %s too slow, dropping", id)
			sub.stop()
		}
	}
}

// Subscribers returns the current subscriber count.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// Handler upgrades the request and streams events until the client
// disconnects.
func (f *Feed) Handler(c *gin.Context) {
	conn, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sub := &subscriber{
		id:   uuid.New(),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	f.subscribers[sub.id] = sub
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.subscribers, sub.id)
		f.mu.Unlock()
		conn.Close()
	}()

	// Reader: discard client frames, notice disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.stop()
				return
			}
		}
	}()

	for {
		select {
		case payload := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-sub.done:
			return
		}
	}
}
