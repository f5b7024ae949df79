package playback

import (
	"encoding/base64"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-studio/backend/internal/service/playback"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	sendBuffer = 32
)

// outgoingMessage 推送给浏览器的消息
type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type audioPayload struct {
	MessageID  string `json:"messageId"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	DurationMs int64  `json:"durationMs"`
	// Audio is base64 unless the client asked for binary frames.
	Audio string `json:"audio,omitempty"`
}

type frame struct {
	msg    outgoingMessage
	binary []byte
}

type client struct {
	conn   *websocket.Conn
	send   chan frame
	binary bool
}

// Hub 管理播放WebSocket连接，把音频片段广播给所有浏览器，实现 playback.Output
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub 创建连接管理器
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
		clients: make(map[*client]struct{}),
	}
}

// Count 返回当前连接数
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Play 广播一段音频。没有浏览器连接时直接返回，由时钟决定播放时长
func (h *Hub) Play(clip playback.Clip) error {
	audio := clip.Audio
	payload := audioPayload{
		MessageID:  clip.MessageID,
		Encoding:   string(audio.Encoding),
		SampleRate: audio.SampleRate,
		DurationMs: audio.PlaybackDuration().Milliseconds(),
	}
	encoded := base64.StdEncoding.EncodeToString(audio.Data)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		p := payload
		f := frame{}
		if c.binary {
			f.binary = audio.Data
		} else {
			p.Audio = encoded
		}
		f.msg = newMessage("audio", clip.SessionID, p)
		h.enqueueLocked(c, f)
	}
	return nil
}

// Stop 通知浏览器停止当前片段
func (h *Hub) Stop(clip playback.Clip) {
	h.Broadcast(newMessage("stop", clip.SessionID, map[string]string{"messageId": clip.MessageID}))
}

// Broadcast 向所有连接发送一条JSON消息
func (h *Hub) Broadcast(msg outgoingMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.enqueueLocked(c, frame{msg: msg})
	}
}

// enqueueLocked drops clients whose send buffer is full.
func (h *Hub) enqueueLocked(c *client, f frame) {
	select {
	case c.send <- f:
	default:
		log.Printf("[playback-ws] client %s too slow, disconnecting", c.conn.RemoteAddr())
		h.removeLocked(c)
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

// Serve 升级连接并注册客户端；?format=binary 时音频以二进制帧发送
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, initial playback.Status) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[playback-ws] upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan frame, sendBuffer),
		binary: r.URL.Query().Get("format") == "binary",
	}
	c.send <- frame{msg: newMessage("status", initial.SessionID, initial)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Printf("[playback-ws] client connected: %s binary=%t", conn.RemoteAddr(), c.binary)

	go h.writePump(c)
	h.readPump(c)
}

// readPump only watches for close and pong frames.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		log.Printf("[playback-ws] client disconnected: %s", c.conn.RemoteAddr())
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[playback-ws] read error: %v", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f.msg); err != nil {
				return
			}
			if f.binary != nil {
				if err := c.conn.WriteMessage(websocket.BinaryMessage, f.binary); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// CloseAll 关闭所有连接
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func newMessage(typ, sessionID string, data interface{}) outgoingMessage {
	return outgoingMessage{
		Type:      typ,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}
