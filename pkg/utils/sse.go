package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SetupSSEHeaders 设置Server-Sent Events响应头，CORS 由中间件负责
func SetupSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// SendSSEEvent 发送带事件类型的SSE消息。写失败说明客户端已断开
func SendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal sse %s: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// SendSSEKeepAlive 发送注释帧，防止代理因空闲断开长连接
func SendSSEKeepAlive(w http.ResponseWriter, flusher http.Flusher) error {
	if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
