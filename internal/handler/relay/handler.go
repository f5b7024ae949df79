// Package relay forwards browser requests to backends that do not answer
// cross-origin calls themselves, such as many WebDAV servers.
package relay

import (
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-studio/backend/internal/middleware"
	"github.com/zhouzirui/z-studio/backend/pkg/utils"
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Origin",
	"Referer",
}

// WebDAV verbs must be known to chi before any route is registered.
func init() {
	for _, method := range []string{"PROPFIND", "PROPPATCH", "MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK"} {
		chi.RegisterMethod(method)
	}
}

// Handler 通用请求转发处理器
type Handler struct {
	client *http.Client
}

// New 创建转发处理器；client 为空时使用60秒超时的默认客户端。
// 上游的重定向不跟随，3xx 原样返回给浏览器
func New(client *http.Client) *Handler {
	var c http.Client
	if client != nil {
		c = *client
	} else {
		c.Timeout = 60 * time.Second
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Handler{client: &c}
}

// RegisterRoutes 注册转发路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/relay", h.handleRelay)
}

// handleRelay 把请求原样转发到 url 参数指定的地址，并原样返回上游状态码和响应体
func (h *Handler) handleRelay(w http.ResponseWriter, r *http.Request) {
	middleware.SetCORSHeaders(w.Header())
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	target, err := url.Parse(r.URL.Query().Get("url"))
	if err != nil || !target.IsAbs() || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		utils.RespondError(w, http.StatusBadRequest, "url must be an absolute http(s) address")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		log.Printf("[relay] %s %s failed: %v", r.Method, target.Redacted(), err)
		utils.RespondError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	middleware.SetCORSHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("[relay] copy response from %s: %v", target.Host, err)
	}
}

func copyHeaders(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		dst.Del(k)
	}
	for k := range dst {
		if strings.HasPrefix(k, "Access-Control-") {
			dst.Del(k)
		}
	}
}
