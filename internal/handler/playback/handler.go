package playback

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/model/chat"
	"github.com/zhouzirui/z-studio/backend/internal/service/playback"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
	"github.com/zhouzirui/z-studio/backend/pkg/utils"
)

// Handler 语音播放的HTTP与WebSocket处理器
type Handler struct {
	store      *store.Store
	controller *playback.Controller
	hub        *Hub
}

// New 创建播放处理器
func New(st *store.Store, controller *playback.Controller, hub *Hub) *Handler {
	return &Handler{store: st, controller: controller, hub: hub}
}

// RegisterRoutes 注册播放相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/playback", func(r chi.Router) {
		r.Get("/", h.handleState)
		r.Delete("/", h.handleStop)
		r.Get("/ws", h.handleWebSocket)
		r.Post("/{sessionID}/{messageID}", h.handleToggle)
	})
}

// ForwardStatus 把播放状态变化推送给所有WebSocket连接，直到 ctx 结束
func (h *Handler) ForwardStatus(ctx context.Context) {
	updates, cancel := h.controller.Watch()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-updates:
			if !ok {
				return
			}
			h.hub.Broadcast(newMessage("status", status.SessionID, status))
		}
	}
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.controller.State())
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.controller.Stop())
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.Serve(w, r, h.controller.State())
}

// handleToggle 播放或停止一条消息：正在播放同一条消息时停止，否则切换到该消息
func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request) {
	req, err := ResolvePlayRequest(h.store.Snapshot(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "messageID"))
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	status, err := h.controller.Play(r.Context(), req)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	log.Printf("[playback] toggle message=%s phase=%s", req.MessageID, status.Phase)
	utils.RespondJSON(w, http.StatusOK, status)
}

// ResolvePlayRequest finds a model message in the main thread or any aux
// tab and attaches its sender's voice.
func ResolvePlayRequest(st store.State, sessionID, messageID string) (playback.PlayRequest, error) {
	sess, ok := st.Session(sessionID)
	if !ok {
		return playback.PlayRequest{}, apperr.ErrSessionNotFound
	}

	msg, found := sess.MainMessages.Get(messageID)
	if !found {
		for _, tab := range sess.AuxTabs {
			if msg, found = tab.Messages.Get(messageID); found {
				break
			}
		}
	}
	if !found {
		return playback.PlayRequest{}, apperr.Errorf(apperr.KindNotFound, "play", "message %s not found", messageID)
	}
	if msg.Role != chat.RoleModel {
		return playback.PlayRequest{}, apperr.Errorf(apperr.KindValidation, "play", "only agent replies can be spoken")
	}

	req := playback.PlayRequest{SessionID: sessionID, MessageID: messageID, Text: msg.Text}
	if p, ok := st.Preset(msg.SenderID); ok {
		req.TTS = p.TTS
	}
	return req, nil
}
