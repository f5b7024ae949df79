package session

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-studio/backend/internal/service/auxiliary"
	"github.com/zhouzirui/z-studio/backend/internal/service/orchestrator"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
	"github.com/zhouzirui/z-studio/backend/pkg/utils"
)

// keepAliveInterval 事件流空闲时发送注释帧的间隔
const keepAliveInterval = 15 * time.Second

// Handler 会话、主对话与辅助标签页的HTTP处理器
type Handler struct {
	store     *store.Store
	orch      *orchestrator.Orchestrator
	aux       *auxiliary.Dispatcher
	keepAlive time.Duration
}

// New 创建会话处理器
func New(st *store.Store, orch *orchestrator.Orchestrator, aux *auxiliary.Dispatcher) *Handler {
	return &Handler{store: st, orch: orch, aux: aux, keepAlive: keepAliveInterval}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/state", h.handleState)
	r.Get("/events", h.handleEvents)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreateSession)
		r.Put("/active", h.handleSetActive)
		r.Delete("/{sessionID}", h.handleDeleteSession)
		r.Post("/{sessionID}/messages", h.handleSubmit)
		r.Get("/{sessionID}/status", h.handleStatus)

		r.Post("/{sessionID}/aux-tabs", h.handleAddTab)
		r.Put("/{sessionID}/aux-tabs/active", h.handleSetActiveTab)
		r.Delete("/{sessionID}/aux-tabs/{tabID}", h.handleRemoveTab)
		r.Post("/{sessionID}/aux-tabs/{tabID}/messages", h.handleAuxSend)
	})
}

// maskedState 返回隐藏密钥后的快照
func maskedState(st store.State) store.State {
	st.Settings = st.Settings.Masked()
	return st
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, maskedState(h.store.Snapshot()))
}

// handleEvents 以SSE推送存储事件，首条事件为完整快照
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := h.store.Subscribe()
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, string(store.EventState), maskedState(h.store.Snapshot())); err != nil {
		log.Printf("[events] initial state: %v", err)
		return
	}

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			err = utils.SendSSEKeepAlive(w, flusher)
		case ev, ok := <-events:
			if !ok {
				return
			}
			err = utils.SendSSEEvent(w, flusher, string(ev.Type), ev)
		}
		if err != nil {
			log.Printf("[events] stream closed: %v", err)
			return
		}
	}
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload store.NewSession
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	sess, err := h.store.CreateSession(payload)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	if err := h.store.SetActiveSession(payload.SessionID); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteSession(chi.URLParam(r, "sessionID")); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubmit 把用户消息分发给会话中的全部主智能体，立即返回批次信息
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	batch, err := h.orch.Submit(r.Context(), chi.URLParam(r, "sessionID"), payload.Text)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	log.Printf("[session] submitted batch %s", batch.ID)
	utils.RespondJSON(w, http.StatusAccepted, map[string]interface{}{
		"batchId": batch.ID,
		"turnId":  batch.TurnID,
		"agents":  batch.Agents,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := h.store.Snapshot().Session(sessionID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	tabs := make(map[string]bool, len(sess.AuxTabs))
	for _, tab := range sess.AuxTabs {
		tabs[tab.ID] = h.aux.Generating(sessionID, tab.ID)
	}
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"generating": h.orch.Generating(sessionID),
		"auxTabs":    tabs,
	})
}

func (h *Handler) handleAddTab(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PresetID string `json:"presetId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	tab, err := h.store.AddAuxTab(chi.URLParam(r, "sessionID"), payload.PresetID)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, tab)
}

func (h *Handler) handleSetActiveTab(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TabID string `json:"tabId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	if err := h.store.SetActiveAuxTab(chi.URLParam(r, "sessionID"), payload.TabID); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemoveTab(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RemoveAuxTab(chi.URLParam(r, "sessionID"), chi.URLParam(r, "tabID")); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAuxSend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	run, err := h.aux.Send(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "tabID"), payload.Text)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{
		"triggerId": run.TriggerID,
		"replyId":   run.ReplyID,
	})
}
