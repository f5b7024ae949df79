package catalog

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
	"github.com/zhouzirui/z-studio/backend/pkg/utils"
)

// Handler 预设、模板、会话预设与全局设置的HTTP处理器
type Handler struct {
	store *store.Store
}

// New 创建目录处理器
func New(st *store.Store) *Handler {
	return &Handler{store: st}
}

// RegisterRoutes 注册目录相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/presets", func(r chi.Router) {
		r.Get("/", h.handleListPresets)
		r.Put("/{id}", h.handlePutPreset)
		r.Delete("/{id}", h.handleDeletePreset)
	})
	r.Route("/templates", func(r chi.Router) {
		r.Get("/", h.handleListTemplates)
		r.Put("/{id}", h.handlePutTemplate)
		r.Delete("/{id}", h.handleDeleteTemplate)
	})
	r.Route("/session-presets", func(r chi.Router) {
		r.Get("/", h.handleListSessionPresets)
		r.Put("/{id}", h.handlePutSessionPreset)
		r.Delete("/{id}", h.handleDeleteSessionPreset)
	})
	r.Get("/settings", h.handleGetSettings)
	r.Put("/settings", h.handlePutSettings)
}

func (h *Handler) handleListPresets(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.store.Snapshot().Presets)
}

func (h *Handler) handlePutPreset(w http.ResponseWriter, r *http.Request) {
	var p preset.Preset
	if err := utils.DecodeJSON(r, &p); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	p.ID = chi.URLParam(r, "id")
	if err := h.store.PutPreset(p); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, p)
}

func (h *Handler) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeletePreset(chi.URLParam(r, "id")); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.store.Snapshot().Templates)
}

func (h *Handler) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	var t preset.SystemTemplate
	if err := utils.DecodeJSON(r, &t); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	t.ID = chi.URLParam(r, "id")
	if err := h.store.PutTemplate(t); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, t)
}

func (h *Handler) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteTemplate(chi.URLParam(r, "id")); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListSessionPresets(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.store.Snapshot().SessionPresets)
}

func (h *Handler) handlePutSessionPreset(w http.ResponseWriter, r *http.Request) {
	var sp preset.SessionPreset
	if err := utils.DecodeJSON(r, &sp); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	sp.ID = chi.URLParam(r, "id")
	if err := h.store.PutSessionPreset(sp); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sp)
}

func (h *Handler) handleDeleteSessionPreset(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteSessionPreset(chi.URLParam(r, "id")); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.store.Snapshot().Settings.Masked())
}

// handlePutSettings 更新全局设置；回传的掩码或空密钥保留原值
func (h *Handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var next settings.AppSettings
	if err := utils.DecodeJSON(r, &next); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	current := h.store.Snapshot().Settings
	next.APIKey = keepSecret(next.APIKey, current.APIKey)
	if next.WebDAV != nil && current.WebDAV != nil {
		next.WebDAV.Password = keepSecret(next.WebDAV.Password, current.WebDAV.Password)
	}

	if err := h.store.SetSettings(next); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.store.Snapshot().Settings.Masked())
}

func keepSecret(incoming, current string) string {
	if incoming == "" || incoming == settings.MaskSecret(current) {
		return current
	}
	return incoming
}
