package sync

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/service/persistence"
	"github.com/zhouzirui/z-studio/backend/pkg/utils"
)

const maxBackupSize = 64 << 20

// Handler 备份导入导出与WebDAV同步的HTTP处理器
type Handler struct {
	sync *persistence.Sync
}

// New 创建同步处理器
func New(s *persistence.Sync) *Handler {
	return &Handler{sync: s}
}

// RegisterRoutes 注册同步相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sync", func(r chi.Router) {
		r.Get("/export", h.handleExport)
		r.Post("/import", h.handleImport)
		r.Post("/push", h.handlePush)
		r.Post("/pull", h.handlePull)
	})
}

type backupSummary struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
	Sessions   int       `json:"sessions"`
	Presets    int       `json:"presets"`
}

func summarize(b persistence.Backup) backupSummary {
	return backupSummary{
		Version:    b.Version,
		ExportedAt: b.ExportedAt,
		Sessions:   len(b.Sessions),
		Presets:    len(b.Presets),
	}
}

// handleExport 下载完整备份文件
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := h.sync.Export()
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	name := fmt.Sprintf("parallel-studio-%s.json", time.Now().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleImport 用上传的备份替换全部本地数据
func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBackupSize))
	if err != nil {
		utils.RespondAppError(w, apperr.New(apperr.KindValidation, "import", err))
		return
	}
	b, err := h.sync.Import(data)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, summarize(b))
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.Push(r.Context()); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "pushed"})
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	b, err := h.sync.Pull(r.Context())
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, summarize(b))
}
