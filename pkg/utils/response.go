package utils

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/zhouzirui/z-studio/backend/internal/apperr"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// StatusOf 把错误分类映射为 HTTP 状态码
func StatusOf(err error) int {
	if errors.Is(err, apperr.ErrBusy) {
		return http.StatusConflict
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConfiguration:
		return http.StatusUnprocessableEntity
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindProvider, apperr.KindSync:
		if errors.Is(err, apperr.ErrBackupNotFound) {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RespondAppError 按错误分类发送错误响应，附带 kind 便于前端提示
func RespondAppError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[http] %d: %v", status, err)
	}
	RespondJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(apperr.KindOf(err)),
	})
}

// DecodeJSON 解析请求体，失败时返回校验错误
func DecodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.New(apperr.KindValidation, "decode", errors.New("invalid request body"))
	}
	return nil
}
