package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zhouzirui/z-studio/backend/internal/handler/catalog"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
)

func TestRouter(t *testing.T) {
	st := store.New(store.Defaults(preset.Seed(), settings.Defaults("", nil, "")))
	router := NewRouter(Handlers{Catalog: catalog.New(st)})

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/api/presets", http.StatusOK},
		{http.MethodOptions, "/api/presets", http.StatusNoContent},
		{http.MethodGet, "/api/playback/ws", http.StatusServiceUnavailable},
		{http.MethodGet, "/api/state", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, httptest.NewRequest(tt.method, tt.path, nil))
			if resp.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.Code)
			}
		})
	}
}
