package catalog

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
)

func setupRouter() (*chi.Mux, *store.Store) {
	appSettings := settings.Defaults("", nil, "sk-original-1234")
	appSettings.WebDAV = &settings.WebDAVConfig{URL: "https://dav.example.com", Username: "alice", Password: "hunter2-secret"}
	st := store.New(store.Defaults(preset.Seed(), appSettings))

	r := chi.NewRouter()
	New(st).RegisterRoutes(r)
	return r, st
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestPutPreset(t *testing.T) {
	r, st := setupRouter()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid aux", `{"title":"Pronunciation","type":"aux","systemPrompt":"Comment on pronunciation."}`, http.StatusOK},
		{"unknown type", `{"title":"Robot","type":"robot","systemPrompt":"beep"}`, http.StatusBadRequest},
		{"malformed", `{"title":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(r, http.MethodPut, "/presets/pronunciation", tt.body)
			if resp.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, resp.Code, resp.Body.String())
			}
		})
	}

	p, ok := st.Snapshot().Preset("pronunciation")
	if !ok || p.Type != preset.TypeAux {
		t.Fatalf("preset not stored: %+v", p)
	}
}

func TestDeletePreset(t *testing.T) {
	r, st := setupRouter()

	if resp := do(r, http.MethodDelete, "/presets/vocabulary", ""); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if _, ok := st.Snapshot().Preset("vocabulary"); ok {
		t.Fatal("preset should be gone")
	}
	if resp := do(r, http.MethodDelete, "/presets/vocabulary", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestTemplatesAndSessionPresets(t *testing.T) {
	r, st := setupRouter()

	if resp := do(r, http.MethodPut, "/templates/tpl-short", `{"title":"Short","content":"Answer in one sentence."}`); resp.Code != http.StatusOK {
		t.Fatalf("put template: %d", resp.Code)
	}
	if resp := do(r, http.MethodPut, "/session-presets/exam", `{"title":"Exam","mainPresetIds":["examiner"]}`); resp.Code != http.StatusOK {
		t.Fatalf("put session preset: %d", resp.Code)
	}

	resp := do(r, http.MethodGet, "/session-presets/", "")
	var items []preset.SessionPreset
	if err := json.Unmarshal(resp.Body.Bytes(), &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 session presets, got %d", len(items))
	}

	if resp := do(r, http.MethodDelete, "/templates/tpl-short", ""); resp.Code != http.StatusNoContent {
		t.Fatalf("delete template: %d", resp.Code)
	}
	if len(st.Snapshot().Templates) != 2 {
		t.Fatal("template should be removed")
	}
}

func TestGetSettingsIsMasked(t *testing.T) {
	r, _ := setupRouter()

	resp := do(r, http.MethodGet, "/settings", "")
	body := resp.Body.String()
	if strings.Contains(body, "sk-original-1234") || strings.Contains(body, "hunter2-secret") {
		t.Fatalf("secrets leaked: %s", body)
	}
	var got settings.AppSettings
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.APIKey != "****1234" {
		t.Fatalf("unexpected masked key %q", got.APIKey)
	}
}

func TestPutSettingsKeepsMaskedSecrets(t *testing.T) {
	r, st := setupRouter()

	masked := st.Snapshot().Settings.Masked()
	masked.Model = "gemini-2.5-pro"
	masked.Temperature = 1.1
	payload, _ := json.Marshal(masked)

	req := httptest.NewRequest(http.MethodPut, "/settings", bytes.NewReader(payload))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	got := st.Snapshot().Settings
	if got.Model != "gemini-2.5-pro" || got.Temperature != 1.1 {
		t.Fatalf("settings not applied: %+v", got)
	}
	if got.APIKey != "sk-original-1234" {
		t.Fatalf("api key overwritten with %q", got.APIKey)
	}
	if got.WebDAV.Password != "hunter2-secret" {
		t.Fatalf("webdav password overwritten with %q", got.WebDAV.Password)
	}
}

func TestPutSettingsReplacesSecret(t *testing.T) {
	r, st := setupRouter()

	if resp := do(r, http.MethodPut, "/settings", `{"model":"gemini-2.5-flash","temperature":0.5,"apiKey":"sk-new-5678"}`); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if got := st.Snapshot().Settings.APIKey; got != "sk-new-5678" {
		t.Fatalf("expected new key, got %q", got)
	}

	if resp := do(r, http.MethodPut, "/settings", `{"temperature":3}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range temperature: expected 400, got %d", resp.Code)
	}
}
