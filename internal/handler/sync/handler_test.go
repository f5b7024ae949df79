package sync

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
	"github.com/zhouzirui/z-studio/backend/internal/service/persistence"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
)

// memoryDAV accepts any collection and keeps uploaded files in memory.
type memoryDAV struct {
	mu    stdsync.Mutex
	files map[string][]byte
}

func (d *memoryDAV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch r.Method {
	case "MKCOL":
		w.WriteHeader(http.StatusCreated)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		d.files[r.URL.Path] = body
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		body, ok := d.files[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func setupRouter(t *testing.T, davURL string) (*chi.Mux, *store.Store) {
	t.Helper()
	st := store.New(store.Defaults(preset.Seed(), settings.Defaults("", nil, "")))
	var fallback settings.WebDAVConfig
	if davURL != "" {
		fallback = settings.WebDAVConfig{URL: davURL}
	}
	svc := persistence.NewSync(st, persistence.NewWebDAV(nil), fallback)

	r := chi.NewRouter()
	New(svc).RegisterRoutes(r)
	return r, st
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestExportImportRoundTrip(t *testing.T) {
	r, st := setupRouter(t, "")
	if _, err := st.CreateSession(store.NewSession{SessionPresetID: "cafe-practice"}); err != nil {
		t.Fatal(err)
	}

	resp := do(r, http.MethodGet, "/sync/export", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.HasPrefix(resp.Header().Get("Content-Disposition"), "attachment;") {
		t.Fatalf("missing attachment header: %q", resp.Header().Get("Content-Disposition"))
	}
	exported := resp.Body.String()

	other, otherStore := setupRouter(t, "")
	resp = do(other, http.MethodPost, "/sync/import", exported)
	if resp.Code != http.StatusOK {
		t.Fatalf("import: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if got := len(otherStore.Snapshot().Sessions); got != 1 {
		t.Fatalf("expected 1 imported session, got %d", got)
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	r, st := setupRouter(t, "")
	before := st.Snapshot()

	resp := do(r, http.MethodPost, "/sync/import", "[1, 2, 3]")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if len(st.Snapshot().Presets) != len(before.Presets) {
		t.Fatal("failed import modified the store")
	}
}

func TestPushAndPull(t *testing.T) {
	dav := &memoryDAV{files: map[string][]byte{}}
	srv := httptest.NewServer(dav)
	defer srv.Close()

	r, st := setupRouter(t, srv.URL)
	if resp := do(r, http.MethodPost, "/sync/pull", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("pull before push: expected 404, got %d", resp.Code)
	}

	if _, err := st.CreateSession(store.NewSession{Title: "Remote"}); err != nil {
		t.Fatal(err)
	}
	if resp := do(r, http.MethodPost, "/sync/push", ""); resp.Code != http.StatusOK {
		t.Fatalf("push: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	fresh, freshStore := setupRouter(t, srv.URL)
	resp := do(fresh, http.MethodPost, "/sync/pull", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("pull: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if got := len(freshStore.Snapshot().Sessions); got != 1 {
		t.Fatalf("expected 1 pulled session, got %d", got)
	}
}

func TestPushUnconfigured(t *testing.T) {
	r, _ := setupRouter(t, "")
	if resp := do(r, http.MethodPost, "/sync/push", ""); resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.Code)
	}
}
