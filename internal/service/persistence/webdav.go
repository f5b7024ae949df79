package persistence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
)

// BackupPath is the document location relative to the WebDAV base URL.
const BackupPath = "parallel-studio/backup.json"

// WebDAV pushes and pulls the backup document.
type WebDAV struct {
	client *http.Client
}

// NewWebDAV creates a client. A nil http client gets a 30s timeout.
func NewWebDAV(client *http.Client) *WebDAV {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebDAV{client: client}
}

func joinURL(base, rel string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rel, "/")
}

func (w *WebDAV) do(ctx context.Context, cfg *settings.WebDAVConfig, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if cfg.Username != "" || cfg.Password != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return w.client.Do(req)
}

// Push uploads data to BackupPath, creating parent collections first.
func (w *WebDAV) Push(ctx context.Context, cfg *settings.WebDAVConfig, data []byte) error {
	if !cfg.Configured() {
		return apperr.Errorf(apperr.KindConfiguration, "push", "webdav url is not configured")
	}

	segments := strings.Split(BackupPath, "/")
	for i := 1; i < len(segments); i++ {
		dir := strings.Join(segments[:i], "/") + "/"
		if err := w.mkcol(ctx, cfg, joinURL(cfg.URL, dir)); err != nil {
			return err
		}
	}

	resp, err := w.do(ctx, cfg, http.MethodPut, joinURL(cfg.URL, BackupPath), data)
	if err != nil {
		return apperr.Sync("push", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.Sync("push", statusError(resp))
	}
	return nil
}

// mkcol treats 405 (already exists) as success.
func (w *WebDAV) mkcol(ctx context.Context, cfg *settings.WebDAVConfig, url string) error {
	resp, err := w.do(ctx, cfg, "MKCOL", url, nil)
	if err != nil {
		return apperr.Sync("mkcol", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusMethodNotAllowed || (resp.StatusCode >= 200 && resp.StatusCode <= 299) {
		return nil
	}
	return apperr.Sync("mkcol", statusError(resp))
}

// Pull downloads the document. A missing file is ErrBackupNotFound.
func (w *WebDAV) Pull(ctx context.Context, cfg *settings.WebDAVConfig) ([]byte, error) {
	if !cfg.Configured() {
		return nil, apperr.Errorf(apperr.KindConfiguration, "pull", "webdav url is not configured")
	}

	resp, err := w.do(ctx, cfg, http.MethodGet, joinURL(cfg.URL, BackupPath), nil)
	if err != nil {
		return nil, apperr.Sync("pull", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.ErrBackupNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.Sync("pull", statusError(resp))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Sync("pull", err)
	}
	return data, nil
}

func statusError(resp *http.Response) error {
	return fmt.Errorf("%s %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status)
}
