package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"remedia/internal/download"
	"remedia/internal/event"
	"remedia/internal/store"
)

type mockRegistry struct {
	createFn func(ctx context.Context, url, container, nameFormat, quality string) (store.Download, error)
	listFn   func(ctx context.Context) ([]store.Download, error)
}

func (m *mockRegistry) CreateOrUpdate(ctx context.Context, url, container, nameFormat, quality string) (store.Download, error) {
	return m.createFn(ctx, url, container, nameFormat, quality)
}

func (m *mockRegistry) List(ctx context.Context) ([]store.Download, error) {
	if m.listFn == nil {
		return nil, nil
	}
	return m.listFn(ctx)
}

type mockRunner struct {
	startFn  func(opts download.Options) error
	cancelFn func(ctx context.Context, url string) error
	checkFn  func(ctx context.Context, url string) (bool, error)
}

func (m *mockRunner) Start(opts download.Options) error {
	if m.startFn == nil {
		return nil
	}
	return m.startFn(opts)
}

func (m *mockRunner) Cancel(ctx context.Context, url string) error {
	if m.cancelFn == nil {
		return nil
	}
	return m.cancelFn(ctx, url)
}

func (m *mockRunner) Check(ctx context.Context, url string) (bool, error) {
	if m.checkFn == nil {
		return true, nil
	}
	return m.checkFn(ctx, url)
}

type mockConfigStore struct {
	cfg    store.Config
	setErr error
	sets   []bool
}

func (m *mockConfigStore) GetConfig(ctx context.Context) (store.Config, error) {
	return m.cfg, nil
}

func (m *mockConfigStore) SetSkipHomepage(ctx context.Context, skip bool) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.sets = append(m.sets, skip)
	m.cfg.SkipHomepage = skip
	return nil
}

func passthroughRegistry() *mockRegistry {
	return &mockRegistry{
		createFn: func(ctx context.Context, url, container, nameFormat, quality string) (store.Download, error) {
			return store.Download{URL: url, Status: "queued", Container: container, NameFormat: nameFormat, Quality: quality}, nil
		},
	}
}

// helpers
func doJSON(t *testing.T, h http.Handler, method, path, ip string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGetConfig(t *testing.T) {
	cfg := &mockConfigStore{cfg: store.Config{ID: 1, SkipHomepage: true}}
	h := New(passthroughRegistry(), &mockRunner{}, cfg, event.NewHub(), "")

	w := doJSON(t, h, http.MethodGet, "/api/config", "10.0.0.1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp store.Config
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != 1 || !resp.SkipHomepage {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestSetSkipHomepage(t *testing.T) {
	cfg := &mockConfigStore{cfg: store.Config{ID: 1}}
	h := New(passthroughRegistry(), &mockRunner{}, cfg, event.NewHub(), "")

	w := doJSON(t, h, http.MethodPost, "/api/config/true", "10.0.0.2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if len(cfg.sets) != 1 || !cfg.sets[0] {
		t.Fatalf("sets=%v", cfg.sets)
	}
}

func TestSetSkipHomepage_InvalidPreference(t *testing.T) {
	cfg := &mockConfigStore{}
	h := New(passthroughRegistry(), &mockRunner{}, cfg, event.NewHub(), "")

	w := doJSON(t, h, http.MethodPost, "/api/config/sometimes", "10.0.0.3", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestSetSkipHomepage_WriteFailureSurfaces(t *testing.T) {
	cfg := &mockConfigStore{setErr: io.ErrClosedPipe}
	h := New(passthroughRegistry(), &mockRunner{}, cfg, event.NewHub(), "")

	w := doJSON(t, h, http.MethodPost, "/api/config/true", "10.0.0.4", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["message"] != "preference_write_failed" {
		t.Fatalf("resp=%v", resp)
	}
}

func TestSubmitDownload_DefaultsApplied(t *testing.T) {
	var got download.Options
	reg := passthroughRegistry()
	runner := &mockRunner{startFn: func(opts download.Options) error {
		got = opts
		return nil
	}}
	h := New(reg, runner, &mockConfigStore{}, event.NewHub(), "")

	w := doJSON(t, h, http.MethodPost, "/api/download", "10.0.1.1", map[string]any{"url": "https://example.com/video"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got.Container != "mp4" || got.NameFormat != "%(title)s.%(ext)s" || got.Quality != "best" {
		t.Fatalf("defaults not applied: %+v", got)
	}
}

func TestSubmitDownload_NoAutoStart(t *testing.T) {
	started := false
	runner := &mockRunner{startFn: func(opts download.Options) error {
		started = true
		return nil
	}}
	h := New(passthroughRegistry(), runner, &mockConfigStore{}, event.NewHub(), "")

	w := doJSON(t, h, http.MethodPost, "/api/download", "10.0.1.2", map[string]any{
		"url":        "https://example.com/video",
		"auto_start": false,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if started {
		t.Fatal("runner must not start when auto_start is false")
	}
}

func TestSubmitDownload_InvalidURL(t *testing.T) {
	h := New(passthroughRegistry(), &mockRunner{}, &mockConfigStore{}, event.NewHub(), "")

	w := doJSON(t, h, http.MethodPost, "/api/download", "10.0.1.3", map[string]any{"url": "ftp://example"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestSubmitDownload_StartFailure(t *testing.T) {
	runner := &mockRunner{startFn: func(opts download.Options) error {
		return io.ErrUnexpectedEOF
	}}
	h := New(passthroughRegistry(), runner, &mockConfigStore{}, event.NewHub(), "")

	w := doJSON(t, h, http.MethodPost, "/api/download", "10.0.1.4", map[string]any{"url": "https://example.com/video"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["message"] != "failed_to_start_download" {
		t.Fatalf("resp=%v", resp)
	}
}

func TestSubmitDownload_AlreadyDownloading(t *testing.T) {
	runner := &mockRunner{startFn: func(opts download.Options) error {
		return download.ErrAlreadyDownloading
	}}
	h := New(passthroughRegistry(), runner, &mockConfigStore{}, event.NewHub(), "")

	w := doJSON(t, h, http.MethodPost, "/api/download", "10.0.1.5", map[string]any{"url": "https://example.com/video"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestSubmitDownload_MethodNotAllowed(t *testing.T) {
	h := New(passthroughRegistry(), &mockRunner{}, &mockConfigStore{}, event.NewHub(), "")

	w := doJSON(t, h, http.MethodGet, "/api/download", "10.0.1.6", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestCancel(t *testing.T) {
	var canceled string
	runner := &mockRunner{cancelFn: func(ctx context.Context, url string) error {
		canceled = url
		return nil
	}}
	h := New(passthroughRegistry(), runner, &mockConfigStore{}, event.NewHub(), "")

	w := doJSON(t, h, http.MethodPost, "/api/cancel", "10.0.2.1", map[string]string{"url": "https://example.com/video"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if canceled != "https://example.com/video" {
		t.Fatalf("canceled=%s", canceled)
	}
}

func TestCheck_Unavailable(t *testing.T) {
	runner := &mockRunner{checkFn: func(ctx context.Context, url string) (bool, error) {
		return false, nil
	}}
	h := New(passthroughRegistry(), runner, &mockConfigStore{}, event.NewHub(), "")

	w := doJSON(t, h, http.MethodPost, "/api/check", "10.0.2.2", map[string]string{"url": "https://example.com/video"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestListDownloads(t *testing.T) {
	reg := passthroughRegistry()
	reg.listFn = func(ctx context.Context) ([]store.Download, error) {
		return []store.Download{
			{URL: "https://x/video1", Status: "queued"},
			{URL: "https://x/video2", Status: "downloading"},
		}, nil
	}
	h := New(reg, &mockRunner{}, &mockConfigStore{}, event.NewHub(), "")

	w := doJSON(t, h, http.MethodGet, "/api/downloads", "10.0.3.1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Status    string           `json:"status"`
		Downloads []store.Download `json:"downloads"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Downloads) != 2 || resp.Downloads[0].URL != "https://x/video1" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestHealthz(t *testing.T) {
	h := New(passthroughRegistry(), &mockRunner{}, &mockConfigStore{}, event.NewHub(), "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestWebsocketEmissions(t *testing.T) {
	hub := event.NewHub()
	h := New(passthroughRegistry(), &mockRunner{}, &mockConfigStore{}, hub, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	// Published before the dial so the subscriber receives it as a replay of
	// the current snapshot.
	hub.PublishProgress(event.DownloadProgress{URL: "https://x/v", Percent: "42", Speed: "1.2MB/s", ETA: "00:10"})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var evt event.Envelope
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	if evt.Kind != event.EmissionYtdlpDownloadUpdate {
		t.Fatalf("kind=%s", evt.Kind)
	}
	if evt.Progress == nil || evt.Progress.Percent != "42" {
		t.Fatalf("progress=%+v", evt.Progress)
	}

	hub.PublishURLSuccess("https://x/v")
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	if evt.Kind != event.EmissionYtdlpUrlSuccess || evt.URL != "https://x/v" {
		t.Fatalf("envelope=%+v", evt)
	}
}

func TestValidURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/video", true},
		{"http://example.com", true},
		{"ftp://example.com", false},
		{"", false},
		{"https://", false},
		{strings.Repeat("a", 3000), false},
	}
	for _, tt := range tests {
		if got := validURL(tt.url); got != tt.want {
			t.Errorf("validURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
