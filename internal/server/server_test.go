package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/kiln/internal/build"
	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/task"
	kilnws "github.com/conneroisu/kiln/internal/websocket"
)

const page = `<!DOCTYPE html><html><head><title>Home</title></head><body><h1>Hi</h1></body></html>`

func newTestServer(t *testing.T, inject bool) (*Server, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "build/index.html", []byte(page), 0o644))
	require.NoError(t, afero.WriteFile(fs, "build/about/index.html", []byte("<p>about</p>"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "build/css/style.css", []byte("a{color:red}"), 0o644))

	cfg := config.Default()
	cfg.Server.InjectReload = inject

	s := New(cfg, Options{Fs: fs, Recorder: build.NewRecorder(logging.NewNop(), nil)})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	return s, fs
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	return rec
}

func TestInjectReloadScript(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"before body", "<body><p>x</p></body></html>", "<body><p>x</p>" + reloadScriptTag + "</body></html>"},
		{"upper case", "<BODY>x</BODY>", "<BODY>x" + reloadScriptTag + "</BODY>"},
		{"last body wins", "<body><pre></body></pre></body>", "<body><pre></body></pre>" + reloadScriptTag + "</body>"},
		{"no body", "<p>fragment</p>", "<p>fragment</p>" + reloadScriptTag},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, string(InjectReloadScript([]byte(tc.input))))
		})
	}
}

func TestReloadKind(t *testing.T) {
	testCases := []struct {
		paths    []string
		expected kilnws.MessageType
	}{
		{[]string{"css/style.css"}, kilnws.MessageCSS},
		{[]string{"css/style.css", "css/style.css.map"}, kilnws.MessageCSS},
		{[]string{"css/style.css", "index.html"}, kilnws.MessageReload},
		{[]string{"js/app.js"}, kilnws.MessageReload},
		{[]string{"js/app.js.map"}, kilnws.MessageReload},
		{nil, kilnws.MessageReload},
	}

	for _, tc := range testCases {
		t.Run(strings.Join(tc.paths, ","), func(t *testing.T) {
			assert.Equal(t, tc.expected, ReloadKind(tc.paths))
		})
	}
}

func TestStaticServing(t *testing.T) {
	s, _ := newTestServer(t, true)
	h := s.Handler()

	rec := get(t, h, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), reloadScriptTag+"</body>")
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))

	rec = get(t, h, "/about/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), reloadScriptTag)

	rec = get(t, h, "/css/style.css")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a{color:red}", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, h, "/missing.html").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/missing.css").Code)
}

func TestStaticServingWithoutInjection(t *testing.T) {
	s, _ := newTestServer(t, false)

	rec := get(t, s.Handler(), "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, page, rec.Body.String())
}

func TestReloadScriptEndpoint(t *testing.T) {
	s, _ := newTestServer(t, true)

	rec := get(t, s.Handler(), "/__kiln/reload.js")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "javascript")
	assert.Contains(t, rec.Body.String(), "/__kiln/ws")
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, true)

	rec := get(t, s.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])

	s.ReportResult(build.Result{Result: task.Result{Task: "styles"}, Error: stderrors.New("bad scss")})

	rec = get(t, s.Handler(), "/health")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, []interface{}{"styles"}, body["failing"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, true)
	s.metrics.ObserveReload("css")

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `kiln_reload_notifications_total{kind="css"} 1`)
}

func TestStatusPage(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "src/styles/style.scss", []byte("a{}"), 0o644))

	recorder := build.NewRecorder(logging.NewNop(), nil)
	failing := task.New(task.Options{
		Name:   "styles",
		Kind:   task.KindStyles,
		Input:  pathspecFor("styles/*.scss"),
		Fs:     fs,
		Stages: []task.Stage{task.Run(rejectStep("<script>alert(1)</script>"))},
	})
	_ = recorder.Wrap(failing, build.TriggerWatch).Run(context.Background())

	cfg := config.Default()
	s := New(cfg, Options{Fs: fs, Recorder: recorder})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	rec := get(t, s.Handler(), "/__kiln/status")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<td>Styles</td>")
	assert.Contains(t, body, "failed")
	assert.Contains(t, body, "&lt;script&gt;")
	assert.NotContains(t, body, "<script>alert(1)</script>")

	rec = get(t, s.Handler(), "/__kiln/status?format=json")
	var rows []TaskStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "styles", rows[0].Task)
	assert.False(t, rows[0].OK)
	assert.Equal(t, build.TriggerWatch, rows[0].Trigger)
}

func TestStatusPageRendering(t *testing.T) {
	t.Run("no results", func(t *testing.T) {
		var buf strings.Builder
		require.NoError(t, statusPage(nil, "v1.2.0", 2).Render(context.Background(), &buf))

		body := buf.String()
		assert.True(t, strings.HasPrefix(body, "<!doctype html>"))
		assert.Contains(t, body, "<h1>kiln v1.2.0</h1>")
		assert.Contains(t, body, "<p>2 browser(s) connected</p>")
		assert.Contains(t, body, "No task has run yet.")
		assert.NotContains(t, body, "<table>")
	})

	t.Run("rows", func(t *testing.T) {
		rows := []TaskStatus{
			{Title: "Scripts", OK: true, Trigger: build.TriggerBuild, Written: 2, Skipped: 1, Duration: 1500 * time.Microsecond},
			{Title: "Styles", Trigger: build.TriggerWatch, Error: "style.scss:3 expected \"}\""},
		}

		var buf strings.Builder
		require.NoError(t, statusPage(rows, "dev", 0).Render(context.Background(), &buf))

		body := buf.String()
		assert.Contains(t, body, `<tr><td>Scripts</td><td class="ok">ok</td><td>build</td><td>2</td><td>1</td><td>2ms</td>`)
		assert.Contains(t, body, `<td>Styles</td><td class="failed">failed</td>`)
		assert.Contains(t, body, `<pre class="failed">style.scss:3 expected &#34;}&#34;</pre>`)
		assert.Equal(t, 1, strings.Count(body, "<pre"))
	})
}

func dialReload(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/__kiln/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) kilnws.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg kilnws.Message
	require.NoError(t, json.Unmarshal(data, &msg))

	return msg
}

func TestReportResultPushesOverlay(t *testing.T) {
	s, _ := newTestServer(t, true)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialReload(t, ts.URL)
	require.Eventually(t, func() bool { return s.ws.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.ReportResult(build.Result{Result: task.Result{Task: "styles"}, Error: stderrors.New("bad scss")})
	msg := readMessage(t, conn)
	assert.Equal(t, kilnws.MessageError, msg.Type)
	assert.Equal(t, "styles", msg.Task)
	assert.Contains(t, msg.Error, "bad scss")

	// A success on another task has nothing to clear.
	s.ReportResult(build.Result{Result: task.Result{Task: "scripts"}})
	s.ReportResult(build.Result{Result: task.Result{Task: "styles"}})

	msg = readMessage(t, conn)
	assert.Equal(t, kilnws.MessageClear, msg.Type)
	assert.Equal(t, "styles", msg.Task)
	assert.Empty(t, s.Errors())
}

func TestStartNotifiesOnOutputChange(t *testing.T) {
	dir := t.TempDir()
	buildDir := filepath.Join(dir, "build")

	cfg := config.Default()
	cfg.Paths.Build = buildDir
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Watch.Debounce = 50 * time.Millisecond

	s := New(cfg, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	baseURL := "http://" + s.Addr()

	conn := dialReload(t, baseURL)
	require.Eventually(t, func() bool { return s.ws.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.MkdirAll(filepath.Join(buildDir, "css"), 0o755))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "css", "style.css"), []byte("a{}"), 0o644))

	msg := readMessage(t, conn)
	assert.Equal(t, kilnws.MessageCSS, msg.Type)
	assert.Contains(t, msg.Paths, "css/style.css")

	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "index.html"), []byte(page), 0o644))
	assert.Equal(t, kilnws.MessageReload, readMessage(t, conn).Type)

	resp, err := http.Get(baseURL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), reloadScriptTag)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
