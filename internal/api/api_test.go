package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Autovisor/internal/api"
	"github.com/CZERTAINLY/Autovisor/internal/broadcast"
	"github.com/CZERTAINLY/Autovisor/internal/model"
	"github.com/CZERTAINLY/Autovisor/internal/registry"
	"github.com/CZERTAINLY/Autovisor/internal/service"
	"github.com/CZERTAINLY/Autovisor/internal/status"
	"github.com/CZERTAINLY/Autovisor/internal/tail"
)

// fakeSupervisor keeps records without spawning anything.
type fakeSupervisor struct {
	reg *registry.Registry

	mx   sync.Mutex
	cmds map[model.JobKey]service.Command
	logs []model.LogEvent
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		reg:  registry.New(),
		cmds: make(map[model.JobKey]service.Command),
	}
}

func (f *fakeSupervisor) Start(_ context.Context, key model.JobKey, cmd service.Command) (service.Started, error) {
	f.mx.Lock()
	f.cmds[key] = cmd
	f.mx.Unlock()
	f.reg.Put(registry.Record{
		Key:     key,
		RunID:   "run-1",
		State:   model.StateRunning,
		Command: cmd.Path,
		Args:    cmd.Args,
		Started: time.Now(),
	})
	return service.Started{Key: key, PID: 4242, RunID: "run-1"}, nil
}

func (f *fakeSupervisor) Pause(_ context.Context, key model.JobKey) error {
	if !f.reg.SetState(key, model.StatePaused) {
		return model.NotFound(key)
	}
	return nil
}

func (f *fakeSupervisor) Resume(_ context.Context, key model.JobKey) error {
	if !f.reg.SetState(key, model.StateRunning) {
		return model.NotFound(key)
	}
	return nil
}

func (f *fakeSupervisor) Stop(_ context.Context, key model.JobKey) error {
	if _, ok := f.reg.Remove(key); !ok {
		return model.NotFound(key)
	}
	return nil
}

func (f *fakeSupervisor) Snapshot() model.Snapshot {
	return status.Summarize(f.reg, model.FamilyV1, model.FamilyV2)
}

func (f *fakeSupervisor) RecentLogs(_ model.JobKey, limit int) []model.LogEvent {
	f.mx.Lock()
	defer f.mx.Unlock()
	if len(f.logs) > limit {
		return f.logs[len(f.logs)-limit:]
	}
	return f.logs
}

func (f *fakeSupervisor) command(key model.JobKey) (service.Command, bool) {
	f.mx.Lock()
	defer f.mx.Unlock()
	cmd, ok := f.cmds[key]
	return cmd, ok
}

type fixture struct {
	sup     *fakeSupervisor
	hub     *broadcast.Hub
	logFile string
	ts      *httptest.Server
}

func newFixture(t *testing.T, opts ...func(*model.Config)) *fixture {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.LogFile = filepath.Join(t.TempDir(), "ai-call.log")
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &fixture{
		sup:     newFakeSupervisor(),
		hub:     broadcast.NewHub(256),
		logFile: cfg.LogFile,
	}
	tailer := tail.New(cfg.LogFile, f.hub, tail.WithInterval(10*time.Millisecond))
	srv := api.New(cfg, f.sup, f.hub, tailer, api.WithVersion("test"))
	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		f.ts.Close()
		tailer.Close()
		f.hub.Close()
	})
	return f
}

func (f *fixture) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := f.get(t, "/health")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "test", body["version"])
	require.ElementsMatch(t, []any{"v1", "v2"}, body["families"])
}

func TestDevices(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := f.get(t, "/api/devices")
	require.Equal(t, http.StatusOK, code)
	devices, ok := body["devices"].([]any)
	require.True(t, ok)
	require.Len(t, devices, len(model.DefaultConfig().Devices))
}

func TestStart(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		path     string
		body     map[string]string
		key      string
		family   string
	}{
		{
			scenario: "legacy v1",
			path:     "/api/start-automation",
			body:     map[string]string{"deviceId": "d1", "city": "paris"},
			key:      "v1-d1-paris",
			family:   "v1",
		},
		{
			scenario: "legacy v2 ignores family in body",
			path:     "/api/start-automation-v2",
			body:     map[string]string{"deviceId": "d1", "city": "paris", "family": "v1"},
			key:      "v2-d1-paris",
			family:   "v2",
		},
		{
			scenario: "jobs with family",
			path:     "/api/jobs",
			body:     map[string]string{"family": "v2", "deviceId": "d2", "locality": "new-york"},
			key:      "v2-d2-new-york",
			family:   "v2",
		},
		{
			scenario: "jobs with processKey",
			path:     "/api/jobs",
			body:     map[string]string{"processKey": "v1-d3-rome"},
			key:      "v1-d3-rome",
			family:   "v1",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			code, body := f.post(t, tc.path, tc.body)
			require.Equal(t, http.StatusOK, code, body)
			require.Equal(t, true, body["success"])
			require.Equal(t, tc.key, body["processKey"])
			require.Equal(t, tc.family, body["family"])
			require.EqualValues(t, 4242, body["processId"])

			key, err := model.ParseJobKey(tc.key)
			require.NoError(t, err)
			cmd, ok := f.sup.command(key)
			require.True(t, ok)
			require.Equal(t, model.DefaultConfig().Families[tc.family].Command, cmd.Path)
			require.Equal(t, []string{key.DeviceID, key.Locality}, cmd.Args[len(cmd.Args)-2:])
		})
	}
}

func TestStart_Rejected(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		path     string
		body     any
		code     int
		error    string
	}{
		{
			scenario: "missing city",
			path:     "/api/start-automation",
			body:     map[string]string{"deviceId": "d1"},
			code:     http.StatusBadRequest,
			error:    "deviceId and city are required",
		},
		{
			scenario: "missing device",
			path:     "/api/start-automation-v2",
			body:     map[string]string{"city": "paris"},
			code:     http.StatusBadRequest,
			error:    "deviceId and city are required",
		},
		{
			scenario: "separator in device",
			path:     "/api/start-automation",
			body:     map[string]string{"deviceId": "emulator-5554", "city": "paris"},
			code:     http.StatusBadRequest,
		},
		{
			scenario: "unknown family",
			path:     "/api/jobs",
			body:     map[string]string{"family": "v9", "deviceId": "d1", "city": "paris"},
			code:     http.StatusBadRequest,
		},
		{
			scenario: "no family",
			path:     "/api/jobs",
			body:     map[string]string{"deviceId": "d1", "city": "paris"},
			code:     http.StatusBadRequest,
			error:    "family is required",
		},
		{
			scenario: "not json",
			path:     "/api/start-automation",
			body:     "{",
			code:     http.StatusBadRequest,
			error:    "invalid JSON payload",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			code, body := f.post(t, tc.path, tc.body)
			require.Equal(t, tc.code, code)
			require.NotEmpty(t, body["error"])
			if tc.error != "" {
				require.Equal(t, tc.error, body["error"])
			}
			require.Zero(t, f.sup.reg.Len())
		})
	}
}

func TestControl(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, _ := f.post(t, "/api/start-automation-v2", map[string]string{"deviceId": "d1", "city": "paris"})
	require.Equal(t, http.StatusOK, code)
	key := model.JobKey{Family: "v2", DeviceID: "d1", Locality: "paris"}

	code, body := f.post(t, "/api/pause-automation", map[string]string{"processKey": "v2-d1-paris"})
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, true, body["success"])
	rec, ok := f.sup.reg.Get(key)
	require.True(t, ok)
	require.Equal(t, model.StatePaused, rec.State)

	code, body = f.get(t, "/api/status")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["v2Count"])
	require.EqualValues(t, 0, body["v1Count"])
	require.EqualValues(t, 1, body["totalCount"])
	require.Equal(t, map[string]any{"v2-d1-paris": "paused"}, body["processStates"])

	code, _ = f.post(t, "/api/resume-automation", map[string]string{"processKey": "v2-d1-paris"})
	require.Equal(t, http.StatusOK, code)

	// legacy addressing: version defaults to v1, so v2 must be explicit
	code, body = f.post(t, "/api/stop-automation", map[string]string{"deviceId": "d1", "city": "paris"})
	require.Equal(t, http.StatusNotFound, code, body)
	code, _ = f.post(t, "/api/stop-automation", map[string]string{"deviceId": "d1", "city": "paris", "version": "v2"})
	require.Equal(t, http.StatusOK, code)
	require.Zero(t, f.sup.reg.Len())

	code, _ = f.post(t, "/api/stop-automation", map[string]string{"processKey": "v2-d1-paris"})
	require.Equal(t, http.StatusNotFound, code)
	code, _ = f.post(t, "/api/pause-automation", map[string]string{})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestLogs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var lines []string
	for i := range 5 {
		lines = append(lines, fmt.Sprintf("call %d", i))
	}
	require.NoError(t, os.WriteFile(f.logFile, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	code, body := f.get(t, "/api/logs/v1-d1-paris?limit=2")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "v1-d1-paris", body["processKey"])
	logs, ok := body["logs"].([]any)
	require.True(t, ok)
	require.Len(t, logs, 2)
	require.Equal(t, "call 3", logs[0].(map[string]any)["data"])
	require.Equal(t, "call 4", logs[1].(map[string]any)["data"])

	code, _ = f.get(t, "/api/logs/v1-d1-paris?limit=zero")
	require.Equal(t, http.StatusBadRequest, code)

	f.sup.mx.Lock()
	f.sup.logs = []model.LogEvent{
		{Stream: model.StreamStdout, Line: "booking", Time: time.Now()},
		{Stream: model.StreamStderr, Line: "warning", Time: time.Now()},
	}
	f.sup.mx.Unlock()

	code, body = f.get(t, "/api/jobs/v1-d1-paris/logs")
	require.Equal(t, http.StatusOK, code)
	logs, ok = body["logs"].([]any)
	require.True(t, ok)
	require.Len(t, logs, 2)
	require.Equal(t, "stderr", logs[1].(map[string]any)["type"])

	code, _ = f.get(t, "/api/jobs/nokey/logs")
	require.Equal(t, http.StatusBadRequest, code)
}

type wsClient struct {
	c *websocket.Conn
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
}

func (f *fixture) dial(t *testing.T) *wsClient {
	t.Helper()
	c, _, err := websocket.Dial(t.Context(), f.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close(websocket.StatusNormalClosure, "")
	})
	return &wsClient{c: c}
}

func (w *wsClient) send(t *testing.T, typ, key string) {
	t.Helper()
	err := wsjson.Write(t.Context(), w.c, map[string]string{"type": typ, "processKey": key})
	require.NoError(t, err)
}

// next skips messages until one of typ arrives.
func (w *wsClient) next(t *testing.T, typ string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	for {
		var m map[string]any
		require.NoError(t, wsjson.Read(ctx, w.c, &m))
		if m["type"] == typ {
			return m
		}
	}
}

func TestWebSocket(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sup.reg.Put(registry.Record{
		Key:   model.JobKey{Family: "v1", DeviceID: "d1", Locality: "paris"},
		State: model.StateRunning,
	})

	ws := f.dial(t)
	initial := ws.next(t, "status")
	data := initial["data"].(map[string]any)
	require.EqualValues(t, 1, data["v1Count"])
	require.Equal(t, []any{"v1-d1-paris"}, data["activeProcesses"])

	n := f.hub.Publish(model.Event{
		Kind:    model.EventJobPaused,
		Key:     model.JobKey{Family: "v1", DeviceID: "d1", Locality: "paris"},
		Message: "paused",
		Time:    time.Now(),
	})
	require.Equal(t, 1, n)
	paused := ws.next(t, "processPaused")
	require.Equal(t, "v1-d1-paris", paused["processKey"])

	// failures go back to the sender only
	other := f.dial(t)
	other.next(t, "status")
	ws.send(t, "stopProcess", "v1-d9-nowhere")
	rejected := ws.next(t, "error")
	require.Equal(t, "v1-d9-nowhere", rejected["processKey"])
	require.NotEmpty(t, rejected["error"])

	ws.send(t, "pauseProcess", "v1-d1-paris")
	require.Eventually(t, func() bool {
		rec, ok := f.sup.reg.Get(model.JobKey{Family: "v1", DeviceID: "d1", Locality: "paris"})
		return ok && rec.State == model.StatePaused
	}, 5*time.Second, 10*time.Millisecond)

	f.hub.Publish(model.Event{Kind: model.EventJobResumed, Time: time.Now()})
	// other never saw the error reply
	other.next(t, "processResumed")
}

func TestWebSocket_RequestLogs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.logFile, []byte("first\nsecond\n"), 0o644))

	ws := f.dial(t)
	ws.next(t, "status")
	ws.send(t, "requestLogs", "v2-d1-paris")

	for _, want := range []string{"first", "second"} {
		ev := ws.next(t, "log")
		require.Equal(t, "v2-d1-paris", ev["processKey"])
		line := ev["data"].(map[string]any)
		require.Equal(t, "file-tail", line["type"])
		require.Equal(t, want, line["data"])
	}

	fh, err := os.OpenFile(f.logFile, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fh.WriteString("third\n")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	ev := ws.next(t, "log")
	require.Equal(t, "third", ev["data"].(map[string]any)["data"])

	// malformed input is ignored and the connection stays usable
	require.NoError(t, ws.c.Write(t.Context(), websocket.MessageText, []byte("not json")))
	ws.send(t, "requestLogs", "bad")
	ev = ws.next(t, "error")
	require.NotEmpty(t, ev["error"])
}

func TestStart_ContentType(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body := `{"deviceId": "d1", "city": "paris"}`
	resp, err := http.Post(f.ts.URL+"/api/start-automation", "text/plain", strings.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp, err = http.Post(f.ts.URL+"/api/stop-automation", "application/x-www-form-urlencoded", strings.NewReader("processKey=v1-d1-paris"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	require.Zero(t, f.sup.reg.Len())

	resp, err = http.Post(f.ts.URL+"/api/start-automation", "application/json; charset=utf-8", strings.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocket_Origin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *model.Config) {
		cfg.AllowedOrigins = []string{"dashboard.example"}
	})

	dial := func(origin string) (*websocket.Conn, *http.Response, error) {
		return websocket.Dial(t.Context(), f.wsURL(), &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{origin}},
		})
	}

	_, resp, err := dial("http://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	c, _, err := dial("http://dashboard.example")
	require.NoError(t, err)
	_ = c.Close(websocket.StatusNormalClosure, "")

	// same origin as the server
	c, _, err = dial(f.ts.URL)
	require.NoError(t, err)
	_ = c.Close(websocket.StatusNormalClosure, "")
}
