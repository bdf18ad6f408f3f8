package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loaddriver/internal/runner"
	"loaddriver/internal/storage"
)

const validSpec = `{
  "destination": "10.0.0.2",
  "phases": [{"sourceMixture": [{"kind": "uniform"}], "rate": "1M", "size": "1M", "concurrency": 2, "duration": 30}]
}`

// sleeper is a worker that runs until killed.
type sleeper struct {
	once sync.Once
	done chan struct{}
}

func (w *sleeper) ID() int     { return 1 }
func (w *sleeper) Wait() error { <-w.done; return nil }
func (w *sleeper) Kill() error {
	killed := false
	w.once.Do(func() { close(w.done); killed = true })
	if !killed {
		return os.ErrProcessDone
	}
	return nil
}

type sleeperLauncher struct{}

func (sleeperLauncher) Launch(context.Context, runner.WorkerRequest) (runner.Worker, error) {
	return &sleeper{done: make(chan struct{})}, nil
}

type memHistory struct {
	items []storage.HistoryItem
	err   error
}

func (h *memHistory) List(limit int) ([]storage.HistoryItem, error) {
	if h.err != nil {
		return nil, h.err
	}
	if limit > 0 && limit < len(h.items) {
		return h.items[:limit], nil
	}
	return h.items, nil
}

func (h *memHistory) Get(id string) (*storage.HistoryItem, error) {
	for i := range h.items {
		if h.items[i].ID == id {
			return &h.items[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

func newTestServer(t *testing.T, cfg Config, history History) (*Server, *runner.Controller) {
	t.Helper()
	ctrl := runner.NewController(runner.Config{Seed: 1}, sleeperLauncher{}, zap.NewNop())
	t.Cleanup(func() { _, _ = ctrl.Abort() })
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok_metric 1\n")) })
	return NewServer(cfg, ctrl, history, metrics, zap.NewNop()), ctrl
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestStartExperiment(t *testing.T) {
	srv, ctrl := newTestServer(t, Config{}, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/experiment", validSpec)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st runner.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, runner.StateRunning, st.State)
	assert.Equal(t, "10.0.0.2", st.Destination)
	assert.True(t, ctrl.Running())

	rec = do(t, h, http.MethodPost, "/experiment", validSpec)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeError(t, rec), "already running")
}

func TestStartRejectsBadSpec(t *testing.T) {
	srv, ctrl := newTestServer(t, Config{}, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/experiment", `{"destination": "x", "phases": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec), "phases")

	rec = do(t, h, http.MethodPost, "/experiment", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, ctrl.Running())
}

func TestStartYAMLBody(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, nil)
	body := "dst: srv\nshapes:\n  - src: [{name: u}]\n    rate: 1k\n    size: 1M\n    clients: 1\n    duration: 10\n"
	rec := do(t, srv.Handler(), http.MethodPost, "/experiment", body)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestStartBodyLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{MaxBodyBytes: 16}, nil)
	rec := do(t, srv.Handler(), http.MethodPost, "/experiment", validSpec)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAbortExperiment(t *testing.T) {
	srv, _ := newTestServer(t, Config{ShutdownOnAbort: true}, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodDelete, "/experiment", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeError(t, rec), "no experiment running")

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/experiment", validSpec).Code)

	rec = do(t, h, http.MethodDelete, "/experiment", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st runner.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, runner.StateDone, st.State)
	assert.Equal(t, runner.EndAborted, st.EndReason)
	assert.Equal(t, uint64(2), st.Workers.Killed)

	select {
	case <-srv.ShutdownRequested():
	default:
		t.Fatal("shutdown was not requested")
	}
}

func TestAbortWithoutShutdown(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, nil)
	do(t, srv.Handler(), http.MethodDelete, "/experiment", "")
	select {
	case <-srv.ShutdownRequested():
		t.Fatal("shutdown requested although disabled")
	default:
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, nil)
	h := srv.Handler()

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/experiment", "").Code)

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/experiment", validSpec).Code)
	rec := do(t, h, http.MethodGet, "/experiment", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st runner.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, runner.StateRunning, st.State)
	assert.Equal(t, int64(2), st.Workers.Live)
	assert.Equal(t, 30.0, st.TotalSeconds)

	rec = do(t, h, http.MethodPut, "/experiment", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStop(t *testing.T) {
	srv, ctrl := newTestServer(t, Config{ShutdownOnAbort: true}, nil)
	h := srv.Handler()
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/experiment", validSpec).Code)

	rec := do(t, h, http.MethodGet, "/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stopped": true, "aborted": true}`, rec.Body.String())
	assert.False(t, ctrl.Running())

	rec = do(t, h, http.MethodGet, "/stop", "")
	assert.JSONEq(t, `{"stopped": true, "aborted": false}`, rec.Body.String())
}

func TestHistory(t *testing.T) {
	history := &memHistory{items: []storage.HistoryItem{{ID: "b"}, {ID: "a"}}}
	srv, _ := newTestServer(t, Config{}, history)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/experiments?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []storage.HistoryItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/experiments?limit=x", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/experiments/a", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/experiments/zzz", "").Code)

	history.err = errors.New("disk on fire")
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/experiments", "").Code)
}

func TestHistoryDisabled(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, nil)
	rec := do(t, srv.Handler(), http.MethodGet, "/experiments", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.JSONEq(t, `{"status": "healthy", "running": false}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Contains(t, rec.Body.String(), "ok_metric 1")
}

func TestServeShutsDownAfterAbort(t *testing.T) {
	srv, _ := newTestServer(t, Config{ShutdownOnAbort: true, ShutdownDelay: 10 * time.Millisecond}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Post(base+"/experiment", "application/json", strings.NewReader(validSpec))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, base+"/experiment", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServeStopsOnContext(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

var (
	_ Experiments = (*runner.Controller)(nil)
	_ History     = (*storage.Store)(nil)
)
