package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedlog/internal/eventbus"
	"speedlog/internal/measure"
	"speedlog/internal/metrics"
	"speedlog/internal/results"
	"speedlog/internal/watchdog"
	logx "speedlog/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeController struct {
	mu       sync.Mutex
	store    *results.Store
	running  bool
	startErr error
	starts   int
	stops    int
}

func (f *fakeController) Status() watchdog.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := watchdog.Status{State: "stopped", Running: f.running}
	if f.running {
		st.State = "running"
	}
	return st
}

func (f *fakeController) Results() *results.Store { return f.store }

func (f *fakeController) StartRecorder() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeController) StopRecorder() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
}

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func record(i int) measure.Record {
	return measure.Record{
		CapturedAt:   t0.Add(time.Duration(i) * time.Minute),
		DownloadMbps: float64(i),
		UploadMbps:   float64(i) / 2,
		PingMs:       10,
	}
}

func newTestAPI(t *testing.T, ctl *fakeController, cfg Config) *API {
	t.Helper()
	if cfg.CSVPath == "" {
		cfg.CSVPath = filepath.Join(t.TempDir(), "connection_log.csv")
	}
	return New(cfg, ctl, eventbus.New(), nil, logx.Nop())
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	h.ServeHTTP(w, req)
	return w
}

type resultsBody struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

func TestResultsEmptyButWellFormed(t *testing.T) {
	for name, store := range map[string]*results.Store{"no recorder": nil, "empty": results.New(3)} {
		t.Run(name, func(t *testing.T) {
			api := newTestAPI(t, &fakeController{store: store}, Config{})
			w := do(t, api.Handler(), http.MethodGet, "/api/results")
			require.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), `"rows":[]`)

			var body resultsBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, measure.Columns(), body.Columns)
			assert.Empty(t, body.Rows)
		})
	}
}

func TestResultsSince(t *testing.T) {
	store := results.New(10)
	for i := 1; i <= 4; i++ {
		store.Append(record(i))
	}
	api := newTestAPI(t, &fakeController{store: store}, Config{})

	w := do(t, api.Handler(), http.MethodGet, "/api/results")
	var all resultsBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all.Rows, 4)
	assert.Equal(t, 1.0, all.Rows[0]["download"])

	w = do(t, api.Handler(), http.MethodGet, "/api/results?since="+t0.Add(3*time.Minute).Format(time.RFC3339))
	var some resultsBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &some))
	require.Len(t, some.Rows, 2)
	assert.Equal(t, 3.0, some.Rows[0]["download"])

	w = do(t, api.Handler(), http.MethodGet, "/api/results?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResultsCSVAlwaysHasHeader(t *testing.T) {
	api := newTestAPI(t, &fakeController{}, Config{})
	w := do(t, api.Handler(), http.MethodGet, "/api/results.csv")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, strings.Join(measure.Columns(), ",")+"\n", w.Body.String())
}

func TestExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connection_log.csv")
	api := newTestAPI(t, &fakeController{}, Config{CSVPath: path})

	w := do(t, api.Handler(), http.MethodGet, "/api/export")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"log file not found"}`, w.Body.String())

	content := []byte("system_time,download\n2024-06-01 08:00:00,1.5\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	w = do(t, api.Handler(), http.MethodGet, "/api/export")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, content, w.Body.Bytes())
	assert.Equal(t, "attachment; filename=connection_log.csv", w.Header().Get("Content-Disposition"))
}

func TestStatusAndStats(t *testing.T) {
	store := results.New(5)
	store.Append(record(2))
	store.Append(record(4))
	ctl := &fakeController{store: store, running: true}
	api := newTestAPI(t, ctl, Config{Interval: func() time.Duration { return 90 * time.Second }})

	w := do(t, api.Handler(), http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Recorder watchdog.Status `json:"recorder"`
		Store    struct {
			Len int `json:"len"`
			Cap int `json:"cap"`
		} `json:"store"`
		Last     map[string]any `json:"last"`
		Interval string         `json:"interval"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.Recorder.Running)
	assert.Equal(t, 2, status.Store.Len)
	assert.Equal(t, 5, status.Store.Cap)
	assert.Equal(t, 4.0, status.Last["download"])
	assert.Equal(t, "1m30s", status.Interval)

	w = do(t, api.Handler(), http.MethodGet, "/api/stats")
	var st results.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, 3.0, st.AvgDownload)
}

func TestRecorderLifecycleAndHealth(t *testing.T) {
	ctl := &fakeController{}
	h := newTestAPI(t, ctl, Config{}).Handler()

	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/healthz").Code)

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/recorder/start").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz").Code)

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/recorder/stop").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/healthz").Code)
	assert.Equal(t, 1, ctl.starts)
	assert.Equal(t, 1, ctl.stops)

	ctl.startErr = errors.New("boom")
	w := do(t, h, http.MethodPost, "/api/recorder/start")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "boom")

	ctl.startErr = watchdog.ErrStopping
	w = do(t, h, http.MethodPost, "/api/recorder/start")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "still stopping")

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/recorder/start").Code)
}

func TestRateLimitPerClient(t *testing.T) {
	h := newTestAPI(t, &fakeController{}, Config{RatePerSec: 1, Burst: 1}).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/stats").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/api/stats").Code)

	// Another client has its own bucket.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Health and metrics are not limited.
	assert.NotEqual(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/healthz").Code)
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	api := New(Config{}, &fakeController{}, nil, m.Handler(), logx.Nop())
	w := do(t, api.Handler(), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "speedlog_")
}

func TestPprofOptIn(t *testing.T) {
	off := newTestAPI(t, &fakeController{}, Config{}).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, off, http.MethodGet, "/debug/pprof/").Code)

	on := newTestAPI(t, &fakeController{}, Config{Pprof: true}).Handler()
	assert.Equal(t, http.StatusOK, do(t, on, http.MethodGet, "/debug/pprof/").Code)
}

func TestStreamPushesRecords(t *testing.T) {
	bus := eventbus.New()
	api := New(Config{}, &fakeController{}, bus, nil, logx.Nop())
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	// The handler subscribes after the upgrade; publish until it is listening.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				bus.Publish(eventbus.Event{Type: eventbus.RecorderStarted, Data: "ignored"})
				bus.Publish(eventbus.Event{Type: eventbus.MeasurementRecorded, Data: record(7)})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, eventbus.MeasurementRecorded, msg.Type)
	assert.Equal(t, 7.0, msg.Record["download"])
}
