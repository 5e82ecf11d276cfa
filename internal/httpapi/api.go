// Package httpapi serves the read-only results API, the recorder lifecycle
// endpoints and the live measurement stream.
package httpapi

import (
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"speedlog/internal/eventbus"
	"speedlog/internal/measure"
	"speedlog/internal/results"
	"speedlog/internal/sink"
	"speedlog/internal/watchdog"
	logx "speedlog/pkg/logx"
)

// ExportFilename is the attachment name of /api/export.
const ExportFilename = "connection_log.csv"

// Controller is the recorder lifecycle surface, implemented by
// *watchdog.Watchdog.
type Controller interface {
	Status() watchdog.Status
	Results() *results.Store
	StartRecorder() error
	StopRecorder()
}

type Config struct {
	RatePerSec int
	Burst      int
	Pprof      bool
	CSVPath    string
	// Interval reports the current recorder cadence for /api/status.
	Interval func() time.Duration
}

type API struct {
	cfg     Config
	ctl     Controller
	bus     eventbus.Bus
	metrics http.Handler
	log     logx.Logger
	engine  *gin.Engine
}

// New builds the router. bus and metrics may be nil.
func New(cfg Config, ctl Controller, bus eventbus.Bus, metrics http.Handler, log logx.Logger) *API {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.CSVPath) == "" {
		cfg.CSVPath = sink.DefaultCSVPath
	}
	a := &API{cfg: cfg, ctl: ctl, bus: bus, metrics: metrics, log: log.With(logx.String("comp", "http"))}
	a.engine = a.routes()
	return a
}

// Handler returns the gin engine as a plain http.Handler.
func (a *API) Handler() http.Handler { return a.engine }

func (a *API) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.accessLog())

	api := r.Group("/api")
	api.Use(newRateLimitMiddleware(a.cfg.RatePerSec, a.cfg.Burst))
	{
		api.GET("/results", a.getResults)
		api.GET("/results.csv", a.getResultsCSV)
		api.GET("/export", a.getExport)
		api.GET("/status", a.getStatus)
		api.GET("/stats", a.getStats)
		api.POST("/recorder/start", a.startRecorder)
		api.POST("/recorder/stop", a.stopRecorder)
		api.GET("/stream", a.stream)
	}

	r.GET("/healthz", a.healthz)
	if a.metrics != nil {
		r.GET("/metrics", gin.WrapH(a.metrics))
	}
	if a.cfg.Pprof {
		r.GET("/debug/pprof/*name", pprofHandler)
	}
	return r
}

func (a *API) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func (a *API) snapshot(c *gin.Context) ([]measure.Record, bool) {
	store := a.ctl.Results()
	raw := strings.TrimSpace(c.Query("since"))
	if raw == "" {
		return store.Snapshot(), true
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
		return nil, false
	}
	return store.Since(since), true
}

func (a *API) getResults(c *gin.Context) {
	recs, ok := a.snapshot(c)
	if !ok {
		return
	}
	rows := make([]map[string]any, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, r.Map())
	}
	c.JSON(http.StatusOK, gin.H{"columns": measure.Columns(), "rows": rows})
}

func (a *API) getResultsCSV(c *gin.Context) {
	recs, ok := a.snapshot(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)
	if err := sink.EncodeCSV(c.Writer, recs); err != nil {
		a.log.Warn("csv render failed", logx.Err(err))
	}
}

func (a *API) getExport(c *gin.Context) {
	f, err := sink.Open(a.cfg.CSVPath)
	if errors.Is(err, sink.ErrNoLog) {
		c.JSON(http.StatusNotFound, gin.H{"error": "log file not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+ExportFilename)
	c.Header("Content-Type", "text/csv; charset=utf-8")
	http.ServeContent(c.Writer, c.Request, ExportFilename, info.ModTime(), f)
}

func (a *API) getStatus(c *gin.Context) {
	store := a.ctl.Results()
	body := gin.H{
		"recorder": a.ctl.Status(),
		"store":    gin.H{"len": store.Len(), "cap": store.Cap()},
	}
	if last, ok := store.Latest(); ok {
		body["last"] = last.Map()
	}
	if a.cfg.Interval != nil {
		body["interval"] = a.cfg.Interval().String()
	}
	c.JSON(http.StatusOK, body)
}

func (a *API) getStats(c *gin.Context) {
	recs, ok := a.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, results.Summarize(recs))
}

func (a *API) startRecorder(c *gin.Context) {
	if err := a.ctl.StartRecorder(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, watchdog.ErrStopping) {
			code = http.StatusConflict
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, a.ctl.Status())
}

func (a *API) stopRecorder(c *gin.Context) {
	a.ctl.StopRecorder()
	c.JSON(http.StatusAccepted, a.ctl.Status())
}

func (a *API) healthz(c *gin.Context) {
	st := a.ctl.Status()
	if !st.Running {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "state": st.State})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": st.State})
}

func pprofHandler(c *gin.Context) {
	switch strings.TrimPrefix(c.Param("name"), "/") {
	case "cmdline":
		hpprof.Cmdline(c.Writer, c.Request)
	case "profile":
		hpprof.Profile(c.Writer, c.Request)
	case "symbol":
		hpprof.Symbol(c.Writer, c.Request)
	case "trace":
		hpprof.Trace(c.Writer, c.Request)
	default:
		// Index also serves named profiles such as /debug/pprof/heap.
		hpprof.Index(c.Writer, c.Request)
	}
}
