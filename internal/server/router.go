package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loykin/botvisor/internal/auth"
	"github.com/loykin/botvisor/internal/broadcast"
	"github.com/loykin/botvisor/internal/cron"
	mng "github.com/loykin/botvisor/internal/manager"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/process"
	"github.com/loykin/botvisor/internal/sysmon"
)

// StatsSource serves host telemetry; *sysmon.Sampler implements it.
type StatsSource interface {
	Latest() (sysmon.Sample, bool)
	History(limit int) []sysmon.Sample // most recent limit samples, oldest first
}

// Options wires the optional collaborators of the router.
type Options struct {
	BasePath    string
	Stats       StatsSource
	Broadcaster *broadcast.Broadcaster
	Scheduler   *cron.Scheduler
	Auth        *auth.Service // nil disables authentication
	Metrics     bool          // expose /metrics
}

// Router provides embeddable HTTP handlers over a Manager.
// Endpoints (relative to basePath):
//
//	GET    /bots                   list workers
//	POST   /bots                   register a worker (id generated when empty)
//	GET    /bots/:id               one worker
//	PUT    /bots/:id               replace the launch spec
//	DELETE /bots/:id               stop and remove
//	POST   /bots/:id/start|stop|restart
//	GET    /bots/:id/logs?limit=   newest first
//	DELETE /bots/:id/logs
//	GET    /activities?limit=
//	GET    /system/stats           404 until the first sample
//	GET    /system/stats/history?limit=
//	GET    /schedules
//	GET    /ws                     event stream
//
// /metrics is served at the root when enabled.
type Router struct {
	mgr      *mng.Manager
	opts     Options
	basePath string
	mw       *auth.Middleware
	upgrader websocket.Upgrader
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(mgr *mng.Manager, opts Options) *Router {
	return &Router{
		mgr:      mgr,
		opts:     opts,
		basePath: sanitizeBase(opts.BasePath),
		mw:       auth.NewMiddleware(opts.Auth),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.opts.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	read := func(res string) gin.HandlerFunc { return r.mw.GinRequirePermission(res, auth.ActionRead) }
	write := func(res string) gin.HandlerFunc { return r.mw.GinRequirePermission(res, auth.ActionWrite) }

	group := g.Group(r.basePath)
	group.Use(r.mw.GinAuth())

	group.GET("/bots", read(auth.ResourceBot), r.handleList)
	group.POST("/bots", write(auth.ResourceBot), r.handleCreate)
	group.GET("/bots/:id", read(auth.ResourceBot), r.handleGet)
	group.PUT("/bots/:id", write(auth.ResourceBot), r.handleUpdate)
	group.DELETE("/bots/:id", write(auth.ResourceBot), r.handleDelete)
	group.POST("/bots/:id/start", write(auth.ResourceBot), r.handleStart)
	group.POST("/bots/:id/stop", write(auth.ResourceBot), r.handleStop)
	group.POST("/bots/:id/restart", write(auth.ResourceBot), r.handleRestart)
	group.GET("/bots/:id/logs", read(auth.ResourceBot), r.handleLogs)
	group.DELETE("/bots/:id/logs", write(auth.ResourceBot), r.handleClearLogs)
	group.GET("/activities", read(auth.ResourceActivity), r.handleActivities)
	group.GET("/system/stats", read(auth.ResourceSystem), r.handleStats)
	group.GET("/system/stats/history", read(auth.ResourceSystem), r.handleStatsHistory)
	group.GET("/schedules", read(auth.ResourceSystem), r.handleSchedules)
	group.GET("/ws", read(auth.ResourceActivity), r.handleWS)
	return g
}

// NewServer builds a standalone HTTP server on addr using this router.
// The caller runs ListenAndServe and Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: /ws connections are long lived
		IdleTimeout: 60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK  bool        `json:"ok"`
	Bot *mng.Status `json:"bot,omitempty"`
}

// writeError maps supervisor errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, mng.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, mng.ErrAlreadyRunning), errors.Is(err, mng.ErrAlreadyExists):
		code = http.StatusConflict
	case errors.Is(err, process.ErrInvalidSpec):
		code = http.StatusBadRequest
	case errors.Is(err, mng.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func queryLimit(c *gin.Context) (int, bool) {
	s := c.Query("limit")
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func (r *Router) bindSpec(c *gin.Context) (process.Spec, bool) {
	var spec process.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return spec, false
	}
	if !isCleanAbsPath(spec.WorkDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid work_dir: must be absolute path without traversal"})
		return spec, false
	}
	return spec, true
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.List())
}

func (r *Router) handleGet(c *gin.Context) {
	st, err := r.mgr.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleCreate(c *gin.Context) {
	spec, ok := r.bindSpec(c)
	if !ok {
		return
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	// the id names the worker's directory and log files
	if !isSafeID(spec.ID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	st, err := r.mgr.Register(spec)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, st)
}

func (r *Router) handleUpdate(c *gin.Context) {
	spec, ok := r.bindSpec(c)
	if !ok {
		return
	}
	st, err := r.mgr.Update(c.Request.Context(), c.Param("id"), spec)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleDelete(c *gin.Context) {
	id := c.Param("id")
	if err := r.mgr.Unregister(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	if r.opts.Scheduler != nil {
		r.opts.Scheduler.RemoveWorker(id)
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) control(c *gin.Context, op func(context.Context, string) error) {
	id := c.Param("id")
	if err := op(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	st, err := r.mgr.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Bot: &st})
}

func (r *Router) handleStart(c *gin.Context)   { r.control(c, r.mgr.Start) }
func (r *Router) handleStop(c *gin.Context)    { r.control(c, r.mgr.Stop) }
func (r *Router) handleRestart(c *gin.Context) { r.control(c, r.mgr.Restart) }

func (r *Router) handleLogs(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	logs, err := r.mgr.Logs(c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, logs)
}

func (r *Router) handleClearLogs(c *gin.Context) {
	if err := r.mgr.ClearLogs(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleActivities(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.Activities(limit))
}

func (r *Router) handleStats(c *gin.Context) {
	if r.opts.Stats == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no system stats available"})
		return
	}
	s, ok := r.opts.Stats.Latest()
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no system stats available"})
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleStatsHistory(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	if r.opts.Stats == nil {
		writeJSON(c, http.StatusOK, []sysmon.Sample{})
		return
	}
	writeJSON(c, http.StatusOK, r.opts.Stats.History(limit))
}

func (r *Router) handleSchedules(c *gin.Context) {
	if r.opts.Scheduler == nil {
		writeJSON(c, http.StatusOK, []cron.Entry{})
		return
	}
	writeJSON(c, http.StatusOK, r.opts.Scheduler.Entries())
}

func (r *Router) handleWS(c *gin.Context) {
	if r.opts.Broadcaster == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "event stream disabled"})
		return
	}
	ws, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied with an error status
		return
	}
	broadcast.Serve(r.opts.Broadcaster, ws)
}
