package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devpanel/internal/bus"
	"github.com/loykin/devpanel/internal/metrics"
	"github.com/loykin/devpanel/internal/orchestrator"
	"github.com/loykin/devpanel/internal/process"
	"github.com/loykin/devpanel/internal/status"
)

// Controller is the part of the orchestrator the HTTP API drives.
type Controller interface {
	Snapshot() []orchestrator.UnitStatus
	Status(name string) (orchestrator.UnitStatus, bool)
	Tail(name string, n int) ([]process.Line, error)
	Stats(name string) (process.Stats, error)
	Start(ctx context.Context, name string) (orchestrator.Result, error)
	Stop(ctx context.Context, name string) (orchestrator.Result, error)
	StartAll(ctx context.Context) orchestrator.AggregateResult
	StopAll(ctx context.Context) orchestrator.AggregateResult
	StartAllAsync(ctx context.Context) (string, <-chan orchestrator.AggregateResult)
	StopAllAsync(ctx context.Context) (string, <-chan orchestrator.AggregateResult)
	Subscribe(opts ...bus.SubscribeOption) *bus.Subscription
}

// ReloadFunc re-reads the server definitions and applies them.
type ReloadFunc func(ctx context.Context) error

// Router provides embeddable HTTP handlers for the control panel.
// Endpoints (relative to basePath):
//
//	GET  /servers                    snapshot
//	GET  /servers/:name              status, uptime and resource usage
//	GET  /servers/:name/output       ?lines=N captured output
//	POST /servers/:name/start
//	POST /servers/:name/stop
//	POST /servers/start-all          ?async=true returns 202 with an operation id
//	POST /servers/stop-all
//	GET  /operations/:id             result of an async operation
//	POST /reload                     only when a ReloadFunc is set
//	GET  /events                     Server-Sent Events, ?servers=a,b filters
//	GET  /metrics                    only when metrics are enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	metrics  bool
	reload   ReloadFunc
	log      *slog.Logger
	// background context for async operations; request contexts end too early
	bg context.Context

	mu  sync.Mutex
	ops map[string]*operation
	// ids of finished ops, oldest first
	finished []string
}

// keptOperations bounds how many finished async operations stay queryable.
const keptOperations = 100

type operation struct {
	done   bool
	result orchestrator.AggregateResult
}

type Option func(*Router)

func WithMetrics(enabled bool) Option { return func(r *Router) { r.metrics = enabled } }

func WithReload(fn ReloadFunc) Option { return func(r *Router) { r.reload = fn } }

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithContext sets the context async aggregate operations run under.
func WithContext(ctx context.Context) Option { return func(r *Router) { r.bg = ctx } }

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(ctl Controller, basePath string, opts ...Option) *Router {
	r := &Router{
		ctl:      ctl,
		basePath: sanitizeBase(basePath),
		log:      slog.Default(),
		bg:       context.Background(),
		ops:      map[string]*operation{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/servers", r.handleList)
	group.POST("/servers/start-all", r.handleAggregate(orchestrator.OpStartAll))
	group.POST("/servers/stop-all", r.handleAggregate(orchestrator.OpStopAll))
	group.GET("/servers/:name", r.handleStatus)
	group.GET("/servers/:name/output", r.handleOutput)
	group.POST("/servers/:name/start", r.handleUnit(true))
	group.POST("/servers/:name/stop", r.handleUnit(false))
	group.GET("/operations/:id", r.handleOperation)
	group.GET("/events", r.handleEvents)
	if r.reload != nil {
		group.POST("/reload", r.handleReload)
	}
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer builds an http.Server for addr serving r. The caller runs
// ListenAndServe.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// aggregate operations and the event stream outlive a short write timeout
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type detailResp struct {
	orchestrator.UnitStatus
	UptimeSeconds float64        `json:"uptime_seconds,omitempty"`
	Stats         *process.Stats `json:"stats,omitempty"`
}

type acceptedResp struct {
	ID string          `json:"id"`
	Op orchestrator.Op `json:"op"`
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Snapshot())
}

// lookup resolves :name, writing 400/404 itself when it fails.
func (r *Router) lookup(c *gin.Context) (orchestrator.UnitStatus, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid server name"})
		return orchestrator.UnitStatus{}, false
	}
	us, ok := r.ctl.Status(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: orchestrator.ErrUnknownServer.Error() + ": " + name})
		return orchestrator.UnitStatus{}, false
	}
	return us, true
}

func (r *Router) handleStatus(c *gin.Context) {
	us, ok := r.lookup(c)
	if !ok {
		return
	}
	resp := detailResp{UnitStatus: us}
	if us.PID > 0 && us.Status.Is(status.Running) {
		if !us.StartedAt.IsZero() {
			resp.UptimeSeconds = time.Since(us.StartedAt).Seconds()
		}
		if st, err := r.ctl.Stats(us.Name); err == nil {
			resp.Stats = &st
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleOutput(c *gin.Context) {
	us, ok := r.lookup(c)
	if !ok {
		return
	}
	n := process.DefaultTailLines
	if s := c.Query("lines"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "lines must be a non-negative integer"})
			return
		}
		n = v
	}
	lines, err := r.ctl.Tail(us.Name, n)
	if err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, lines)
}

func (r *Router) handleUnit(start bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		us, ok := r.lookup(c)
		if !ok {
			return
		}
		var (
			res orchestrator.Result
			err error
		)
		if start {
			res, err = r.ctl.Start(c.Request.Context(), us.Name)
		} else {
			res, err = r.ctl.Stop(c.Request.Context(), us.Name)
		}
		if err != nil {
			writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, res)
	}
}

func (r *Router) handleAggregate(op orchestrator.Op) gin.HandlerFunc {
	return func(c *gin.Context) {
		async, _ := strconv.ParseBool(c.DefaultQuery("async", "false"))
		if !async {
			var res orchestrator.AggregateResult
			if op == orchestrator.OpStartAll {
				res = r.ctl.StartAll(c.Request.Context())
			} else {
				res = r.ctl.StopAll(c.Request.Context())
			}
			writeJSON(c, http.StatusOK, res)
			return
		}
		var (
			id string
			ch <-chan orchestrator.AggregateResult
		)
		if op == orchestrator.OpStartAll {
			id, ch = r.ctl.StartAllAsync(r.bg)
		} else {
			id, ch = r.ctl.StopAllAsync(r.bg)
		}
		r.track(id, ch)
		writeJSON(c, http.StatusAccepted, acceptedResp{ID: id, Op: op})
	}
}

func (r *Router) track(id string, ch <-chan orchestrator.AggregateResult) {
	op := &operation{}
	r.mu.Lock()
	r.ops[id] = op
	r.mu.Unlock()
	go func() {
		res := <-ch
		r.mu.Lock()
		op.done = true
		op.result = res
		r.finished = append(r.finished, id)
		if n := len(r.finished) - keptOperations; n > 0 {
			for _, old := range r.finished[:n] {
				delete(r.ops, old)
			}
			r.finished = slices.Delete(r.finished, 0, n)
		}
		r.mu.Unlock()
		if err := res.Err(); err != nil {
			r.log.Warn("async operation finished with errors", "id", id, "op", res.Op, "error", err)
		}
	}()
}

func (r *Router) handleOperation(c *gin.Context) {
	id := c.Param("id")
	r.mu.Lock()
	op, ok := r.ops[id]
	var done bool
	var res orchestrator.AggregateResult
	if ok {
		done, res = op.done, op.result
	}
	r.mu.Unlock()
	switch {
	case !ok:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown operation " + id})
	case !done:
		writeJSON(c, http.StatusAccepted, gin.H{"id": id, "done": false})
	default:
		writeJSON(c, http.StatusOK, res)
	}
}

func (r *Router) handleReload(c *gin.Context) {
	if err := r.reload(c.Request.Context()); err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.ctl.Snapshot())
}

func (r *Router) handleEvents(c *gin.Context) {
	var opts []bus.SubscribeOption
	if names := splitList(c.Query("servers")); len(names) > 0 {
		opts = append(opts, bus.ForUnits(names...))
	}
	sub := r.ctl.Subscribe(opts...)
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	// current state first so a client never starts from nothing
	c.SSEvent("snapshot", r.ctl.Snapshot())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent("status", ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
