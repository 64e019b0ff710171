package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIRouter serves the kernel management API. It only attaches handlers
// to a caller-supplied gin engine or group; starting an HTTP listener is
// the host's decision.
type APIRouter struct {
	mgr    *Manager
	logBuf *LogBuffer
	broker *EventBroker
}

// APIOption configures an APIRouter.
type APIOption func(*APIRouter)

// WithAPILogBuffer serves recent plugin log lines on /plugins/:name/logs.
func WithAPILogBuffer(buf *LogBuffer) APIOption {
	return func(router *APIRouter) {
		router.logBuf = buf
	}
}

// WithAPIEventBroker streams lifecycle events on /events.
func WithAPIEventBroker(b *EventBroker) APIOption {
	return func(router *APIRouter) {
		router.broker = b
	}
}

// NewAPIRouter creates a management API over the given manager.
func NewAPIRouter(mgr *Manager, opts ...APIOption) *APIRouter {
	router := &APIRouter{mgr: mgr}
	for _, opt := range opts {
		opt(router)
	}
	return router
}

// Mount attaches the management routes to r.
func (router *APIRouter) Mount(r gin.IRouter) {
	r.GET("/healthz", router.handleHealth)
	r.GET("/stats", router.handleStats)
	r.GET("/resolver/stats", router.handleResolverStats)
	r.GET("/usage", router.handleUsage)

	r.GET("/plugins", router.handleListPlugins)
	r.GET("/plugins/:name", router.handleGetPlugin)
	r.GET("/plugins/:name/logs", router.handlePluginLogs)
	r.POST("/plugins/:name/load", router.handleLoad)
	r.POST("/plugins/:name/start", router.transitionHandler(router.mgr.StartPlugin))
	r.POST("/plugins/:name/stop", router.transitionHandler(router.mgr.StopPlugin))
	r.POST("/plugins/:name/pause", router.transitionHandler(router.mgr.PausePlugin))
	r.POST("/plugins/:name/resume", router.transitionHandler(router.mgr.ResumePlugin))
	r.POST("/plugins/:name/unload", router.transitionHandler(router.mgr.UnloadPlugin))
	r.POST("/plugins/:name/reload", router.handleReload)

	if m := router.mgr.Metrics(); m != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))
	}
	if router.broker != nil {
		r.GET("/events", gin.WrapH(router.broker))
	}
}

// handleHealth reports kernel liveness.
func (router *APIRouter) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "quantflow-kernel",
		"loaded":  len(router.mgr.Loaded()),
	})
}

// handleStats returns manager-wide statistics.
func (router *APIRouter) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, router.mgr.Statistics())
}

// handleResolverStats returns resolution and cache counters.
func (router *APIRouter) handleResolverStats(c *gin.Context) {
	c.JSON(http.StatusOK, router.mgr.Statistics().Resolver)
}

// handleUsage returns the latest resource snapshot per plugin.
func (router *APIRouter) handleUsage(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"usage": router.mgr.Monitor().AllUsage()})
}

// handleListPlugins returns every registered plugin with its lifecycle
// state when loaded.
func (router *APIRouter) handleListPlugins(c *gin.Context) {
	manifests := router.mgr.Registry().List()
	plugins := make([]gin.H, 0, len(manifests))
	for _, mf := range manifests {
		view := gin.H{
			"name":     mf.Name,
			"version":  mf.Version,
			"category": mf.Category,
		}
		if st, ok := router.mgr.PluginState(mf.Name); ok {
			view["state"] = st.String()
		}
		plugins = append(plugins, view)
	}
	c.JSON(http.StatusOK, gin.H{"plugins": plugins, "total": len(plugins)})
}

// handleGetPlugin returns one plugin's manifest, state and usage.
func (router *APIRouter) handleGetPlugin(c *gin.Context) {
	name := c.Param("name")
	mf, ok := router.mgr.Registry().Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("plugin %q is not registered", name)})
		return
	}

	resp := gin.H{"manifest": mf}
	if st, ok := router.mgr.PluginState(name); ok {
		resp["state"] = st.String()
	}
	if usage, ok := router.mgr.Monitor().Usage(name); ok {
		resp["usage"] = usage
	}
	c.JSON(http.StatusOK, resp)
}

// handlePluginLogs returns recent captured log lines for one plugin.
func (router *APIRouter) handlePluginLogs(c *gin.Context) {
	if router.logBuf == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "log capture is not enabled"})
		return
	}
	name := c.Param("name")

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries := router.logBuf.ForPlugin(name, limit)
	if entries == nil {
		entries = []LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"plugin": name, "entries": entries, "total": len(entries)})
}

// handleLoad instantiates a registered plugin, with an optional config
// override in the request body.
func (router *APIRouter) handleLoad(c *gin.Context) {
	name := c.Param("name")
	if _, ok := router.mgr.Registry().Get(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("plugin %q is not registered", name)})
		return
	}

	var req struct {
		Config map[string]any `json:"config"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
	}

	if err := router.mgr.LoadPlugin(c.Request.Context(), name, req.Config); err != nil {
		router.respondOpError(c, err)
		return
	}
	st, _ := router.mgr.PluginState(name)
	c.JSON(http.StatusOK, gin.H{"name": name, "state": st.String()})
}

// handleReload rebuilds a plugin instance from its stored registration.
func (router *APIRouter) handleReload(c *gin.Context) {
	name := c.Param("name")
	if _, ok := router.mgr.Registry().Get(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("plugin %q is not registered", name)})
		return
	}

	if err := router.mgr.Reload(c.Request.Context(), name); err != nil {
		router.respondOpError(c, err)
		return
	}
	st, _ := router.mgr.PluginState(name)
	c.JSON(http.StatusOK, gin.H{"name": name, "state": st.String()})
}

// transitionHandler adapts a manager lifecycle method into a route
// handler with uniform error mapping.
func (router *APIRouter) transitionHandler(op func(ctx context.Context, name string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if _, ok := router.mgr.PluginState(name); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("plugin %q is not loaded", name)})
			return
		}
		if err := op(c.Request.Context(), name); err != nil {
			router.respondOpError(c, err)
			return
		}
		resp := gin.H{"name": name}
		if st, ok := router.mgr.PluginState(name); ok {
			resp["state"] = st.String()
		} else {
			resp["state"] = StateUnloaded.String()
		}
		c.JSON(http.StatusOK, resp)
	}
}

// respondOpError maps kernel errors onto HTTP statuses: illegal
// transitions are conflicts, load rejections are unprocessable, the
// rest are internal.
func (router *APIRouter) respondOpError(c *gin.Context, err error) {
	var terr *TransitionError
	if errors.As(err, &terr) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	var lerr *LoadError
	if errors.As(err, &lerr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
