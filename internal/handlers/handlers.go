// Package handlers wires every core component behind the downstream
// HTTP API (§6); the sole place that maps a corerr.Code to an HTTP
// status.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"overlaycaster/internal/alerts"
	"overlaycaster/internal/corerr"
	"overlaycaster/internal/counters"
	"overlaycaster/internal/lifecycle"
	"overlaycaster/internal/realtime"
	"overlaycaster/internal/supervisor"
	"overlaycaster/internal/tenant"
	"overlaycaster/pkg/api/common"
	"overlaycaster/pkg/auth"
	"overlaycaster/pkg/logging"
	"overlaycaster/pkg/models"
)

// Deps bundles every component the router dispatches into.
type Deps struct {
	Tenants    *tenant.Service
	Counters   *counters.Engine
	Alerts     *alerts.Service
	Lifecycle  *lifecycle.Controller
	Supervisor *supervisor.Supervisor
	Hub        *realtime.Hub
	Logger     logging.Logger
	JWTSecret  []byte
}

// Register mounts every downstream HTTP endpoint and the subscriber
// WebSocket endpoint onto router.
func Register(router *gin.Engine, d Deps) {
	authorized := router.Group("")
	authorized.Use(auth.JWTAuthMiddleware(d.JWTSecret))

	h := &handler{d: d}

	authorized.GET("/counters", h.getCounters)
	authorized.POST("/counters/:kind/:direction", h.mutateCounter)
	authorized.POST("/counters/reset", h.resetCounters)
	authorized.GET("/counters/export", h.getCounters)

	authorized.POST("/counters/series/save", h.saveSeries)
	authorized.POST("/counters/series/load", h.loadSeries)
	authorized.GET("/counters/series/list", h.listSeries)
	authorized.DELETE("/counters/series/:seriesId", h.deleteSeries)

	authorized.POST("/stream/prep", h.transition(lifecycle.ActionPrep))
	authorized.POST("/stream/go-live", h.transition(lifecycle.ActionGoLive))
	authorized.POST("/stream/end-stream", h.transition(lifecycle.ActionEndStream))
	authorized.POST("/stream/cancel-prep", h.transition(lifecycle.ActionCancelPrep))
	authorized.GET("/stream/status", h.streamStatus)

	authorized.POST("/stream/monitor/start", h.monitorStart)
	authorized.POST("/stream/monitor/stop", h.monitorStop)
	authorized.POST("/stream/monitor/reconnect", h.monitorReconnect)
	authorized.GET("/stream/monitor/status", h.monitorStatus)

	authorized.POST("/stream/bot/toggle", h.botToggle)
	authorized.GET("/stream/bot/status", h.botStatus)

	router.GET("/realtime/ws", h.serveWS)
}

type handler struct {
	d Deps
}

// writeError maps a CoreError to its conventional HTTP status; any
// other error is Internal (§7).
func writeError(c *gin.Context, err error) {
	code := corerr.Internal
	status := http.StatusInternalServerError
	switch {
	case corerr.Is(err, corerr.NotFound):
		code, status = corerr.NotFound, http.StatusNotFound
	case corerr.Is(err, corerr.InvalidInput):
		code, status = corerr.InvalidInput, http.StatusBadRequest
	case corerr.Is(err, corerr.Unauthorized):
		code, status = corerr.Unauthorized, http.StatusUnauthorized
	case corerr.Is(err, corerr.AuthRevoked):
		code, status = corerr.AuthRevoked, http.StatusBadRequest
	case corerr.Is(err, corerr.InvalidTransition):
		code, status = corerr.InvalidTransition, http.StatusBadRequest
	case corerr.Is(err, corerr.FeatureDisabled):
		code, status = corerr.FeatureDisabled, http.StatusForbidden
	case corerr.Is(err, corerr.Conflict):
		code, status = corerr.Conflict, http.StatusBadRequest
	case corerr.Is(err, corerr.UpstreamUnavailable):
		code, status = corerr.UpstreamUnavailable, http.StatusInternalServerError
	}
	c.JSON(status, common.ErrorResponse{Error: err.Error(), Code: string(code), Service: "overlaycaster-broker"})
}

func tenantIDOf(c *gin.Context) string {
	return c.GetString("tenant_id")
}

func (h *handler) getCounters(c *gin.Context) {
	snap, err := h.d.Counters.Get(c.Request.Context(), tenantIDOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

var kindByName = map[string]models.CounterKind{
	"deaths":  models.KindDeaths,
	"swears":  models.KindSwears,
	"screams": models.KindScreams,
}

func (h *handler) mutateCounter(c *gin.Context) {
	kind, ok := kindByName[c.Param("kind")]
	if !ok {
		writeError(c, corerr.Newf(corerr.InvalidInput, "unknown counter %q", c.Param("kind")))
		return
	}

	ctx := c.Request.Context()
	tenantID := tenantIDOf(c)

	var mut counters.Mutation
	var err error
	switch c.Param("direction") {
	case "increment":
		mut, err = h.d.Counters.Increment(ctx, tenantID, kind)
	case "decrement":
		mut, err = h.d.Counters.Decrement(ctx, tenantID, kind)
	default:
		writeError(c, corerr.Newf(corerr.InvalidInput, "unknown direction %q", c.Param("direction")))
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	h.d.Hub.BroadcastCounterUpdate(tenantID, mut.Delta, mut.Counters, "api")
	for _, m := range mut.Milestones {
		h.d.Hub.BroadcastMilestone(tenantID, m)
	}
	c.JSON(http.StatusOK, mut.Counters)
}

func (h *handler) resetCounters(c *gin.Context) {
	tenantID := tenantIDOf(c)
	snap, err := h.d.Counters.Reset(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.d.Hub.BroadcastToRoom(tenantID, "countersReset", snap)
	c.JSON(http.StatusOK, snap)
}

func (h *handler) saveSeries(c *gin.Context) {
	var req struct {
		SeriesName  string `json:"seriesName"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, corerr.Wrap(corerr.InvalidInput, "invalid request body", err))
		return
	}
	snap, err := h.d.Counters.SaveSeries(c.Request.Context(), tenantIDOf(c), req.SeriesName, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) loadSeries(c *gin.Context) {
	var req struct {
		SeriesID string `json:"seriesId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, corerr.Wrap(corerr.InvalidInput, "invalid request body", err))
		return
	}
	tenantID := tenantIDOf(c)
	mut, err := h.d.Counters.LoadSeries(c.Request.Context(), tenantID, req.SeriesID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.d.Hub.BroadcastCounterUpdate(tenantID, mut.Delta, mut.Counters, "seriesLoad")
	c.JSON(http.StatusOK, mut.Counters)
}

func (h *handler) listSeries(c *gin.Context) {
	list, err := h.d.Counters.ListSeries(c.Request.Context(), tenantIDOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *handler) deleteSeries(c *gin.Context) {
	err := h.d.Counters.DeleteSeries(c.Request.Context(), tenantIDOf(c), c.Param("seriesId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) transition(action lifecycle.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		updated, err := h.d.Lifecycle.Transition(c.Request.Context(), tenantIDOf(c), action)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

func (h *handler) streamStatus(c *gin.Context) {
	t, err := h.d.Tenants.Get(c.Request.Context(), tenantIDOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": t.StreamStatus})
}

func (h *handler) monitorStart(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.d.Tenants.Get(ctx, tenantIDOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if t.Credentials.Revoked {
		writeError(c, corerr.New(corerr.AuthRevoked, "tokens revoked, rebind credentials before starting monitoring"))
		return
	}
	h.d.Supervisor.StartUpstream(ctx, t)
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (h *handler) monitorStop(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.d.Tenants.Get(ctx, tenantIDOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	h.d.Supervisor.StopUpstream(t)
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (h *handler) monitorReconnect(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.d.Tenants.Get(ctx, tenantIDOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	h.d.Supervisor.ForceReconnectUpstream(ctx, t)
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (h *handler) monitorStatus(c *gin.Context) {
	st := h.d.Supervisor.Status(tenantIDOf(c))
	c.JSON(http.StatusOK, gin.H{
		"connected":     st.UpstreamConnected,
		"subscriptions": st.Subscriptions,
		"lastConnected": st.LastConnected,
	})
}

func (h *handler) botToggle(c *gin.Context) {
	var req struct {
		Action string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, corerr.Wrap(corerr.InvalidInput, "invalid request body", err))
		return
	}

	ctx := c.Request.Context()
	t, err := h.d.Tenants.Get(ctx, tenantIDOf(c))
	if err != nil {
		writeError(c, err)
		return
	}

	switch req.Action {
	case "start":
		if !t.Features.ChatCommands() {
			writeError(c, corerr.New(corerr.FeatureDisabled, "chat commands feature not enabled for this tenant"))
			return
		}
		h.d.Supervisor.StartChat(ctx, t)
	case "stop":
		h.d.Supervisor.StopChat(t)
	default:
		writeError(c, corerr.Newf(corerr.InvalidInput, "unknown bot action %q", req.Action))
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (h *handler) botStatus(c *gin.Context) {
	st := h.d.Supervisor.Status(tenantIDOf(c))
	c.JSON(http.StatusOK, gin.H{"connected": st.ChatConnected})
}

// serveWS upgrades the subscriber WebSocket connection. A valid bearer
// JWT auto-joins the subscriber's own tenant room; its absence or
// invalidity falls back to an anonymous, read-only connection that
// must explicitly joinRoom (§4.6).
func (h *handler) serveWS(c *gin.Context) {
	claims, ok := h.tryAuthenticate(c)
	if !ok {
		h.d.Hub.ServeAnonymous(c.Writer, c.Request)
		return
	}

	t, err := h.d.Tenants.Get(c.Request.Context(), claims.TenantID)
	if err != nil {
		h.d.Hub.ServeAnonymous(c.Writer, c.Request)
		return
	}
	h.d.Hub.ServeAuthenticated(c.Writer, c.Request, t)
}

func (h *handler) tryAuthenticate(c *gin.Context) (*auth.Claims, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		header = c.Query("token")
		if header == "" {
			return nil, false
		}
	} else {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return nil, false
		}
		header = parts[1]
	}
	claims, err := auth.ValidateJWT(header, h.d.JWTSecret)
	if err != nil {
		return nil, false
	}
	return claims, true
}
