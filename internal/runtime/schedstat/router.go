// Package schedstat exposes scheduler introspection over HTTP.
package schedstat

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orizon-lang/fairsched/internal/runtime/kernel"
)

// APIVersion is the version of the JSON API served here. Clients compare it
// against their own semver constraint.
const APIVersion = "1.1.0"

// DefaultNodeLimit caps /api/tree/nodes when no max is given.
const DefaultNodeLimit = 64

// VersionView is the body of GET /api/version.
type VersionView struct {
	APIVersion string `json:"api_version"`
	Server     string `json:"server"`
	RunID      string `json:"run_id,omitempty"`
}

// NiceRequest is the body of PUT /api/procs/:pid/nice.
type NiceRequest struct {
	Nice *int `json:"nice" binding:"required"`
}

// BalancedView is the body of GET /api/tree/balanced.
type BalancedView struct {
	Balanced bool   `json:"balanced"`
	Error    string `json:"error,omitempty"`
}

// Options configures the router.
type Options struct {
	Server string // reported by /api/version
	RunID  string
	Logger *zap.Logger
}

// NewRouter builds the gin engine serving sched.
func NewRouter(sched *kernel.Scheduler, opts Options) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("schedstat")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(accessLog(log))

	h := &handler{sched: sched, version: VersionView{APIVersion: APIVersion, Server: opts.Server, RunID: opts.RunID}}

	r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	r.GET("/api/version", h.getVersion)
	r.GET("/metrics", metricsHandler(SchedulerMetrics(sched)))

	tree := r.Group("/api/tree")
	{
		tree.GET("", h.getSummary)
		tree.GET("/nodes", h.getNodes)
		tree.GET("/balanced", h.getBalanced)
	}

	procs := r.Group("/api/procs")
	{
		procs.GET("", h.listProcs)
		procs.GET("/:pid", RequireValidPID(), h.getProc)
		procs.PUT("/:pid/nice", RequireValidPID(), h.setNice)
		procs.POST("/:pid/kill", RequireValidPID(), h.kill)
	}
	return r
}
