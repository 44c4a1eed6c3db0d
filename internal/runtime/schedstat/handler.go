package schedstat

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	kerrors "github.com/orizon-lang/fairsched/internal/errors"
	"github.com/orizon-lang/fairsched/internal/runtime/kernel"
)

type handler struct {
	sched   *kernel.Scheduler
	version VersionView
}

func (h *handler) getVersion(c *gin.Context) {
	c.JSON(http.StatusOK, h.version)
}

func (h *handler) getSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.sched.TreeSummary())
}

func (h *handler) getNodes(c *gin.Context) {
	limit := DefaultNodeLimit
	if s := c.Query("max"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "max must be a non-negative integer"})
			return
		}
		limit = n
	}
	nodes := h.sched.TreeNodes(limit)
	if nodes == nil {
		nodes = []kernel.NodeInfo{}
	}
	c.JSON(http.StatusOK, nodes)
}

func (h *handler) getBalanced(c *gin.Context) {
	view := BalancedView{Balanced: h.sched.TreeBalanced()}
	if c.Query("full") == "true" {
		if err := h.sched.VerifyTree(); err != nil {
			view.Balanced = false
			view.Error = err.Error()
		}
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) listProcs(c *gin.Context) {
	procs := h.sched.Procs()
	if procs == nil {
		procs = []kernel.ProcInfo{}
	}
	c.JSON(http.StatusOK, procs)
}

func (h *handler) getProc(c *gin.Context) {
	info, err := h.sched.ProcInfo(GetPID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handler) setNice(c *gin.Context) {
	var req NiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	pid := GetPID(c)
	if err := h.sched.SetNice(pid, *req.Nice); err != nil {
		writeError(c, err)
		return
	}
	info, err := h.sched.ProcInfo(pid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handler) kill(c *gin.Context) {
	if err := h.sched.Kill(GetPID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func writeError(c *gin.Context, err error) {
	c.Error(err)

	var se *kerrors.StandardError
	code := ""
	if errors.As(err, &se) {
		code = se.Code
	}
	switch {
	case errors.Is(err, kerrors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error(), "code": code})
	case errors.Is(err, kerrors.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "code": code})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error(), "code": code})
	}
}
